package vfs

import (
	"sync"

	"github.com/mos-kernel/mos/defs"
	"github.com/mos-kernel/mos/mem"
	"github.com/mos-kernel/mos/pagecache"
)

// Superblock is one mounted filesystem instance: its root dentry plus
// the frame allocator and page cache its inodes draw from.
type Superblock struct {
	FSType string
	Root   *Dentry
	Frames *mem.Allocator
	Pages  *pagecache.Cache

	nextIno uint64
	inoMu   sync.Mutex
}

// NewSuperblock creates an empty superblock for fstype, drawing pages
// from frames. Root is left nil; a filesystem's mount_begin sets it
// after constructing the root inode/dentry.
func NewSuperblock(fstype string, frames *mem.Allocator) *Superblock {
	return &Superblock{FSType: fstype, Frames: frames, Pages: pagecache.NewCache(frames)}
}

// AllocIno hands out the next inode number for this superblock.
func (sb *Superblock) AllocIno() uint64 {
	sb.inoMu.Lock()
	defer sb.inoMu.Unlock()
	sb.nextIno++
	return sb.nextIno
}

// FSType is a registered filesystem type: mount_begin constructs a
// Superblock (and its root dentry) from a source string and options,
// per spec.md §4.9's register_fs(name, ops).
type FSType struct {
	Name       string
	MountBegin func(source, opts string) (*Superblock, defs.Err_t)
}

var fstypes = struct {
	mu    sync.Mutex
	table map[string]*FSType
}{table: make(map[string]*FSType)}

// RegisterFS adds a filesystem type to the registry. Registering the
// same name twice replaces the previous entry, matching a kernel
// module being reloaded.
func RegisterFS(ft *FSType) {
	fstypes.mu.Lock()
	defer fstypes.mu.Unlock()
	fstypes.table[ft.Name] = ft
}

func lookupFS(name string) *FSType {
	fstypes.mu.Lock()
	defer fstypes.mu.Unlock()
	return fstypes.table[name]
}

// mountTable maps a mountpoint dentry to the root dentry of the
// superblock mounted there, per spec.md §4.9's mount table; the walker
// cross-checks it on every step so a lookup landing on a mountpoint
// transparently continues into the mounted filesystem.
type mountTable struct {
	mu      sync.RWMutex
	entries map[*Dentry]*Dentry
}

var mounts = &mountTable{entries: make(map[*Dentry]*Dentry)}

func (mt *mountTable) graft(mountpoint, root *Dentry) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.entries[mountpoint] = root
}

func (mt *mountTable) ungraft(mountpoint *Dentry) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	delete(mt.entries, mountpoint)
}

// crossIfMounted redirects d to the mounted root if d is a mountpoint,
// otherwise returns d unchanged.
func (mt *mountTable) crossIfMounted(d *Dentry) *Dentry {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	if root, ok := mt.entries[d]; ok {
		return root
	}
	return d
}

// Mount implements spec.md §4.9's mount(source, target, fstype, opts):
// looks up fstype, calls its mount_begin to produce a superblock,
// grafts its root at the target dentry, and locks the mount table.
func Mount(source string, target *Dentry, fstype, opts string) (*Superblock, defs.Err_t) {
	ft := lookupFS(fstype)
	if ft == nil {
		return nil, defs.ENODEV
	}
	sb, err := ft.MountBegin(source, opts)
	if err != 0 {
		return nil, err
	}
	mounts.graft(target, sb.Root)
	return sb, 0
}

// Unmount removes the mount-table entry grafted at target, exposing
// whatever dentry target's own filesystem has underneath again.
func Unmount(target *Dentry) {
	mounts.ungraft(target)
}
