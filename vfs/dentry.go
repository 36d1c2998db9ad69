package vfs

import (
	"hash/fnv"
	"sync"

	"github.com/mos-kernel/mos/defs"
	"github.com/mos-kernel/mos/hashtable"
	"github.com/mos-kernel/mos/ustr"
)

// childBuckets sizes a dentry's children table; directories are
// typically small (a handful of entries), so a short chain table beats
// preallocating something proportional to a large fixed bucket count.
const childBuckets = 8

// Dentry is a name bound to an Inode within one parent directory,
// forming the tree the path walker descends. Children are indexed by
// a hashtable.Table so a cache hit never takes the dentry's own lock.
type Dentry struct {
	mu       sync.Mutex
	Name     ustr.Ustr
	Parent   *Dentry
	Inode    *Inode
	children *hashtable.Table[string, *Dentry]
}

func hashUstrKey(k string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(k))
	return h.Sum32()
}

// NewDentry creates a dentry named name under parent (nil for a root),
// bound to ino. The caller is responsible for attaching it to parent's
// children (Attach) when it represents a real directory entry rather
// than a synthetic root.
func NewDentry(name ustr.Ustr, parent *Dentry, ino *Inode) *Dentry {
	children := hashtable.New[string, *Dentry](childBuckets, hashUstrKey, func(a, b string) bool { return a == b })
	return &Dentry{Name: append(ustr.Ustr{}, name...), Parent: parent, Inode: ino, children: children}
}

// Attach registers child in this dentry's children table (parent must
// be a directory).
func (d *Dentry) Attach(child *Dentry) {
	d.children.Set(keyOf(child.Name), child)
}

// Detach removes name from this dentry's children table.
func (d *Dentry) Detach(name ustr.Ustr) {
	d.children.Del(keyOf(name))
}

// childCached returns the already-resolved child named name, if any.
func (d *Dentry) childCached(name ustr.Ustr) (*Dentry, bool) {
	return d.children.Get(keyOf(name))
}

// keyOf converts name to a string key, copying its bytes so the
// hashtable's stored key can't alias a caller-owned slice that gets
// mutated later.
func keyOf(name ustr.Ustr) string {
	return string(append(ustr.Ustr{}, name...))
}

// Lookup resolves name under this directory: a cache hit returns the
// existing child; a miss calls the inode's file_ops.lookup (spec.md
// §4.9's on-miss path) and caches the result.
func (d *Dentry) Lookup(name ustr.Ustr) (*Dentry, defs.Err_t) {
	if d.Inode.Type != TypeDir {
		return nil, defs.ENOTDIR
	}
	if c, ok := d.childCached(name); ok {
		return c, 0
	}
	if d.Inode.Ops.Lookup == nil {
		return nil, defs.ENOENT
	}
	childIno, err := d.Inode.Ops.Lookup(d.Inode, name)
	if err != 0 {
		return nil, err
	}
	child := NewDentry(name, d, childIno)
	d.Attach(child)
	return child, 0
}

// Path reconstructs this dentry's absolute path by walking parents.
func (d *Dentry) Path() string {
	if d.Parent == nil {
		return "/"
	}
	var segs []string
	for cur := d; cur.Parent != nil; cur = cur.Parent {
		segs = append([]string{cur.Name.String()}, segs...)
	}
	out := ""
	for _, s := range segs {
		out += "/" + s
	}
	return out
}
