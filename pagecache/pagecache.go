// Package pagecache implements the Page Cache (C5): a per-inode map
// from page offset to an owned frame, populated lazily via the
// filesystem's getpage and written back via writepage, per spec.md
// §4.5.
//
// Grounded on biscuit/src/fs/blk.go's Bdev_block_t/BlkList_t buffer
// cache: a cached unit of disk content (Block/Pa/Data/Ref) that is
// allocated on miss (New_page), written back (Write/Write_async), and
// evicted (Tryevict/EvictDone) by releasing its backing memory. The
// page cache here plays the same role one level up the stack — frames
// instead of disk blocks, inode+pgoff instead of a block number — so
// the shape (per-key cached entry, owned backing memory, explicit
// flush/drop) carries over even though blk.go's disk I/O plumbing
// (Disk_i, Bdev_req_t, the BDEV_* command enum) does not apply here.
package pagecache

import (
	"fmt"
	"sync"

	"github.com/mos-kernel/mos/mem"
	"github.com/mos-kernel/mos/metrics"
)

// Backing is implemented by a filesystem's inode to populate and
// flush pages; Getpage must fill frames.Bytes(pfn) with the page's
// contents at pgoff and return a freshly-allocated, already-referenced
// frame (mirroring Bdev_block_t.New_page's allocate-then-fill order).
type Backing interface {
	Getpage(pgoff int64, frames *mem.Allocator) (mem.PFN, error)
	Writepage(pgoff int64, pfn mem.PFN) error
}

type entry struct {
	pfn   mem.PFN
	dirty bool
}

// Inode is one inode's cached-page set. It implements vm.PageSource
// (GetPage/WritePage) so an address space can mmap straight from it
// without pagecache importing vm.
type Inode struct {
	mu      sync.Mutex
	frames  *mem.Allocator
	backing Backing
	pages   map[int64]*entry
	key     string // for metrics/debugging only
}

// Cache is the kernel-wide page cache: one Inode view per backed file.
type Cache struct {
	mu     sync.Mutex
	frames *mem.Allocator
	inodes map[string]*Inode
}

// NewCache creates an empty page cache drawing frames from frames.
func NewCache(frames *mem.Allocator) *Cache {
	return &Cache{frames: frames, inodes: make(map[string]*Inode)}
}

// ForInode returns the cached-page view for key, creating it (bound to
// backing) on first reference.
func (c *Cache) ForInode(key string, backing Backing) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ino, ok := c.inodes[key]; ok {
		return ino
	}
	ino := &Inode{frames: c.frames, backing: backing, pages: make(map[int64]*entry), key: key}
	c.inodes[key] = ino
	return ino
}

// Drop removes an inode's entry from the cache's index entirely
// (called once an inode has no more pages and is itself dropped).
func (c *Cache) Drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inodes, key)
}

// GetPage returns the frame holding pgoff's contents, populating it
// via Backing.Getpage on first reference. Implements vm.PageSource.
func (ino *Inode) GetPage(pgoff int64) (mem.PFN, error) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if e, ok := ino.pages[pgoff]; ok {
		metrics.PageCacheHits.Inc()
		return e.pfn, nil
	}
	metrics.PageCacheMisses.Inc()
	pfn, err := ino.backing.Getpage(pgoff, ino.frames)
	if err != nil {
		return 0, err
	}
	ino.pages[pgoff] = &entry{pfn: pfn}
	return pfn, nil
}

// WritePage marks pgoff dirty (the frame has been written to via a
// shared mapping) and implements vm.PageSource.
func (ino *Inode) WritePage(pgoff int64, pfn mem.PFN) error {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	e, ok := ino.pages[pgoff]
	if !ok || e.pfn != pfn {
		return fmt.Errorf("pagecache: writepage of untracked page %d", pgoff)
	}
	e.dirty = true
	return nil
}

// MarkDirty is called directly by a writing syscall path (pwrite-style)
// once it has copied data into a cached page.
func (ino *Inode) MarkDirty(pgoff int64) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if e, ok := ino.pages[pgoff]; ok {
		e.dirty = true
	}
}

// FlushAll writes back every dirty page via Backing.Writepage, then
// clears the dirty bit, per spec.md §4.5.
func (ino *Inode) FlushAll() error {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	for pgoff, e := range ino.pages {
		if !e.dirty {
			continue
		}
		if err := ino.backing.Writepage(pgoff, e.pfn); err != nil {
			return err
		}
		e.dirty = false
	}
	return nil
}

// DropAll flushes dirty pages, then releases every cached frame's
// page-cache reference, per spec.md §4.5. Eviction beyond an explicit
// inode drop (global LRU) is an explicit non-goal; DropAll is the only
// eviction path this core implements.
func (ino *Inode) DropAll() error {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	for pgoff, e := range ino.pages {
		if e.dirty {
			if err := ino.backing.Writepage(pgoff, e.pfn); err != nil {
				return err
			}
		}
		ino.frames.Unref(e.pfn)
		delete(ino.pages, pgoff)
	}
	return nil
}

// Resident reports whether pgoff is currently cached, without
// populating it (used by mmstat-style introspection).
func (ino *Inode) Resident(pgoff int64) bool {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	_, ok := ino.pages[pgoff]
	return ok
}
