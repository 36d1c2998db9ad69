// Package mem implements the Physical Frame Manager (C1): a
// buddy/reference-counted allocator over an array of per-frame
// descriptors, as specified by spec.md §4.1. It keeps the teacher's
// (biscuit's) shape — one Physpg_t-style descriptor per physical page,
// atomic refcounts, a free list threaded through the free frames
// themselves — but restructured as MaxOrder+1 per-order free lists so
// allocate(order) can hand back a contiguous run, which biscuit's
// single-page free list never needed to do.
//
// biscuit's Physmem_t backs its free list with the direct-mapped
// kernel virtual address range and raw pointer arithmetic
// (mem/dmap.go's Dmap, which requires biscuit's forked Go runtime to
// supply a real physical-to-virtual mapping). mos runs as ordinary Go,
// so each frame's bytes are a slice into one allocated arena instead
// — see Bytes.
package mem

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mos-kernel/mos/metrics"
	"github.com/mos-kernel/mos/util"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks the in-page offset of an address.
const PGOFFSET = PGSIZE - 1

// MaxOrder bounds the buddy allocator: order 0 is one page, order
// MaxOrder is 2^MaxOrder contiguous pages.
const MaxOrder = 10

// PFN is a physical frame number (a physical address divided by the
// page size), per the glossary.
type PFN uint64

// FrameState is a frame descriptor's lifecycle state (spec.md §3).
type FrameState int32

const (
	Free FrameState = iota
	Allocated
	Reserved
)

// Frame is the per-physical-page descriptor (phyframe in spec.md §3).
// It never moves once allocated at boot and only transitions between
// Free and Allocated (Reserved is permanent, set once at boot).
type Frame struct {
	state    atomic.Int32
	refcount atomic.Int32
	order    atomic.Int32 // valid while Free (buddy block order) or Allocated (run order)
	owner    atomic.Pointer[any] // weak back-pointer to an owning page-cache entry
	next     int64                // free-list link, -1 if not on a free list
}

func (f *Frame) State() FrameState   { return FrameState(f.state.Load()) }
func (f *Frame) Refcount() int32     { return f.refcount.Load() }
func (f *Frame) Order() int          { return int(f.order.Load()) }
func (f *Frame) Owner() any {
	p := f.owner.Load()
	if p == nil {
		return nil
	}
	return *p
}
func (f *Frame) SetOwner(v any) { f.owner.Store(&v) }

type reservedRegion struct{ start, n PFN }

// Allocator is the Physical Frame Manager: C1.
type Allocator struct {
	frames []Frame
	arena  []byte // len(frames)*PGSIZE bytes backing every frame's contents

	orderMu   [MaxOrder + 1]sync.Mutex
	freeHead  [MaxOrder + 1]int64 // index of first free block at this order, -1 if empty
	freeCount [MaxOrder + 1]int64

	mu        sync.Mutex
	reserved  []reservedRegion
}

// NewAllocator creates an Allocator over npages frames, all initially
// Reserved; callers add available runs with AddAvailable, mirroring
// spec.md §6's boot sequence ("Reserved regions and gaps are inserted
// first, then Available runs are inserted...").
func NewAllocator(npages int) *Allocator {
	a := &Allocator{
		frames: make([]Frame, npages),
		arena:  make([]byte, npages*PGSIZE),
	}
	for i := range a.frames {
		a.frames[i].state.Store(int32(Reserved))
		a.frames[i].next = -1
	}
	for o := range a.freeHead {
		a.freeHead[o] = -1
	}
	return a
}

func (a *Allocator) NPages() int { return len(a.frames) }

// ReserveRegion marks [pfnStart, pfnStart+n) Reserved. It fails if any
// covered frame is already Allocated (spec.md §4.1 edge case).
func (a *Allocator) ReserveRegion(pfnStart PFN, n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < n; i++ {
		idx := int64(pfnStart) + int64(i)
		if idx < 0 || idx >= int64(len(a.frames)) {
			return fmt.Errorf("mem: reserve out of range pfn %d", idx)
		}
		if a.frames[idx].State() == Allocated {
			return fmt.Errorf("mem: reserve of allocated frame %d", idx)
		}
		a.frames[idx].state.Store(int32(Reserved))
	}
	a.reserved = append(a.reserved, reservedRegion{pfnStart, PFN(n)})
	return nil
}

// FindReservedRegion returns the start/length of the reserved region
// covering pfn, if any.
func (a *Allocator) FindReservedRegion(pfn PFN) (start PFN, n int, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.reserved {
		if pfn >= r.start && pfn < r.start+r.n {
			return r.start, int(r.n), true
		}
	}
	return 0, 0, false
}

// AddAvailable marks [pfnStart, pfnStart+n) Free and inserts the run
// into the per-order free lists at the largest order each aligned
// sub-run supports, merging upward — spec.md §6's memory-map walk.
func (a *Allocator) AddAvailable(pfnStart PFN, n int) {
	p := int64(pfnStart)
	remain := int64(n)
	for remain > 0 {
		order := 0
		for order < MaxOrder {
			next := order + 1
			sz := int64(1) << uint(next)
			if p%sz != 0 || sz > remain {
				break
			}
			order = next
		}
		blockLen := int64(1) << uint(order)
		for i := int64(0); i < blockLen; i++ {
			a.frames[p+i].state.Store(int32(Free))
		}
		a.pushFree(order, PFN(p))
		p += blockLen
		remain -= blockLen
	}
}

func (a *Allocator) pushFree(order int, pfn PFN) {
	a.frames[pfn].order.Store(int32(order))
	a.orderMu[order].Lock()
	a.frames[pfn].next = a.freeHead[order]
	a.freeHead[order] = int64(pfn)
	a.freeCount[order]++
	a.orderMu[order].Unlock()
	metrics.FramesFree.WithLabelValues(fmt.Sprint(order)).Add(float64(blockPages(order)))
}

// popFreeAt removes a specific pfn from its order's free list; used
// only during buddy-coalescing, where the buddy's presence on the
// free list is already known. Returns false if it is not the head and
// not found (shouldn't happen for a well-formed buddy system, but
// callers must not assume it panics).
func (a *Allocator) popFreeAt(order int, pfn PFN) bool {
	a.orderMu[order].Lock()
	defer a.orderMu[order].Unlock()
	if a.frames[pfn].State() != Free || int(a.frames[pfn].order.Load()) != order {
		return false
	}
	cur := a.freeHead[order]
	if cur == int64(pfn) {
		a.freeHead[order] = a.frames[pfn].next
		a.frames[pfn].next = -1
		a.freeCount[order]--
		return true
	}
	for cur != -1 {
		nx := a.frames[cur].next
		if nx == int64(pfn) {
			a.frames[cur].next = a.frames[pfn].next
			a.frames[pfn].next = -1
			a.freeCount[order]--
			return true
		}
		cur = nx
	}
	return false
}

func (a *Allocator) popFreeHead(order int) (PFN, bool) {
	a.orderMu[order].Lock()
	defer a.orderMu[order].Unlock()
	h := a.freeHead[order]
	if h == -1 {
		return 0, false
	}
	a.freeHead[order] = a.frames[h].next
	a.frames[h].next = -1
	a.freeCount[order]--
	return PFN(h), true
}

func blockPages(order int) int64 { return int64(1) << uint(order) }

// Allocate returns 2^order contiguous frames with refcount 1, or
// ErrOOM. It never hands out a frame overlapping a reserved region,
// because reserved frames are never inserted into a free list.
var ErrOOM = fmt.Errorf("mem: out of memory")

func (a *Allocator) Allocate(order int) (PFN, error) {
	if order < 0 || order > MaxOrder {
		return 0, fmt.Errorf("mem: bad order %d", order)
	}
	// find the smallest order >= requested with a free block, splitting
	// down as we descend (this is the textbook buddy-allocate).
	for o := order; o <= MaxOrder; o++ {
		pfn, ok := a.popFreeHead(o)
		if !ok {
			continue
		}
		for o > order {
			o--
			buddy := pfn + PFN(blockPages(o))
			a.pushFree(o, buddy)
		}
		for i := int64(0); i < blockPages(order); i++ {
			a.frames[int64(pfn)+i].state.Store(int32(Allocated))
		}
		a.frames[pfn].refcount.Store(1)
		a.frames[pfn].order.Store(int32(order))
		metrics.FramesAllocated.WithLabelValues(fmt.Sprint(order)).Inc()
		metrics.FramesFree.WithLabelValues(fmt.Sprint(order)).Add(-float64(blockPages(order)))
		return pfn, nil
	}
	return 0, ErrOOM
}

// Ref increments a frame's reference count. The frame must currently
// be Allocated.
func (a *Allocator) Ref(pfn PFN) {
	f := &a.frames[pfn]
	if f.State() != Allocated {
		panic("mem: ref of non-allocated frame")
	}
	if f.refcount.Add(1) <= 1 {
		panic("mem: ref overflow")
	}
}

// Unref decrements a frame's reference count by one, freeing (and
// buddy-coalescing) it when the count reaches zero. Decrementing an
// already-zero refcount is a kernel bug and panics, per spec.md §4.1.
func (a *Allocator) Unref(pfn PFN) {
	f := &a.frames[pfn]
	c := f.refcount.Add(-1)
	if c < 0 {
		panic("mem: refcount underflow (double free)")
	}
	if c != 0 {
		return
	}
	order := f.Order()
	f.state.Store(int32(Free))
	f.SetOwner(nil)
	a.coalesce(order, pfn)
}

func (a *Allocator) coalesce(order int, pfn PFN) {
	for order < MaxOrder {
		buddy := pfn ^ PFN(blockPages(order))
		if int64(buddy) >= int64(len(a.frames)) {
			break
		}
		if a.frames[buddy].State() != Free || int(a.frames[buddy].order.Load()) != order {
			break
		}
		if !a.popFreeAt(order, buddy) {
			break
		}
		if buddy < pfn {
			pfn = buddy
		}
		order++
	}
	a.pushFree(order, pfn)
}

// RefCount reports the current reference count of a frame (for tests
// and invariant checks; spec.md §8 properties 1-2).
func (a *Allocator) RefCount(pfn PFN) int32 { return a.frames[pfn].Refcount() }

// StateOf reports a frame's current state.
func (a *Allocator) StateOf(pfn PFN) FrameState { return a.frames[pfn].State() }

// FrameDescriptor exposes the descriptor for callers (vm, pagecache)
// that need to attach a weak page-cache back-pointer.
func (a *Allocator) FrameDescriptor(pfn PFN) *Frame { return &a.frames[pfn] }

// Bytes returns the PGSIZE-byte slice backing pfn's contents. This
// stands in for biscuit's Dmap direct-map: rather than a
// physical-to-virtual mapping trick that needs a patched runtime, the
// arena is just ordinary Go memory indexed by frame number.
func (a *Allocator) Bytes(pfn PFN) []byte {
	off := int64(pfn) * int64(PGSIZE)
	return a.arena[off : off+int64(PGSIZE)]
}

// Zero clears a frame's contents (used for anonymous demand-zero faults).
func (a *Allocator) Zero(pfn PFN) {
	b := a.Bytes(pfn)
	for i := range b {
		b[i] = 0
	}
}

// Stat reports, per order, the number of free blocks — the same
// breakdown biscuit's Pgcount() and the original's mmstat.cpp expose,
// now surfaced as Prometheus gauges (metrics package) instead of a
// text dump.
func (a *Allocator) Stat() map[int]int64 {
	out := make(map[int]int64, MaxOrder+1)
	for o := 0; o <= MaxOrder; o++ {
		a.orderMu[o].Lock()
		out[o] = a.freeCount[o]
		a.orderMu[o].Unlock()
	}
	return out
}

// freeRunList is a debug helper, exercised only by tests, that walks a
// free list with container/list to make sure no cycle sneaks in —
// grounded the same way biscuit/src/fs/blk.go threads its cached
// blocks through a container/list.List.
func (a *Allocator) freeRunList(order int) *list.List {
	l := list.New()
	a.orderMu[order].Lock()
	defer a.orderMu[order].Unlock()
	seen := map[int64]bool{}
	for cur := a.freeHead[order]; cur != -1; cur = a.frames[cur].next {
		if seen[cur] {
			panic("mem: cycle in free list")
		}
		seen[cur] = true
		l.PushBack(cur)
	}
	return l
}

// PageRound rounds n up to a whole number of pages.
func PageRound(n int) int { return util.Roundup(n, PGSIZE) }
