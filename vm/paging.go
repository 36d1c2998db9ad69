// Package vm implements the Paging Engine (C3) and Address-Space
// Manager (C4) from spec.md §4.3-§4.4.
//
// biscuit's vm/as.go (Vm_t, Userdmap8_inner, the page-fault dispatch in
// Sys_pgfault) is the grounding for the fault-handling shape here —
// lock the address space, look up the covering vmap, dispatch to its
// handler, install the PTE — and for the COW/"optimistic COW upgrade"
// rule at vm/as.go's fault path. biscuit's actual page table (mem.Pmap_t)
// is a direct array of uint64 PTEs living in a Dmap'd physical page,
// addressed through the forked runtime's physical-to-virtual trick;
// that representation cannot be ported (see mem/mem.go's doc comment),
// so the four-level table here is an ordinary Go tree of nodes, one
// node per table-page, each node's backing frame still drawn from
// mem.Allocator and referenced via Frame.Owner so table-page
// consumption still shows up in the frame accounting the way a real
// page table's intermediate pages would.
package vm

import (
	"fmt"
	"sync"

	"github.com/mos-kernel/mos/arch"
	"github.com/mos-kernel/mos/mem"
)

// PTEFlags mirrors the x86_64-shaped permission bits biscuit's vm
// package uses (PTE_P/PTE_W/PTE_U/PTE_COW/PTE_WASCOW/PTE_G), kept as a
// bitmask rather than individual bools so IterRange can report and
// compare them cheaply.
type PTEFlags uint32

const (
	PTE_P      PTEFlags = 1 << iota // present
	PTE_W                           // writable
	PTE_U                           // user-accessible
	PTE_COW                         // copy-on-write, installed read-only
	PTE_WASCOW                      // was COW, upgraded in place (optimistic COW)
	PTE_G                           // global (kernel mappings, not flushed on mm switch)
)

const levels = 4      // four-level table, per spec.md §4.3
const entsPerLevel = 512
const vaBitsPerLevel = 9

type pte struct {
	present bool
	flags   PTEFlags
	pfn     mem.PFN // leaf only
	child   *ptNode // intermediate only
}

// ptNode is one table page. Its own backing frame is tracked via
// frames.FrameDescriptor(nodePFN).SetOwner(node) purely for
// accounting/debugging; nothing dereferences Owner to reach the node.
type ptNode struct {
	entries [entsPerLevel]pte
	nodePFN mem.PFN
}

// PageTable is the per-address-space four-level table (C3).
type PageTable struct {
	frames *mem.Allocator
	mu     sync.RWMutex
	root   *ptNode
}

// NewPageTable allocates a fresh, empty page table.
func NewPageTable(frames *mem.Allocator) (*PageTable, error) {
	root, err := newNode(frames)
	if err != nil {
		return nil, err
	}
	return &PageTable{frames: frames, root: root}, nil
}

func newNode(frames *mem.Allocator) (*ptNode, error) {
	pfn, err := frames.Allocate(0)
	if err != nil {
		return nil, err
	}
	n := &ptNode{nodePFN: pfn}
	frames.FrameDescriptor(pfn).SetOwner(n)
	return n, nil
}

func idx(level int, vaddr uintptr) int {
	shift := uint(12 + vaBitsPerLevel*(levels-level))
	return int((vaddr >> shift) & (entsPerLevel - 1))
}

// walk descends the table for vaddr, creating intermediate nodes when
// create is true. It returns the leaf entry slot.
func (pt *PageTable) walk(vaddr uintptr, create bool) (*pte, error) {
	node := pt.root
	for lvl := 1; lvl < levels; lvl++ {
		i := idx(lvl, vaddr)
		e := &node.entries[i]
		if !e.present {
			if !create {
				return nil, nil
			}
			child, err := newNode(pt.frames)
			if err != nil {
				return nil, err
			}
			e.present = true
			e.child = child
		}
		node = e.child
	}
	return &node.entries[idx(levels, vaddr)], nil
}

// MapPages installs npages PTEs starting at vaddr mapping the
// contiguous physical run starting at pfn, allocating intermediate
// tables as needed and taking C3's own reference on each backing
// frame.
func (pt *PageTable) MapPages(vaddr uintptr, pfn mem.PFN, npages int, flags PTEFlags) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for i := 0; i < npages; i++ {
		va := vaddr + uintptr(i*mem.PGSIZE)
		e, err := pt.walk(va, true)
		if err != nil {
			return err
		}
		if e.present {
			return fmt.Errorf("vm: %x already mapped", va)
		}
		p := pfn + mem.PFN(i)
		pt.frames.Ref(p)
		e.present = true
		e.flags = flags | PTE_P
		e.pfn = p
	}
	return nil
}

// UnmapPages clears npages PTEs starting at vaddr, unrefs their
// backing frames, and invalidates the TLB for the range (locally and,
// via SetIPIBroadcaster, on every CPU).
func (pt *PageTable) UnmapPages(vaddr uintptr, npages int) {
	pt.mu.Lock()
	var unreffed []mem.PFN
	for i := 0; i < npages; i++ {
		va := vaddr + uintptr(i*mem.PGSIZE)
		e, _ := pt.walk(va, false)
		if e == nil || !e.present {
			continue
		}
		unreffed = append(unreffed, e.pfn)
		*e = pte{}
	}
	pt.mu.Unlock()
	for _, p := range unreffed {
		pt.frames.Unref(p)
	}
	for i := 0; i < npages; i++ {
		InvalidateTLB(vaddr + uintptr(i*mem.PGSIZE))
	}
}

// GetPhysAddr returns the frame mapped at vaddr, if present.
func (pt *PageTable) GetPhysAddr(vaddr uintptr) (mem.PFN, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	e, _ := pt.walk(vaddr, false)
	if e == nil || !e.present {
		return 0, false
	}
	return e.pfn, true
}

func (pt *PageTable) lookup(vaddr uintptr) *pte {
	e, _ := pt.walk(vaddr, false)
	if e == nil || !e.present {
		return nil
	}
	return e
}

// Run is one contiguous extent yielded by IterRange.
type Run struct {
	Vaddr   uintptr
	Pfn     mem.PFN
	Length  int // pages
	Flags   PTEFlags
	Present bool
}

// IterRange walks [vstart, vend) and yields maximal contiguous runs of
// identically-flagged, physically-contiguous present pages (or gaps).
// mmstat and fork/COW both drive vmap duplication off this.
func (pt *PageTable) IterRange(vstart, vend uintptr) []Run {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	var runs []Run
	for va := vstart; va < vend; va += uintptr(mem.PGSIZE) {
		e, _ := pt.walk(va, false)
		present := e != nil && e.present
		if n := len(runs); n > 0 {
			last := &runs[n-1]
			contiguous := present && last.Present &&
				last.Flags == e.flags &&
				last.Pfn+mem.PFN(last.Length) == e.pfn
			gapContinues := !present && !last.Present
			if contiguous || gapContinues {
				last.Length++
				continue
			}
		}
		r := Run{Vaddr: va, Length: 1, Present: present}
		if present {
			r.Pfn = e.pfn
			r.Flags = e.flags
		}
		runs = append(runs, r)
	}
	return runs
}

// SetPTEFlags mutates an existing present PTE's flags (used by the COW
// fault path to upgrade a page in place without copying).
func (pt *PageTable) SetPTEFlags(vaddr uintptr, flags PTEFlags) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, _ := pt.walk(vaddr, false)
	if e == nil || !e.present {
		return false
	}
	e.flags = flags | PTE_P
	return true
}

// IPIBroadcaster is implemented by the scheduler (C6) to fan out
// INVALIDATE_TLB IPIs to every CPU.
// vm has no sched import (sched depends on vm for fault handling, not
// the reverse), so the hook is set once at boot.
type IPIBroadcaster interface {
	BroadcastInvalidate(vaddr uintptr)
}

var broadcaster IPIBroadcaster

// SetIPIBroadcaster installs the scheduler's IPI fan-out, called once
// during boot wiring.
func SetIPIBroadcaster(b IPIBroadcaster) { broadcaster = b }

// InvalidateTLB invalidates vaddr locally and, if a broadcaster is
// registered, on every CPU.
func InvalidateTLB(vaddr uintptr) {
	arch.InvalidateTLB(vaddr)
	if broadcaster != nil {
		broadcaster.BroadcastInvalidate(vaddr)
	}
}
