package vm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mos-kernel/mos/defs"
	"github.com/mos-kernel/mos/mem"
)

// PageSource lets a vmap populate a file-backed page without vm
// importing vfs/pagecache; pagecache.Inode (what vfs.Inode.Pages
// returns) implements it on top of the inode's file_ops.getpage.
type PageSource interface {
	GetPage(pgoff int64) (mem.PFN, error)
	WritePage(pgoff int64, pfn mem.PFN) error
}

// VmapKind selects a vmap's fault handler, per spec.md §4.4.
type VmapKind int

const (
	KindAnonymous VmapKind = iota
	KindFile
)

// Vmap is one mapped, non-overlapping range of an address space.
type Vmap struct {
	Start, End uintptr // [Start, End), page-aligned
	Writable   bool
	Shared     bool
	Kind       VmapKind
	Source     PageSource // set when Kind == KindFile
	FileOffset int64      // page offset into Source at Start
}

func (v *Vmap) Pages() int { return int(v.End-v.Start) / mem.PGSIZE }

func (v *Vmap) contains(vaddr uintptr) bool { return vaddr >= v.Start && vaddr < v.End }

// defaultBase is where first-fit mmap search begins absent a hint,
// standing in for biscuit's USERMIN.
const defaultBase uintptr = 0x1000_0000

// AddressSpace is C4's MMContext: a page table plus an ordered,
// non-overlapping list of vmaps, guarded by one lock the way biscuit's
// Vm_t.Lock_pmap guards Vmregion+Pmap+P_pmap together.
type AddressSpace struct {
	mu     sync.Mutex
	frames *mem.Allocator
	pt     *PageTable
	vmaps  []*Vmap // sorted by Start
}

// NewAddressSpace creates an empty address space backed by frames.
func NewAddressSpace(frames *mem.Allocator) (*AddressSpace, error) {
	pt, err := NewPageTable(frames)
	if err != nil {
		return nil, err
	}
	return &AddressSpace{frames: frames, pt: pt}, nil
}

// PageTable exposes the underlying table (for the syscall layer's
// get_phys_addr / TLB IPI wiring).
func (as *AddressSpace) PageTable() *PageTable { return as.pt }

// findFree locates a first-fit gap of n pages at or above hint (or
// anywhere above defaultBase if hint is zero). Caller holds as.mu.
func (as *AddressSpace) findFree(hint uintptr, n int, exact bool) (uintptr, error) {
	need := uintptr(n) * uintptr(mem.PGSIZE)
	if hint == 0 {
		hint = defaultBase
	}
	if exact {
		for _, v := range as.vmaps {
			if hint < v.End && hint+need > v.Start {
				return 0, fmt.Errorf("vm: exact mapping at %x overlaps existing vmap", hint)
			}
		}
		return hint, nil
	}
	cand := hint
	for _, v := range as.vmaps {
		if cand+need <= v.Start {
			return cand, nil
		}
		if v.End > cand {
			cand = v.End
		}
	}
	return cand, nil
}

func (as *AddressSpace) insertVmap(v *Vmap) {
	i := sort.Search(len(as.vmaps), func(i int) bool { return as.vmaps[i].Start >= v.Start })
	as.vmaps = append(as.vmaps, nil)
	copy(as.vmaps[i+1:], as.vmaps[i:])
	as.vmaps[i] = v
}

func (as *AddressSpace) lookup(vaddr uintptr) *Vmap {
	for _, v := range as.vmaps {
		if v.contains(vaddr) {
			return v
		}
	}
	return nil
}

// MmapFlags mirrors the MMAP_EXACT hint-is-mandatory bit from
// spec.md §4.4.
type MmapFlags struct {
	Exact    bool
	Writable bool
	Shared   bool
}

// MmapAnonymous reserves n pages of demand-zero memory.
func (as *AddressSpace) MmapAnonymous(hint uintptr, n int, flags MmapFlags) (uintptr, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	start, err := as.findFree(hint, n, flags.Exact)
	if err != nil {
		return 0, err
	}
	as.insertVmap(&Vmap{
		Start: start, End: start + uintptr(n*mem.PGSIZE),
		Writable: flags.Writable, Shared: flags.Shared, Kind: KindAnonymous,
	})
	return start, nil
}

// MmapFile reserves n pages backed by src starting at file page offset.
func (as *AddressSpace) MmapFile(hint uintptr, n int, flags MmapFlags, src PageSource, offset int64) (uintptr, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	start, err := as.findFree(hint, n, flags.Exact)
	if err != nil {
		return 0, err
	}
	as.insertVmap(&Vmap{
		Start: start, End: start + uintptr(n*mem.PGSIZE),
		Writable: flags.Writable, Shared: flags.Shared,
		Kind: KindFile, Source: src, FileOffset: offset,
	})
	return start, nil
}

// Munmap drops [addr, addr+n*PGSIZE), splitting any vmap that only
// partially overlaps it and unmapping covered PTEs.
func (as *AddressSpace) Munmap(addr uintptr, n int) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	end := addr + uintptr(n*mem.PGSIZE)
	var kept []*Vmap
	for _, v := range as.vmaps {
		switch {
		case v.End <= addr || v.Start >= end:
			kept = append(kept, v)
		case v.Start >= addr && v.End <= end:
			// fully covered: drop.
		case v.Start < addr && v.End > end:
			// split into two.
			left := &Vmap{Start: v.Start, End: addr, Writable: v.Writable, Shared: v.Shared, Kind: v.Kind, Source: v.Source, FileOffset: v.FileOffset}
			right := &Vmap{Start: end, End: v.End, Writable: v.Writable, Shared: v.Shared, Kind: v.Kind, Source: v.Source,
				FileOffset: v.FileOffset + int64(end-v.Start)/int64(mem.PGSIZE)}
			kept = append(kept, left, right)
		case v.Start < addr:
			kept = append(kept, &Vmap{Start: v.Start, End: addr, Writable: v.Writable, Shared: v.Shared, Kind: v.Kind, Source: v.Source, FileOffset: v.FileOffset})
		default: // v.Start >= addr, v.End > end
			kept = append(kept, &Vmap{Start: end, End: v.End, Writable: v.Writable, Shared: v.Shared, Kind: v.Kind, Source: v.Source,
				FileOffset: v.FileOffset + int64(end-v.Start)/int64(mem.PGSIZE)})
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	as.vmaps = kept
	as.pt.UnmapPages(addr, n)
	return nil
}

// Dontneed is the SPEC_FULL.md C4 supplement: drop clean file-backed
// pages in [addr, addr+n*PGSIZE) from this address space's page table
// without removing the vmap itself, so a later fault simply
// re-populates from the page cache. Dirty (writable, non-shared COW)
// pages are left mapped, since discarding them would lose data no
// backing store holds.
func (as *AddressSpace) Dontneed(addr uintptr, n int) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	end := addr + uintptr(n*mem.PGSIZE)
	for va := addr; va < end; va += uintptr(mem.PGSIZE) {
		v := as.lookup(va)
		if v == nil || v.Kind != KindFile {
			continue
		}
		if e := as.pt.lookup(va); e != nil && e.flags&PTE_WASCOW != 0 {
			continue
		}
		as.pt.UnmapPages(va, 1)
	}
	return nil
}

// HandleFault is the C4 fault dispatcher: spec.md §4.4 step 1-4.
func (as *AddressSpace) HandleFault(vaddr uintptr, isWrite, isExec, isUser bool) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()

	page := vaddr &^ uintptr(mem.PGOFFSET)
	v := as.lookup(page)
	if v == nil {
		return defs.EFAULT
	}
	if isWrite && !v.Writable {
		return defs.EFAULT
	}

	existing := as.pt.lookup(page)
	switch {
	case existing == nil:
		return as.faultPopulate(page, v)
	case isWrite && existing.flags&PTE_COW != 0:
		return as.faultCOW(page, existing)
	default:
		// already present and permitted: spurious fault, nothing to do.
		return 0
	}
}

func (as *AddressSpace) faultPopulate(page uintptr, v *Vmap) defs.Err_t {
	switch v.Kind {
	case KindAnonymous:
		pfn, err := as.frames.Allocate(0)
		if err != nil {
			return defs.ENOMEM
		}
		as.frames.Zero(pfn)
		flags := PTE_U
		if v.Writable {
			flags |= PTE_W
		}
		if err := as.pt.MapPages(page, pfn, 1, flags); err != nil {
			return defs.EFAULT
		}
		as.frames.Unref(pfn) // MapPages took its own ref
		return 0
	case KindFile:
		pgoff := v.FileOffset + int64(page-v.Start)/int64(mem.PGSIZE)
		pfn, err := v.Source.GetPage(pgoff)
		if err != nil {
			return defs.EIO
		}
		flags := PTE_U
		if v.Writable && v.Shared {
			flags |= PTE_W
		}
		if err := as.pt.MapPages(page, pfn, 1, flags); err != nil {
			return defs.EFAULT
		}
		return 0
	}
	return defs.EFAULT
}

// faultCOW implements the copy-on-write path, including the
// "optimistic COW" upgrade: if the frame's refcount is already 1 after
// this fault would drop it, the PTE is upgraded in place rather than
// copied, per spec.md §4.4.
func (as *AddressSpace) faultCOW(page uintptr, e *pte) defs.Err_t {
	oldPFN := e.pfn
	if as.frames.RefCount(oldPFN) == 1 {
		as.pt.SetPTEFlags(page, (e.flags&^PTE_COW)|PTE_W|PTE_WASCOW)
		return 0
	}
	newPFN, err := as.frames.Allocate(0)
	if err != nil {
		return defs.ENOMEM
	}
	copy(as.frames.Bytes(newPFN), as.frames.Bytes(oldPFN))
	as.pt.UnmapPages(page, 1)
	if err := as.pt.MapPages(page, newPFN, 1, (e.flags&^PTE_COW)|PTE_W|PTE_WASCOW); err != nil {
		return defs.EFAULT
	}
	as.frames.Unref(newPFN)
	return 0
}

// Fork duplicates this address space for a child process: private
// writable vmaps become read-only/COW in both parent and child and
// share frames; shared vmaps install equal PTEs in both, matching
// spec.md §4.4's fork discipline.
func (as *AddressSpace) Fork() (*AddressSpace, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	child, err := NewAddressSpace(as.frames)
	if err != nil {
		return nil, err
	}
	for _, v := range as.vmaps {
		cv := &Vmap{Start: v.Start, End: v.End, Writable: v.Writable, Shared: v.Shared,
			Kind: v.Kind, Source: v.Source, FileOffset: v.FileOffset}
		child.vmaps = append(child.vmaps, cv)

		for _, run := range as.pt.IterRange(v.Start, v.End) {
			if !run.Present {
				continue
			}
			for i := 0; i < run.Length; i++ {
				va := run.Vaddr + uintptr(i*mem.PGSIZE)
				pfn := run.Pfn + mem.PFN(i)
				flags := run.Flags
				if v.Writable && !v.Shared {
					flags = (flags &^ PTE_W) | PTE_COW
					as.pt.SetPTEFlags(va, flags)
				}
				if err := child.pt.MapPages(va, pfn, 1, flags); err != nil {
					return nil, err
				}
			}
		}
	}
	return child, nil
}
