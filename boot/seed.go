package boot

import (
	"sort"

	"github.com/mos-kernel/mos/console"
	"github.com/mos-kernel/mos/mem"
)

// NormalizeMemoryMap implements spec.md §6's memory-map handling:
// Available regions are aligned inward to page boundaries (so a
// partial page at either edge, which the allocator could not safely
// hand out anyway, is dropped rather than rounded into usable-looking
// space), Reserved/ACPI/NVS/BadRam regions are aligned outward (so a
// reservation never under-covers what it's protecting), entries are
// sorted by address, and any gap between adjacent entries is filled
// with a synthetic Reserved entry — firmware memory maps are not
// required to describe every byte of the address space, and an
// unlisted gap is exactly the kind of thing a buddy allocator must
// never hand out.
func NormalizeMemoryMap(entries []MmapEntry) []MmapEntry {
	const pageSize = uint64(mem.PGSIZE)

	aligned := make([]MmapEntry, 0, len(entries))
	for _, e := range entries {
		end := e.PhysAddr + e.Len
		var start, newEnd uint64
		if e.Type == MemAvailable {
			start = roundUp(e.PhysAddr, pageSize)
			newEnd = roundDown(end, pageSize)
		} else {
			start = roundDown(e.PhysAddr, pageSize)
			newEnd = roundUp(end, pageSize)
		}
		if newEnd <= start {
			continue // aligned away to nothing
		}
		aligned = append(aligned, MmapEntry{PhysAddr: start, Len: newEnd - start, Type: e.Type})
	}

	sort.Slice(aligned, func(i, j int) bool { return aligned[i].PhysAddr < aligned[j].PhysAddr })

	out := make([]MmapEntry, 0, len(aligned))
	var cursor uint64
	for _, e := range aligned {
		if e.PhysAddr > cursor {
			out = append(out, MmapEntry{PhysAddr: cursor, Len: e.PhysAddr - cursor, Type: MemReserved})
		}
		if e.PhysAddr < cursor {
			// Overlaps an already-emitted entry (two bootloader entries
			// describing the same range); keep the later, more specific one
			// and trim this one's already-covered prefix.
			overlap := cursor - e.PhysAddr
			if overlap >= e.Len {
				continue
			}
			e.PhysAddr += overlap
			e.Len -= overlap
		}
		out = append(out, e)
		cursor = e.PhysAddr + e.Len
	}
	return out
}

func roundUp(v, align uint64) uint64   { return (v + align - 1) / align * align }
func roundDown(v, align uint64) uint64 { return v / align * align }

// SeedAllocator walks a normalized memory map (the output of
// NormalizeMemoryMap) and reflects it into alloc: Available runs
// become free pages via AddAvailable, everything else is recorded
// with ReserveRegion so FindReservedRegion can later explain what
// lives where. alloc must already have at least as many frames as the
// highest address in entries requires; entries (or portions of
// entries) beyond alloc.NPages() are logged and dropped rather than
// causing an out-of-range panic, since a simulated frame table is
// usually sized well below real physical memory.
func SeedAllocator(alloc *mem.Allocator, entries []MmapEntry) {
	const pageSize = uint64(mem.PGSIZE)
	limit := mem.PFN(alloc.NPages())

	for _, e := range entries {
		startPFN := mem.PFN(e.PhysAddr / pageSize)
		n := int(e.Len / pageSize)
		if startPFN >= limit {
			console.Warnf("boot: memory map entry at 0x%x (%s) lies beyond the %d-frame allocator, dropping", e.PhysAddr, e.Type, alloc.NPages())
			continue
		}
		if startPFN+mem.PFN(n) > limit {
			n = int(limit - startPFN)
		}
		if n <= 0 {
			continue
		}
		if e.Type == MemAvailable {
			alloc.AddAvailable(startPFN, n)
		} else if err := alloc.ReserveRegion(startPFN, n); err != nil {
			console.Warnf("boot: reserving memory map entry at 0x%x: %v", e.PhysAddr, err)
		}
	}
}
