package procexec

import (
	"fmt"

	"github.com/mos-kernel/mos/mem"
	"github.com/mos-kernel/mos/vfs"
	"github.com/mos-kernel/mos/vm"
)

func alignDown(v uintptr) uintptr { return v &^ uintptr(mem.PGOFFSET) }

func pageAlignUp(v uintptr) uintptr {
	return (v + uintptr(mem.PGOFFSET)) &^ uintptr(mem.PGOFFSET)
}

// mapSegment maps one PT_LOAD program header at bias+ph.Vaddr,
// per elf_map_segment: offset and vaddr must agree modulo page size,
// the whole [vaddr, vaddr+MemSize) extent is mapped file-backed
// (including any part beyond FileSize — pagecache.Inode's Getpage
// zero-fills past end of file, so the BSS tail reads zero without a
// separate anonymous mapping).
func mapSegment(as *vm.AddressSpace, ino *vfs.Inode, bias uintptr, ph ProgramHeader) error {
	if ph.Offset%uint64(mem.PGSIZE) != ph.Vaddr%uint64(mem.PGSIZE) {
		return fmt.Errorf("procexec: PT_LOAD offset %#x not congruent to vaddr %#x mod page size", ph.Offset, ph.Vaddr)
	}
	if ph.FileSize > ph.MemSize {
		return fmt.Errorf("procexec: PT_LOAD size_in_file %d exceeds size_in_mem %d", ph.FileSize, ph.MemSize)
	}

	vaddr := uintptr(ph.Vaddr)
	aligned := alignDown(vaddr)
	npages := int(pageAlignUp(vaddr+uintptr(ph.MemSize))-aligned) / mem.PGSIZE
	fileAlignedOffset := alignDown(uintptr(ph.Offset))

	flags := vm.MmapFlags{
		Exact:    true,
		Writable: ph.Flags&PF_W != 0,
		Shared:   false,
	}
	mapStart := bias + aligned
	got, err := as.MmapFile(mapStart, npages, flags, ino.Pages(), int64(fileAlignedOffset)/int64(mem.PGSIZE))
	if err != nil {
		return fmt.Errorf("procexec: mapping segment at %#x: %w", mapStart, err)
	}
	if got != mapStart {
		return fmt.Errorf("procexec: segment asked for exact address %#x, got %#x", mapStart, got)
	}
	return nil
}

// mapLoadSegments maps every PT_LOAD header of phdrs at the given bias.
func mapLoadSegments(as *vm.AddressSpace, ino *vfs.Inode, bias uintptr, phdrs []ProgramHeader) error {
	for _, ph := range phdrs {
		if ph.Type != PT_LOAD {
			continue
		}
		if err := mapSegment(as, ino, bias, ph); err != nil {
			return err
		}
	}
	return nil
}
