// Package boot decodes the two binary formats a booting kernel has to
// make sense of before any other subsystem can run: the bootloader's
// multiboot info structure (memory map, command line, module list) and
// the firmware's ACPI tables (RSDP/RSDT/FADT/MADT/HPET). Both are
// fixed, externally-defined byte layouts rather than Go types, so
// every decode here goes through encoding/binary field by field —
// there is no library anywhere in the retrieved pack that parses
// either format, and reinterpreting a []byte as a Go struct via
// unsafe would tie the decode to this process's native alignment
// instead of the wire layout the spec actually calls for.
//
// Grounded on original_source/arch/x86/include/mos/x86/boot/multiboot.h
// (struct multiboot_info, multiboot_mmap_entry_t) and
// original_source/arch/x86/include/mos/x86/acpi/acpi_types.h
// (acpi_rsdp_v1_t, acpi_sdt_header_t, acpi_fadt_t, acpi_madt_t and its
// entry types, acpi_hpet_t); original_source/arch/x86/acpi/acpi.c and
// madt.c for find_acpi_rsdp's scan-and-checksum procedure and the MADT
// entry-type dispatch.
package boot

import (
	"encoding/binary"
	"fmt"
)

// BootloaderMagic is the value the bootloader leaves behind to prove
// it actually handed off a multiboot info structure, per multiboot.h's
// MULTIBOOT_BOOTLOADER_MAGIC.
const BootloaderMagic uint32 = 0x2BADB002

// MemType is a memory-map entry's region classification, per
// multiboot.h's multiboot_memory_type_t and spec.md §6.
type MemType uint32

const (
	MemAvailable       MemType = 1
	MemReserved        MemType = 2
	MemACPIReclaimable MemType = 3
	MemNVS             MemType = 4
	MemBadRAM          MemType = 5
)

func (t MemType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemACPIReclaimable:
		return "acpi-reclaimable"
	case MemNVS:
		return "nvs"
	case MemBadRAM:
		return "bad-ram"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// MmapEntry is one decoded multiboot_mmap_entry_t.
type MmapEntry struct {
	PhysAddr uint64
	Len      uint64
	Type     MemType
}

// Module is one decoded multiboot_mod_list (a bootloader-supplied
// initrd or extra payload).
type Module struct {
	Start, End uint64
	Cmdline    string
}

// Info is the decoded subset of multiboot_info_t this kernel actually
// consumes: the command line, the memory map, and the module list.
// Video/framebuffer/drive fields have no consumer anywhere in this
// repository and are left undecoded.
type Info struct {
	Cmdline string
	Mmap    []MmapEntry
	Mods    []Module
}

// flag bits within multiboot_info_t.flags, per multiboot.h.
const (
	flagMemory  = 1 << 0
	flagCmdline = 1 << 2
	flagMods    = 1 << 3
	flagMmap    = 1 << 6
)

// ParseInfo decodes a multiboot_info_t starting at the front of raw,
// using the three side tables the caller has already copied in:
// cmdline (the NUL-terminated string at info.cmdline), mmap (the
// bytes at [info.mmap_addr, info.mmap_addr+info.mmap_length)), and
// mods (the info.mods_count-element array at info.mods_addr, each
// entry's own cmdline already resolved to a string). A hosted
// implementation has no physical address space to dereference those
// pointers into; real boot glue is expected to do that copy before
// calling in, which is also why this function takes the resolved
// strings rather than addresses.
func ParseInfo(raw []byte, cmdline string, mmap []byte, mods []Module) (*Info, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("boot: multiboot info truncated: %d bytes", len(raw))
	}
	flags := binary.LittleEndian.Uint32(raw[0:4])

	info := &Info{}
	if flags&flagCmdline != 0 {
		info.Cmdline = cmdline
	}
	if flags&flagMods != 0 {
		info.Mods = mods
	}
	if flags&flagMmap != 0 {
		entries, err := ParseMemoryMap(mmap)
		if err != nil {
			return nil, err
		}
		info.Mmap = entries
	}
	return info, nil
}

// mmapEntryHeader is the only fixed-offset part of
// multiboot_mmap_entry_t: a u32 size field giving the length, in
// bytes, of everything following it (so entries can vary in length
// across bootloaders without the kernel needing to know why).
const mmapEntryHeaderSize = 4

// ParseMemoryMap walks a multiboot_mmap_entry_t array, as found at
// multiboot_info_t.mmap_addr for mmap_length bytes. Each entry is
// {size u32}{phys_addr u64}{len u64}{type u32}, where the size field
// covers only the phys_addr/len/type trio (20 bytes) and not itself —
// so the stride from one entry to the next is size+4, not sizeof the
// struct, exactly as multiboot.h's layout implies.
func ParseMemoryMap(mmap []byte) ([]MmapEntry, error) {
	var entries []MmapEntry
	off := 0
	for off+mmapEntryHeaderSize <= len(mmap) {
		size := binary.LittleEndian.Uint32(mmap[off:])
		body := off + mmapEntryHeaderSize
		if size < 20 || body+int(size) > len(mmap) {
			return nil, fmt.Errorf("boot: mmap entry at offset %d has invalid size %d", off, size)
		}
		entries = append(entries, MmapEntry{
			PhysAddr: binary.LittleEndian.Uint64(mmap[body:]),
			Len:      binary.LittleEndian.Uint64(mmap[body+8:]),
			Type:     MemType(binary.LittleEndian.Uint32(mmap[body+16:])),
		})
		off = body + int(size)
	}
	return entries, nil
}
