package boot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mos-kernel/mos/console"
)

// ErrXSDTUnsupported is returned by FindRSDP when the first RSDP with
// a valid checksum is a v2+ structure pointing at an XSDT. spec.md §6 is explicit that
// only the v1 RSDP/RSDT chain is supported here ("XSDT unsupported ⇒
// panic") — callers that want the panic behavior call
// console.Fatalf themselves on this error rather than this package
// calling os.Exit out from under them.
var ErrXSDTUnsupported = errors.New("boot: ACPI 2.0+ XSDT is unsupported, only v1 RSDP/RSDT")

const rsdpSignature = "RSD PTR "

// RSDP is the decoded ACPI 1.0 Root System Description Pointer
// (acpi_rsdp_v1_t): 20 bytes, found by signature scan rather than any
// fixed address.
type RSDP struct {
	OEMID    string
	Revision uint8
	RSDTAddr uint32
}

// FindRSDP scans region (the EBDA plus low-BIOS memory a real boot
// loader would hand in, 16-byte aligned per the ACPI spec) for the
// "RSD PTR " signature, validates the checksum, and returns the
// decoded v1 structure. A match whose revision byte is nonzero points
// at an XSDT-bearing v2+ RSDP, which is rejected with
// ErrXSDTUnsupported rather than silently read as if it were v1.
func FindRSDP(region []byte) (*RSDP, error) {
	for off := 0; off+20 <= len(region); off += 16 {
		if string(region[off:off+8]) != rsdpSignature {
			continue
		}
		var sum byte
		for _, b := range region[off : off+20] {
			sum += b
		}
		if sum != 0 {
			continue // signature matched by chance; checksum says no
		}
		revision := region[off+15]
		rsdtAddr := binary.LittleEndian.Uint32(region[off+16:])
		if revision != 0 {
			return nil, ErrXSDTUnsupported
		}
		return &RSDP{
			OEMID:    string(region[off+9 : off+15]),
			Revision: revision,
			RSDTAddr: rsdtAddr,
		}, nil
	}
	return nil, fmt.Errorf("boot: no ACPI RSDP signature found in %d-byte region", len(region))
}

// SDTHeader is every ACPI table's common 36-byte header
// (acpi_sdt_header_t).
type SDTHeader struct {
	Signature  string
	Length     uint32
	Revision   uint8
	OEMID      string
	OEMTableID string
}

const sdtHeaderSize = 36

func parseSDTHeader(raw []byte) (SDTHeader, error) {
	if len(raw) < sdtHeaderSize {
		return SDTHeader{}, fmt.Errorf("boot: ACPI table header truncated: %d bytes", len(raw))
	}
	h := SDTHeader{
		Signature:  string(raw[0:4]),
		Length:     binary.LittleEndian.Uint32(raw[4:8]),
		Revision:   raw[8],
		OEMID:      string(raw[10:16]),
		OEMTableID: string(raw[16:24]),
	}
	if int(h.Length) > len(raw) {
		return SDTHeader{}, fmt.Errorf("boot: ACPI table %q claims length %d but only %d bytes given", h.Signature, h.Length, len(raw))
	}
	var sum byte
	for _, b := range raw[:h.Length] {
		sum += b
	}
	if sum != 0 {
		return SDTHeader{}, fmt.Errorf("boot: ACPI table %q failed checksum", h.Signature)
	}
	return h, nil
}

// RSDT is the decoded Root System Description Table: its header plus
// the physical addresses of every other table it points at.
type RSDT struct {
	Header SDTHeader
	Tables []uint32
}

// ParseRSDT decodes the table at raw, whose signature must be "RSDT".
func ParseRSDT(raw []byte) (*RSDT, error) {
	h, err := parseSDTHeader(raw)
	if err != nil {
		return nil, err
	}
	if h.Signature != "RSDT" {
		return nil, fmt.Errorf("boot: expected RSDT signature, got %q", h.Signature)
	}
	var ptrs []uint32
	for off := sdtHeaderSize; off+4 <= int(h.Length); off += 4 {
		ptrs = append(ptrs, binary.LittleEndian.Uint32(raw[off:]))
	}
	return &RSDT{Header: h, Tables: ptrs}, nil
}

// FADT is the decoded subset of the Fixed ACPI Description Table
// (acpi_fadt_t) this kernel consults: the DSDT pointer and the SCI
// interrupt line, everything else in the ACPI power-management block
// having no consumer here.
type FADT struct {
	Header       SDTHeader
	DSDT         uint32
	SCIInterrupt uint16
}

// ParseFADT decodes the table at raw, whose signature must be "FACP".
func ParseFADT(raw []byte) (*FADT, error) {
	h, err := parseSDTHeader(raw)
	if err != nil {
		return nil, err
	}
	if h.Signature != "FACP" {
		return nil, fmt.Errorf("boot: expected FACP signature, got %q", h.Signature)
	}
	if len(raw) < sdtHeaderSize+12 {
		return nil, fmt.Errorf("boot: FADT truncated: %d bytes", len(raw))
	}
	return &FADT{
		Header:       h,
		DSDT:         binary.LittleEndian.Uint32(raw[sdtHeaderSize+4:]),
		SCIInterrupt: binary.LittleEndian.Uint16(raw[sdtHeaderSize+9:]),
	}, nil
}

// MADT entry types, per acpi_types.h's acpi_madt_entry_header_t
// dispatch.
const (
	MADTLocalAPIC          = 0
	MADTIOAPIC             = 1
	MADTInterruptOverride  = 2
	MADTNMISource          = 3
	MADTLocalAPICNMI       = 4
	MADTLocalAPICOverride  = 5
	MADTLocalX2APIC        = 9
)

// MADTEntry is one decoded Multiple APIC Description Table entry.
// Only the two types this kernel's scheduler actually needs (LAPIC
// enumeration and I/O APIC registration) are fully decoded; the rest
// carry just enough to be logged and skipped.
type MADTEntry struct {
	Type   uint8
	Length uint8

	// Type 0 — Processor Local APIC
	ProcessorID uint8
	APICID      uint8
	LAPICFlags  uint32

	// Type 1 — I/O APIC
	IOAPICID   uint8
	IOAPICAddr uint32
	GSIBase    uint32
}

// MADT is the decoded Multiple APIC Description Table header plus its
// entry list.
type MADT struct {
	Header     SDTHeader
	LAPICAddr  uint32
	Flags      uint32
	LocalAPICs []MADTEntry
	IOAPICs    []MADTEntry
}

// ParseMADT decodes the table at raw, whose signature must be "APIC".
// Entry types 3 (NMI source), 4 (local APIC NMI), 5 (local APIC
// address override), and 9 (local x2APIC) are logged via
// console.Warnf and otherwise ignored — per spec.md §9's "kept as
// warn and continue", multi-CPU correctness on hardware that needs
// them is out of scope.
func ParseMADT(raw []byte) (*MADT, error) {
	h, err := parseSDTHeader(raw)
	if err != nil {
		return nil, err
	}
	if h.Signature != "APIC" {
		return nil, fmt.Errorf("boot: expected APIC signature, got %q", h.Signature)
	}
	if len(raw) < sdtHeaderSize+8 {
		return nil, fmt.Errorf("boot: MADT truncated: %d bytes", len(raw))
	}
	m := &MADT{
		Header:    h,
		LAPICAddr: binary.LittleEndian.Uint32(raw[sdtHeaderSize:]),
		Flags:     binary.LittleEndian.Uint32(raw[sdtHeaderSize+4:]),
	}

	off := sdtHeaderSize + 8
	for off+2 <= int(h.Length) {
		typ := raw[off]
		length := raw[off+1]
		if length < 2 || off+int(length) > int(h.Length) {
			return nil, fmt.Errorf("boot: MADT entry at offset %d has invalid length %d", off, length)
		}
		body := raw[off : off+int(length)]

		switch typ {
		case MADTLocalAPIC:
			if len(body) < 8 {
				return nil, fmt.Errorf("boot: MADT local APIC entry truncated")
			}
			m.LocalAPICs = append(m.LocalAPICs, MADTEntry{
				Type:        typ,
				Length:      length,
				ProcessorID: body[2],
				APICID:      body[3],
				LAPICFlags:  binary.LittleEndian.Uint32(body[4:]),
			})
		case MADTIOAPIC:
			if len(body) < 12 {
				return nil, fmt.Errorf("boot: MADT I/O APIC entry truncated")
			}
			m.IOAPICs = append(m.IOAPICs, MADTEntry{
				Type:       typ,
				Length:     length,
				IOAPICID:   body[2],
				IOAPICAddr: binary.LittleEndian.Uint32(body[4:]),
				GSIBase:    binary.LittleEndian.Uint32(body[8:]),
			})
		case MADTInterruptOverride:
			// Decoded by the interrupt-routing layer, not here; this
			// package only needs to know it's a recognized type so it
			// doesn't warn about it.
		case MADTNMISource, MADTLocalAPICNMI, MADTLocalAPICOverride, MADTLocalX2APIC:
			console.Warnf("boot: MADT entry type %d unimplemented, skipping", typ)
		default:
			console.Warnf("boot: MADT entry type %d unrecognized, skipping", typ)
		}
		off += int(length)
	}
	return m, nil
}

// HPET is the decoded High Precision Event Timer Description Table
// (acpi_hpet_t), trimmed to the fields this kernel's timer driver
// would actually read.
type HPET struct {
	Header          SDTHeader
	HardwareRevID   uint8
	AddressSpace    uint8
	BaseAddress     uint64
	HPETNumber      uint8
	MinimumTick     uint16
}

// ParseHPET decodes the table at raw, whose signature must be "HPET".
func ParseHPET(raw []byte) (*HPET, error) {
	h, err := parseSDTHeader(raw)
	if err != nil {
		return nil, err
	}
	if h.Signature != "HPET" {
		return nil, fmt.Errorf("boot: expected HPET signature, got %q", h.Signature)
	}
	const need = sdtHeaderSize + 19
	if len(raw) < need {
		return nil, fmt.Errorf("boot: HPET truncated: %d bytes", len(raw))
	}
	return &HPET{
		Header:        h,
		HardwareRevID: raw[sdtHeaderSize],
		AddressSpace:  raw[sdtHeaderSize+4],
		BaseAddress:   binary.LittleEndian.Uint64(raw[sdtHeaderSize+8:]),
		HPETNumber:    raw[sdtHeaderSize+16],
		MinimumTick:   binary.LittleEndian.Uint16(raw[sdtHeaderSize+17:]),
	}, nil
}
