// Package util contains small numeric helpers shared across kernel
// packages: alignment arithmetic and little-endian field packing used
// when decoding on-disk/wire structures (rusage records, page cache
// offsets, RPC payloads) byte-by-byte rather than by reinterpreting
// memory, per the "exact byte layout for external formats" design
// note: decode into host-native values via explicit parsing, never by
// mapping external layouts onto native Go types.
package util

import "encoding/binary"

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// Readn decodes n little-endian bytes from a starting at off.
// n must be 1, 2, 4, or 8. Panics if the requested region is out of bounds.
func Readn(a []uint8, n int, off int) int {
	if off < 0 || off+n > len(a) {
		panic("Readn out of bounds")
	}
	b := a[off : off+n]
	switch n {
	case 8:
		return int(binary.LittleEndian.Uint64(b))
	case 4:
		return int(binary.LittleEndian.Uint32(b))
	case 2:
		return int(binary.LittleEndian.Uint16(b))
	case 1:
		return int(b[0])
	default:
		panic("unsupported size")
	}
}

// Writen encodes val as sz little-endian bytes into a starting at off.
// sz must be 1, 2, 4, or 8. Panics if the destination is out of bounds.
func Writen(a []uint8, sz int, off int, val int) {
	if off < 0 || off+sz > len(a) {
		panic("Writen out of bounds")
	}
	b := a[off : off+sz]
	switch sz {
	case 8:
		binary.LittleEndian.PutUint64(b, uint64(val))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(val))
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(val))
	case 1:
		b[0] = uint8(val)
	default:
		panic("unsupported size")
	}
}
