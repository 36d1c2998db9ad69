// Package stat implements the fixed-layout record returned by the
// fstatat syscall (spec.md §6). Fields are encoded explicitly with
// encoding/binary rather than reinterpreted via unsafe, following the
// "exact byte layout for external formats" design note: external ABI
// structures are decoded/encoded field-by-field, never mmap'd onto a
// native Go struct.
package stat

import "encoding/binary"

// Stat_t mirrors the fields user space reads back from fstatat.
type Stat_t struct {
	dev    uint64
	ino    uint64
	mode   uint64
	nlink  uint64
	size   uint64
	rdev   uint64
	blocks uint64
	mtimeS uint64
	mtimeN uint64
}

func (st *Stat_t) SetDev(v uint64)    { st.dev = v }
func (st *Stat_t) SetIno(v uint64)    { st.ino = v }
func (st *Stat_t) SetMode(v uint64)   { st.mode = v }
func (st *Stat_t) SetNlink(v uint64)  { st.nlink = v }
func (st *Stat_t) SetSize(v uint64)   { st.size = v }
func (st *Stat_t) SetRdev(v uint64)   { st.rdev = v }
func (st *Stat_t) SetBlocks(v uint64) { st.blocks = v }
func (st *Stat_t) SetMtime(s, n uint64) {
	st.mtimeS, st.mtimeN = s, n
}

func (st *Stat_t) Mode() uint64  { return st.mode }
func (st *Stat_t) Size() uint64  { return st.size }
func (st *Stat_t) Rdev() uint64  { return st.rdev }
func (st *Stat_t) Ino() uint64   { return st.ino }
func (st *Stat_t) Nlink() uint64 { return st.nlink }

// Bytes encodes the record as the little-endian byte sequence copied
// to user space.
func (st *Stat_t) Bytes() []byte {
	b := make([]byte, 9*8)
	fields := []uint64{st.dev, st.ino, st.mode, st.nlink, st.size, st.rdev, st.blocks, st.mtimeS, st.mtimeN}
	for i, f := range fields {
		binary.LittleEndian.PutUint64(b[i*8:], f)
	}
	return b
}
