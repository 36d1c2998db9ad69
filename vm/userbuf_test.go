package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mos-kernel/mos/mem"
)

func TestUserbufWriteThenRead(t *testing.T) {
	frames := freshFrames(t, 16)
	as, err := NewAddressSpace(frames)
	require.NoError(t, err)
	start, err := as.MmapAnonymous(0x60000, 2, MmapFlags{Writable: true})
	require.NoError(t, err)

	msg := []byte("hello from the kernel, crossing a page boundary-------")
	wb := NewUserbuf(as, frames, start+uintptr(mem.PGSIZE)-10, len(msg))
	n, errc := wb.Uiowrite(msg)
	require.Zero(t, errc)
	require.Equal(t, len(msg), n)

	rb := NewUserbuf(as, frames, start+uintptr(mem.PGSIZE)-10, len(msg))
	out := make([]byte, len(msg))
	n, errc = rb.Uioread(out)
	require.Zero(t, errc)
	require.Equal(t, len(msg), n)
	require.Equal(t, msg, out)
}

func TestUserbufFaultsOnUnmapped(t *testing.T) {
	frames := freshFrames(t, 16)
	as, err := NewAddressSpace(frames)
	require.NoError(t, err)
	ub := NewUserbuf(as, frames, 0xbad00000, 8)
	_, errc := ub.Uioread(make([]byte, 8))
	require.NotZero(t, errc)
}
