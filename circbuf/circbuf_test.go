package circbuf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mos-kernel/mos/mem"
)

func freshFrames(t *testing.T, npages int) *mem.Allocator {
	a := mem.NewAllocator(npages)
	a.AddAvailable(0, npages)
	return a
}

func TestCopyinCopyoutRoundtrip(t *testing.T) {
	frames := freshFrames(t, 4)
	var cb Circbuf_t
	cb.Cb_init(64, frames)

	src := bytes.NewBufferString("hello, ipc ring")
	n, err := cb.Copyin(src)
	require.NoError(t, err)
	require.Equal(t, len("hello, ipc ring"), n)

	var dst bytes.Buffer
	n, err = cb.Copyout(&dst)
	require.NoError(t, err)
	require.Equal(t, "hello, ipc ring", dst.String())
	require.Equal(t, len("hello, ipc ring"), n)
	require.True(t, cb.Empty())
}

func TestFullAndWraparound(t *testing.T) {
	frames := freshFrames(t, 4)
	var cb Circbuf_t
	cb.Cb_init(8, frames)

	n, err := cb.Copyin(bytes.NewBufferString("abcdefgh"))
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.True(t, cb.Full())

	var dst bytes.Buffer
	_, err = cb.Copyout_n(&dst, 4)
	require.NoError(t, err)
	require.Equal(t, "abcd", dst.String())

	n, err = cb.Copyin(bytes.NewBufferString("WXYZ"))
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.True(t, cb.Full())

	dst.Reset()
	_, err = cb.Copyout(&dst)
	require.NoError(t, err)
	require.Equal(t, "efghWXYZ", dst.String())
}

func TestRawReadWriteAdvance(t *testing.T) {
	frames := freshFrames(t, 4)
	var cb Circbuf_t
	cb.Cb_init(16, frames)
	require.NoError(t, cb.Cb_ensure())

	r1, r2 := cb.Rawwrite(0, 5)
	copy(r1, []byte("hello"))
	require.Nil(t, r2)
	cb.Advhead(5)

	read1, read2 := cb.Rawread(0)
	require.Nil(t, read2)
	require.Equal(t, "hello", string(read1))
	cb.Advtail(5)
	require.True(t, cb.Empty())
}

func TestCbReleaseDropsFrameRef(t *testing.T) {
	frames := freshFrames(t, 4)
	var cb Circbuf_t
	cb.Cb_init(16, frames)
	require.NoError(t, cb.Cb_ensure())
	pfn := cb.pfn
	require.EqualValues(t, 1, frames.RefCount(pfn))
	cb.Cb_release()
	require.Equal(t, mem.Free, frames.StateOf(pfn))
}
