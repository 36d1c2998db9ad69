package slab

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mos-kernel/mos/mem"
)

func freshAllocator(t *testing.T, npages int) *Allocator {
	frames := mem.NewAllocator(npages)
	frames.AddAvailable(0, npages)
	return NewAllocator(frames)
}

func TestAllocReturnsRightSize(t *testing.T) {
	a := freshAllocator(t, 16)
	b, err := a.Alloc(40)
	require.NoError(t, err)
	require.Len(t, b, 40)
}

func TestAllocReusesFreedSlot(t *testing.T) {
	a := freshAllocator(t, 16)
	b1, err := a.Alloc(32)
	require.NoError(t, err)
	addr1 := sliceAddr(b1)
	a.Free(b1)
	b2, err := a.Alloc(32)
	require.NoError(t, err)
	require.Equal(t, addr1, sliceAddr(b2))
}

func TestCallocZeroes(t *testing.T) {
	a := freshAllocator(t, 16)
	b, err := a.Calloc(64)
	require.NoError(t, err)
	for _, v := range b {
		require.Zero(t, v)
	}
}

func TestReallocPreservesPrefix(t *testing.T) {
	a := freshAllocator(t, 16)
	b, err := a.Alloc(16)
	require.NoError(t, err)
	copy(b, []byte("hello world12345"))
	b2, err := a.Realloc(b, 64)
	require.NoError(t, err)
	require.Equal(t, "hello world12345", string(b2[:16]))
}

func TestRawAllocAtPageSize(t *testing.T) {
	a := freshAllocator(t, 16)
	b, err := a.Alloc(mem.PGSIZE)
	require.NoError(t, err)
	require.Len(t, b, mem.PGSIZE)
	a.Free(b)
}

func TestCacheAllocIsZeroed(t *testing.T) {
	a := freshAllocator(t, 16)
	c := a.NewCache("test-cache", 128)
	b, err := c.Alloc()
	require.NoError(t, err)
	require.Len(t, b, 128)
	c.Free(b)
}

func TestManyAllocsDoNotCollide(t *testing.T) {
	a := freshAllocator(t, 16)
	seen := map[uintptr]bool{}
	var bufs [][]byte
	for i := 0; i < 50; i++ {
		b, err := a.Alloc(48)
		require.NoError(t, err)
		addr := sliceAddr(b)
		require.False(t, seen[addr])
		seen[addr] = true
		bufs = append(bufs, b)
	}
	for _, b := range bufs {
		a.Free(b)
	}
}
