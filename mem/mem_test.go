package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func freshAllocator(t *testing.T, npages int) *Allocator {
	a := NewAllocator(npages)
	a.AddAvailable(0, npages)
	return a
}

func TestAllocateRefcountInvariant(t *testing.T) {
	a := freshAllocator(t, 64)
	pfn, err := a.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, Allocated, a.StateOf(pfn))
	require.EqualValues(t, 1, a.RefCount(pfn))
}

func TestUnrefFreesAndCoalesces(t *testing.T) {
	a := freshAllocator(t, 8)
	pfn, err := a.Allocate(0)
	require.NoError(t, err)
	a.Unref(pfn)
	require.Equal(t, Free, a.StateOf(pfn))
	require.EqualValues(t, 0, a.RefCount(pfn))
	// the whole 8-page region should have re-coalesced to order 3.
	stat := a.Stat()
	require.EqualValues(t, 1, stat[3])
}

func TestDoubleFreePanics(t *testing.T) {
	a := freshAllocator(t, 4)
	pfn, err := a.Allocate(0)
	require.NoError(t, err)
	a.Unref(pfn)
	require.Panics(t, func() { a.Unref(pfn) })
}

func TestOOMReturnsErrorNotPartial(t *testing.T) {
	a := freshAllocator(t, 4)
	_, err := a.Allocate(4) // only 4 pages total, order 4 needs 16
	require.ErrorIs(t, err, ErrOOM)
	// nothing should have been marked allocated.
	for pfn := PFN(0); pfn < 4; pfn++ {
		require.Equal(t, Free, a.StateOf(pfn))
	}
}

func TestReserveRejectsAllocatedFrame(t *testing.T) {
	a := freshAllocator(t, 4)
	pfn, err := a.Allocate(0)
	require.NoError(t, err)
	err = a.ReserveRegion(pfn, 1)
	require.Error(t, err)
}

func TestRefSharingKeepsFrameAliveAcrossOneUnref(t *testing.T) {
	a := freshAllocator(t, 4)
	pfn, err := a.Allocate(0)
	require.NoError(t, err)
	a.Ref(pfn) // simulate fork: two owners
	require.EqualValues(t, 2, a.RefCount(pfn))
	a.Unref(pfn)
	require.Equal(t, Allocated, a.StateOf(pfn))
	a.Unref(pfn)
	require.Equal(t, Free, a.StateOf(pfn))
}

func TestAllocatorSumInvariant(t *testing.T) {
	const npages = 32
	a := freshAllocator(t, npages)
	var allocated []PFN
	for i := 0; i < 5; i++ {
		pfn, err := a.Allocate(0)
		require.NoError(t, err)
		allocated = append(allocated, pfn)
	}
	free := int64(0)
	for o, n := range a.Stat() {
		free += n << uint(o)
	}
	require.EqualValues(t, npages-len(allocated), free)
	for _, pfn := range allocated {
		a.Unref(pfn)
	}
}

func TestFreeListHasNoCycle(t *testing.T) {
	a := freshAllocator(t, 16)
	l := a.freeRunList(4)
	require.Equal(t, 1, l.Len())
}
