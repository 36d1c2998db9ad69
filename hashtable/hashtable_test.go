package hashtable

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func intHash(k int) uint32   { return uint32(k) }
func intEqual(a, b int) bool { return a == b }

func TestSetGetDel(t *testing.T) {
	tbl := New[int, string](4, intHash, intEqual)

	_, ok := tbl.Get(1)
	require.False(t, ok)

	require.True(t, tbl.Set(1, "one"))
	require.True(t, tbl.Set(2, "two"))
	require.False(t, tbl.Set(1, "uno"), "re-Set of an existing key reports false")

	v, ok := tbl.Get(1)
	require.True(t, ok)
	require.Equal(t, "one", v)

	tbl.Del(1)
	_, ok = tbl.Get(1)
	require.False(t, ok)

	v, ok = tbl.Get(2)
	require.True(t, ok)
	require.Equal(t, "two", v)
}

func TestDelOfAbsentKeyIsNoop(t *testing.T) {
	tbl := New[int, string](4, intHash, intEqual)
	require.NotPanics(t, func() { tbl.Del(99) })
}

func TestSizeAndIter(t *testing.T) {
	tbl := New[int, string](4, intHash, intEqual)
	for i := 0; i < 10; i++ {
		tbl.Set(i, strconv.Itoa(i))
	}
	require.Equal(t, 10, tbl.Size())

	seen := make(map[int]bool)
	tbl.Iter(func(k int, v string) bool {
		seen[k] = true
		return false
	})
	require.Len(t, seen, 10)
}

func TestIterStopsEarly(t *testing.T) {
	tbl := New[int, string](4, intHash, intEqual)
	for i := 0; i < 5; i++ {
		tbl.Set(i, strconv.Itoa(i))
	}
	count := 0
	stopped := tbl.Iter(func(k int, v string) bool {
		count++
		return count == 2
	})
	require.True(t, stopped)
	require.Equal(t, 2, count)
}

// TestConcurrentGetDuringSet exercises the lock-free Get path against
// concurrent Set/Del on the same bucket: Get must never observe a
// partially-linked chain or race detector violation.
func TestConcurrentGetDuringSet(t *testing.T) {
	tbl := New[int, string](1, intHash, intEqual)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			tbl.Set(i%8, strconv.Itoa(i))
			tbl.Del(i % 8)
		}
	}()

	for i := 0; i < 1000; i++ {
		tbl.Get(i % 8)
	}
	close(stop)
	wg.Wait()
}
