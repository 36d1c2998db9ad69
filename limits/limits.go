// Package limits tracks system-wide resource budgets consumed by the
// kernel's core subsystems: open process slots, cached vnodes (VFS
// inodes), IPC server pending-connection quotas, and page-cache pages.
// Each budget is an atomic down-counter: Taken reserves, Give returns.
// This is the same "remaining budget" shape biscuit's Syslimit_t uses
// for Socks/Pipes/Mfspgs, generalized to a reusable counter type and
// ported off unsafe pointer casts onto sync/atomic.Int64.
package limits

import "sync/atomic"

// Counter is a resource budget that can be taken from and given back
// to concurrently.
type Counter struct {
	remaining atomic.Int64
}

// NewCounter returns a Counter initialized to n.
func NewCounter(n int64) *Counter {
	c := &Counter{}
	c.remaining.Store(n)
	return c
}

// Given increases the budget by n.
func (c *Counter) Given(n uint) {
	c.remaining.Add(int64(n))
}

// Taken tries to decrement the budget by n, returning false (and
// leaving the budget unchanged) if that would make it negative.
func (c *Counter) Taken(n uint) bool {
	if c.remaining.Add(-int64(n)) >= 0 {
		return true
	}
	c.remaining.Add(int64(n))
	return false
}

// Take reserves one unit of budget.
func (c *Counter) Take() bool { return c.Taken(1) }

// Give returns one unit of budget.
func (c *Counter) Give() { c.Given(1) }

// Remaining reports the current budget, for diagnostics only.
func (c *Counter) Remaining() int64 { return c.remaining.Load() }

// Syslimit holds the system-wide budgets the kernel core enforces.
type Syslimit struct {
	Procs      *Counter // concurrently live processes (C12)
	Vnodes     *Counter // cached VFS inodes (C9)
	Pipes      *Counter // open IPC descriptors (C11)
	PageCache  *Counter // page-cache frames (C5)
	MaxPending int      // default ipc.Server accept-queue bound (C11)
}

// Default returns the kernel's default resource budgets.
func Default() *Syslimit {
	return &Syslimit{
		Procs:      NewCounter(1 << 14),
		Vnodes:     NewCounter(1 << 16),
		Pipes:      NewCounter(1 << 13),
		PageCache:  NewCounter(1 << 18),
		MaxPending: 16,
	}
}
