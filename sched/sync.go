package sched

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Spinlock is an atomic-flag busy-wait lock, per spec.md §4.7. On a
// host with real CPUs this would issue a pause instruction while
// spinning; runtime.Gosched stands in for that here since mos has no
// access to a real pause intrinsic (see arch/arch.go's doc comment on
// the narrow arch facade — a spin-wait hint is not one of the
// operations it exposes, deliberately, since it is not something any
// other package needs to call directly).
type Spinlock struct {
	flag atomic.Bool
}

// Acquire spins until the lock is taken, incrementing the calling
// thread's held-spinlock count so Reschedule/ReschedulingForWaitlist
// can enforce "never sleep while holding a spinlock."
func (l *Spinlock) Acquire(t *Thread) {
	for !l.flag.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
	if t != nil {
		atomic.AddInt32(&t.heldSpinlocks, 1)
	}
}

// Release releases the lock.
func (l *Spinlock) Release(t *Thread) {
	l.flag.Store(false)
	if t != nil {
		atomic.AddInt32(&t.heldSpinlocks, -1)
	}
}

// IRQFlags records whether interrupts were enabled before AcquireIRQ,
// standing in for the real EFLAGS.IF bit biscuit's spinlocks save.
type IRQFlags bool

// AcquireIRQ disables (simulated) interrupt delivery on the calling
// CPU and acquires the lock, returning the previous interrupt-enable
// state for ReleaseIRQ to restore.
func (l *Spinlock) AcquireIRQ(t *Thread, c *CPU) IRQFlags {
	prev := c.irqEnabled.Swap(false)
	l.Acquire(t)
	return IRQFlags(prev)
}

// ReleaseIRQ releases the lock and restores the interrupt-enable state
// AcquireIRQ observed.
func (l *Spinlock) ReleaseIRQ(t *Thread, c *CPU, flags IRQFlags) {
	l.Release(t)
	c.irqEnabled.Store(bool(flags))
}

// RecursiveSpinlock allows the same thread to acquire it repeatedly;
// the owner is the current thread pointer, per spec.md §4.7 ("a
// sentinel for early boot" is represented here as owner == nil with
// depth > 0, used before any Thread exists).
type RecursiveSpinlock struct {
	raw   Spinlock
	owner *Thread
	depth int
}

func (l *RecursiveSpinlock) Acquire(t *Thread) {
	if l.owner == t && l.depth > 0 {
		l.depth++
		return
	}
	l.raw.Acquire(t)
	l.owner = t
	l.depth = 1
}

func (l *RecursiveSpinlock) Release(t *Thread) {
	if l.owner != t {
		panic("sched: release of recursive spinlock by non-owner")
	}
	l.depth--
	if l.depth == 0 {
		l.owner = nil
		l.raw.Release(t)
	}
}

// Waitlist is a queue of blocked threads with closed-flag semantics:
// once closed, every currently-queued thread is woken (as abandoned)
// and every future ReschedulingForWaitlist call fails immediately.
type Waitlist struct {
	lock   sync.Mutex
	queue  []*Thread
	closed bool
}

// Wake dequeues up to n threads, marks them Runnable, and re-enqueues
// them on their home CPU, sending IPI_RESCHEDULE to any CPU whose
// current thread has lower priority, per spec.md §4.6's wake(wl, n).
func (wl *Waitlist) Wake(s *Scheduler, n int) int {
	wl.lock.Lock()
	woken := n
	if woken > len(wl.queue) {
		woken = len(wl.queue)
	}
	targets := append([]*Thread(nil), wl.queue[:woken]...)
	wl.queue = wl.queue[woken:]
	wl.lock.Unlock()

	for _, t := range targets {
		s.enqueue(t)
		c := s.cpus[t.cpu]
		if c.current != nil && c.current.priority < t.priority {
			s.sendIPI(t.cpu, ipiMsg{kind: IPIReschedule})
		}
	}
	return woken
}

// Close marks the waitlist closed and wakes every currently-queued
// thread as abandoned (ReschedulingForWaitlist on them will return
// false).
func (wl *Waitlist) Close(s *Scheduler) {
	wl.lock.Lock()
	wl.closed = true
	targets := wl.queue
	wl.queue = nil
	wl.lock.Unlock()

	for _, t := range targets {
		t.stateLock.Lock()
		t.abandoned = true
		t.stateLock.Unlock()
		s.enqueue(t)
	}
}

// remove drops t from the queue if still present, reporting whether it
// was found there (a thread can race a signal against its own natural
// wake, so the caller must only enqueue it once).
func (wl *Waitlist) remove(t *Thread) bool {
	wl.lock.Lock()
	defer wl.lock.Unlock()
	for i, q := range wl.queue {
		if q == t {
			wl.queue = append(wl.queue[:i], wl.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Len reports the number of threads currently queued.
func (wl *Waitlist) Len() int {
	wl.lock.Lock()
	defer wl.lock.Unlock()
	return len(wl.queue)
}

// Mutex is a blocking lock backed by a Waitlist: an uncontended
// acquire fast-paths on a CAS; on contention the thread enqueues and
// blocks, per spec.md §4.7.
type Mutex struct {
	state int32 // 0 free, 1 held
	wl    Waitlist
}

// Acquire blocks (via s) until the mutex is held by the calling
// thread t.
func (m *Mutex) Acquire(s *Scheduler, t *Thread) {
	for {
		if atomic.CompareAndSwapInt32(&m.state, 0, 1) {
			return
		}
		if !t.ReschedulingForWaitlist(&m.wl) {
			// waitlist was closed (mutex torn down); caller must not
			// have raced a Close against a live mutex in practice.
			continue
		}
	}
}

// Release releases the mutex and wakes one waiter, if any.
func (m *Mutex) Release(s *Scheduler) {
	atomic.StoreInt32(&m.state, 0)
	m.wl.Wake(s, 1)
}
