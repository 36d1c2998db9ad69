// Package sched implements the Scheduler (C6) and Synchronization
// primitives (C7) from spec.md §4.6-§4.7.
//
// biscuit's retrieved source tree kept only `proc`'s go.mod (the
// scheduler/thread files themselves were not part of this pack), so
// there is no teacher file to port for the dispatch loop itself; the
// state machine, reschedule/reschedule_for_waitlist/wake contract, and
// IPI kinds are built directly from spec.md §4.6-§4.7, in the
// goroutine-per-thread idiom the rest of this rewrite uses for
// anything that would otherwise need raw context-switch assembly (see
// arch/arch.go's doc comment). A thread's goroutine body runs only
// while its CPU's dispatch loop has handed it the "turn" channel,
// mirroring context_switch(prev, next) handing control to a specific
// thread; yielding or blocking sends back on the thread's "yield"
// channel, mirroring control returning to the scheduler.
package sched

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/mos-kernel/mos/arch"
	"github.com/mos-kernel/mos/metrics"
	"github.com/mos-kernel/mos/vm"
)

// State is a thread's scheduling state, per spec.md §4.6.
type State int32

const (
	Created State = iota
	Runnable
	Running
	Blocked
	Dead
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// IPIKind is one of the three inter-processor interrupt kinds spec.md
// §4.6 names.
type IPIKind int

const (
	IPIHalt IPIKind = iota
	IPIInvalidateTLB
	IPIReschedule
)

func (k IPIKind) String() string {
	switch k {
	case IPIHalt:
		return "halt"
	case IPIInvalidateTLB:
		return "invalidate_tlb"
	case IPIReschedule:
		return "reschedule"
	default:
		return "unknown"
	}
}

// Thread is the schedulable unit. Its state_lock is an ordinary
// sync.Mutex, held across Running→Blocked transitions and released by
// the CPU dispatch loop after the switch, per spec.md §4.6's
// switch_to-lock-handoff requirement.
type Thread struct {
	id       int
	priority int32

	stateLock sync.Mutex
	state     State

	cpu   int // home CPU
	as    *vm.AddressSpace
	sched *Scheduler

	turn  chan struct{} // dispatcher -> thread: you may run
	yield chan struct{} // thread -> dispatcher: I've stopped running

	heldSpinlocks int32     // debug invariant: must be 0 when blocking
	abandoned     bool      // set by Waitlist.Close when waking due to closure
	waitlist      *Waitlist // the Waitlist currently parking this thread, if any
}

func (t *Thread) ID() int { return t.id }

func (t *Thread) State() State {
	t.stateLock.Lock()
	defer t.stateLock.Unlock()
	return t.state
}

func (t *Thread) setState(s State) {
	t.stateLock.Lock()
	t.state = s
	t.stateLock.Unlock()
}

// AddressSpace returns the thread's mm (nil for kernel-only threads).
func (t *Thread) AddressSpace() *vm.AddressSpace { return t.as }

// SetAddressSpace binds t's mm, used by procexec after exec/fork.
func (t *Thread) SetAddressSpace(as *vm.AddressSpace) { t.as = as }

// CPU is one simulated CPU: an idle/runnable runqueue plus a dispatch
// loop goroutine.
type CPU struct {
	id int

	mu    sync.Mutex
	runq  []*Thread
	idle  *Thread
	current *Thread

	ipi        chan ipiMsg
	tok        *arch.CPUToken
	irqEnabled atomic.Bool
}

type ipiMsg struct {
	kind  IPIKind
	vaddr uintptr
}

// Scheduler owns all CPUs and implements vm.IPIBroadcaster so the
// paging engine can invalidate TLBs kernel-wide without importing
// sched.
type Scheduler struct {
	cpus    []*CPU
	nextID  atomic.Int64
	threads sync.Map // id -> *Thread, for debugging/introspection
}

// New creates a Scheduler with arch.NCPU simulated CPUs, each running
// an idle thread that simply parks until given work.
func New() *Scheduler {
	s := &Scheduler{cpus: make([]*CPU, arch.NCPU)}
	for i := range s.cpus {
		c := &CPU{id: i, ipi: make(chan ipiMsg, 16), tok: arch.BindCPU(i)}
		c.irqEnabled.Store(true)
		s.cpus[i] = c
		c.idle = s.newThread(i, func(t *Thread) { <-make(chan struct{}) }, 0)
		go c.dispatchLoop(s)
	}
	return s
}

func (s *Scheduler) newThread(cpu int, body func(*Thread), priority int32) *Thread {
	t := &Thread{
		id: int(s.nextID.Add(1)), cpu: cpu, priority: priority, sched: s,
		state: Created, turn: make(chan struct{}), yield: make(chan struct{}),
	}
	s.threads.Store(t.id, t)
	go func() {
		<-t.turn
		body(t)
		t.setState(Dead)
		t.yield <- struct{}{}
	}()
	return t
}

// Spawn creates a new Created thread pinned to cpu (round-robin by id
// if cpu < 0) and immediately makes it Runnable.
func (s *Scheduler) Spawn(body func(*Thread), priority int32, cpu int) *Thread {
	if cpu < 0 {
		cpu = int(s.nextID.Load()) % len(s.cpus)
	}
	t := s.newThread(cpu, body, priority)
	s.enqueue(t)
	return t
}

func (s *Scheduler) enqueue(t *Thread) {
	t.setState(Runnable)
	c := s.cpus[t.cpu]
	c.mu.Lock()
	c.runq = append(c.runq, t)
	c.mu.Unlock()
}

// Lookup returns the thread with the given id, if still tracked.
func (s *Scheduler) Lookup(id int) (*Thread, bool) {
	v, ok := s.threads.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Thread), true
}

// dispatchLoop is the per-CPU scheduling loop: pop the next runnable
// thread (simple round-robin, per spec.md §4.6's policy note), hand it
// the turn, wait for it to yield/block/die, repeat. A timer IRQ is
// simulated by nothing more than this loop always regaining control
// once the running thread hits a reschedule point — true preemption
// mid-quantum is out of scope, matching the "cooperative preemption"
// note in spec.md §4.6.
func (c *CPU) dispatchLoop(s *Scheduler) {
	for {
		select {
		case msg := <-c.ipi:
			c.handleIPI(msg)
			continue
		default:
		}

		c.mu.Lock()
		var next *Thread
		if len(c.runq) > 0 {
			next = c.runq[0]
			c.runq = c.runq[1:]
		}
		c.mu.Unlock()
		if next == nil {
			// nothing runnable: idle. c.idle exists only so
			// introspection has a well-defined "current thread" to
			// report; its goroutine never actually runs, since parking
			// here and re-checking the runqueue on every iteration
			// already gives the cooperative-preemption behavior spec.md
			// §4.6 asks for without needing a dedicated idle body.
			c.current = c.idle
			runtime.Gosched()
			continue
		}

		prevID := 0
		if c.current != nil {
			prevID = c.current.id
		}
		c.current = next
		next.setState(Running)
		arch.ContextSwitch(prevID, next.id)
		next.turn <- struct{}{}

		select {
		case <-next.yield:
		case msg := <-c.ipi:
			c.handleIPI(msg)
			<-next.yield
		}
		if next.State() == Runnable {
			s.enqueue(next)
		}
	}
}

func (c *CPU) handleIPI(msg ipiMsg) {
	metrics.IPICount.WithLabelValues(msg.kind.String(), fmt.Sprint(c.id)).Inc()
	switch msg.kind {
	case IPIInvalidateTLB:
		arch.InvalidateTLB(msg.vaddr)
	case IPIHalt, IPIReschedule:
		// handled implicitly: the dispatch loop re-enters its selection
		// logic on every iteration regardless of IPI kind.
	}
}

// sendIPI delivers msg to cpu's queue; used internally by wake and by
// BroadcastInvalidate.
func (s *Scheduler) sendIPI(cpu int, msg ipiMsg) {
	select {
	case s.cpus[cpu].ipi <- msg:
	default:
		// queue full: coalesce by dropping, matching the "IPIs are
		// hints, the dispatch loop always re-evaluates" semantics above.
	}
}

// BroadcastInvalidate implements vm.IPIBroadcaster: queue
// INVALIDATE_TLB on every CPU, one errgroup goroutine per CPU, and
// return once every send has been attempted. It does not wait for any
// CPU to handle the IPI, and a CPU whose IPI queue is full does not
// receive it (see sendIPI).
func (s *Scheduler) BroadcastInvalidate(vaddr uintptr) {
	var g errgroup.Group
	for _, c := range s.cpus {
		c := c
		g.Go(func() error {
			s.sendIPI(c.id, ipiMsg{kind: IPIInvalidateTLB, vaddr: vaddr})
			return nil
		})
	}
	_ = g.Wait()
}

// Halt sends IPI_HALT to every CPU (used during shutdown).
func (s *Scheduler) Halt(ctx context.Context) {
	var g errgroup.Group
	for _, c := range s.cpus {
		c := c
		g.Go(func() error {
			s.sendIPI(c.id, ipiMsg{kind: IPIHalt})
			return nil
		})
	}
	_ = g.Wait()
}

// Reschedule is called by a thread's own goroutine to voluntarily give
// up the CPU while remaining Runnable (the cooperative-preemption
// safe point spec.md §4.6 describes).
func (t *Thread) Reschedule(s *Scheduler) {
	if t.heldSpinlocks != 0 {
		panic("sched: reschedule while holding a spinlock")
	}
	// the dispatch loop re-enqueues a thread that yields while Runnable.
	t.setState(Runnable)
	t.yield <- struct{}{}
	<-t.turn
}

// ReschedulingForWaitlist implements reschedule_for_waitlist: enqueue
// on wl under its lock, mark Blocked, yield. Returns true once later
// woken, false if wl was already closed.
func (t *Thread) ReschedulingForWaitlist(wl *Waitlist) bool {
	if t.heldSpinlocks != 0 {
		panic("sched: blocking while holding a spinlock")
	}
	wl.lock.Lock()
	if wl.closed {
		wl.lock.Unlock()
		return false
	}
	wl.queue = append(wl.queue, t)
	t.setState(Blocked)
	wl.lock.Unlock()

	t.stateLock.Lock()
	t.waitlist = wl
	t.stateLock.Unlock()

	t.yield <- struct{}{}
	<-t.turn

	t.stateLock.Lock()
	t.waitlist = nil
	t.stateLock.Unlock()
	return !t.wasAbandoned()
}

// WakeForSignal implements signal.Wakeable: a thread parked on a
// Waitlist is pulled off it and re-enqueued directly, the same
// mechanism Waitlist.Close uses to abandon waiters, except the thread
// is not marked abandoned — ReschedulingForWaitlist still returns
// true, and it is up to the caller (the interrupted syscall) to notice
// a signal is now pending and unwind with EINTR. A thread that is not
// currently parked on any Waitlist is already runnable or running, so
// there is nothing to wake; the signal simply stays pending until its
// next return-to-user check.
func (t *Thread) WakeForSignal() {
	t.stateLock.Lock()
	wl := t.waitlist
	t.stateLock.Unlock()
	if wl == nil {
		return
	}
	if wl.remove(t) {
		t.sched.enqueue(t)
	}
}

// wasAbandoned reports whether this thread was last woken by
// Waitlist.Close rather than Waitlist.Wake.
func (t *Thread) wasAbandoned() bool {
	t.stateLock.Lock()
	defer t.stateLock.Unlock()
	v := t.abandoned
	t.abandoned = false
	return v
}
