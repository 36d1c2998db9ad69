// Package signal implements the Signal Subsystem (C8) from spec.md
// §4.8: per-thread pending/blocked masks, a per-process sigaction
// table, send-to-thread, and return-to-user delivery.
//
// No file in the retrieved pack implements POSIX signal delivery
// (biscuit's own signal path was not part of this pack's retrieval),
// so the state machine here is built directly from spec.md §4.8. The
// signal numbering is grounded on the pack's use of
// golang.org/x/sys/unix.SIG* constants (other_examples' gvisor KVM
// platform file installs a real handler via unix.SIGSYS) rather than
// inventing a private numbering.
package signal

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Sig is a signal number, aliased to the host's POSIX numbering so
// wire-compatible raw syscall ABIs (strace-alikes, core dumps) see
// familiar values.
type Sig int

const (
	SIGHUP  Sig = Sig(unix.SIGHUP)
	SIGINT  Sig = Sig(unix.SIGINT)
	SIGQUIT Sig = Sig(unix.SIGQUIT)
	SIGILL  Sig = Sig(unix.SIGILL)
	SIGABRT Sig = Sig(unix.SIGABRT)
	SIGFPE  Sig = Sig(unix.SIGFPE)
	SIGKILL Sig = Sig(unix.SIGKILL)
	SIGSEGV Sig = Sig(unix.SIGSEGV)
	SIGPIPE Sig = Sig(unix.SIGPIPE)
	SIGALRM Sig = Sig(unix.SIGALRM)
	SIGTERM Sig = Sig(unix.SIGTERM)
	SIGUSR1 Sig = Sig(unix.SIGUSR1)
	SIGUSR2 Sig = Sig(unix.SIGUSR2)
	SIGCHLD Sig = Sig(unix.SIGCHLD)
	SIGCONT Sig = Sig(unix.SIGCONT)
	SIGSTOP Sig = Sig(unix.SIGSTOP)
	SIGBUS  Sig = Sig(unix.SIGBUS)
)

const maxSig = 64

func bit(s Sig) uint64 { return 1 << uint(s-1) }

// DefaultAction is what happens to a signal with no installed handler.
type DefaultAction int

const (
	ActTerm DefaultAction = iota
	ActIgnore
	ActCore
	ActStop
	ActContinue
)

var defaults = map[Sig]DefaultAction{
	SIGHUP: ActTerm, SIGINT: ActTerm, SIGQUIT: ActCore, SIGILL: ActCore,
	SIGABRT: ActCore, SIGFPE: ActCore, SIGKILL: ActTerm, SIGSEGV: ActCore,
	SIGPIPE: ActTerm, SIGALRM: ActTerm, SIGTERM: ActTerm, SIGUSR1: ActTerm,
	SIGUSR2: ActTerm, SIGCHLD: ActIgnore, SIGCONT: ActContinue, SIGSTOP: ActStop,
	SIGBUS: ActCore,
}

func defaultAction(s Sig) DefaultAction {
	if a, ok := defaults[s]; ok {
		return a
	}
	return ActTerm
}

// Handler is either SIG_DFL (zero value), SIG_IGN, or a real handler
// entry point (a user-space virtual address, opaque to this package).
type Handler struct {
	IsDefault bool
	IsIgnore  bool
	EntryVA   uintptr
	Mask      uint64 // additional signals blocked while the handler runs
	Flags     SAFlags
}

// SAFlags mirrors sigaction's sa_flags bits this kernel honors.
type SAFlags int

const (
	SA_RESTART SAFlags = 1 << iota
	SA_NODEFER
)

// ActionTable is the per-process sigaction table.
type ActionTable struct {
	mu      sync.Mutex
	actions [maxSig + 1]Handler
}

func (at *ActionTable) Set(s Sig, h Handler) {
	at.mu.Lock()
	defer at.mu.Unlock()
	at.actions[s] = h
}

func (at *ActionTable) Get(s Sig) Handler {
	at.mu.Lock()
	defer at.mu.Unlock()
	h := at.actions[s]
	if h == (Handler{}) {
		h.IsDefault = true
	}
	return h
}

// SavedSyscall records the syscall a thread was blocked inside when a
// signal interrupted it, so SA_RESTART/EINTR can be decided at
// delivery time, per spec.md §4.8.
type SavedSyscall struct {
	Num    int
	Active bool
}

// SavedContext is the user register/stack state stashed when entering
// a handler, restored by Sigreturn. The kernel-core simulation keeps
// this generic since it has no real register file (see arch's doc
// comment); syscalls wires real PC/SP values through here.
type SavedContext struct {
	PC, SP uintptr
	Extra  map[string]uintptr
}

// ThreadSignals is the per-thread signal state: pending queue and
// blocked mask, plus handler-entry bookkeeping for delivery/return.
type ThreadSignals struct {
	mu      sync.Mutex
	pending uint64
	blocked uint64

	inHandler    bool
	savedBlocked uint64
	savedCtx     SavedContext
	handlerSig   Sig

	Syscall SavedSyscall
}

// Pending reports whether s is currently pending.
func (ts *ThreadSignals) Pending(s Sig) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.pending&bit(s) != 0
}

// SetBlocked replaces the thread's blocked-signal mask.
func (ts *ThreadSignals) SetBlocked(mask uint64) {
	ts.mu.Lock()
	ts.blocked = mask
	ts.mu.Unlock()
}

// BlockedMask returns the thread's current blocked-signal mask.
func (ts *ThreadSignals) BlockedMask() uint64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.blocked
}

// Wakeable is implemented by the scheduler's Thread so SendToThread can
// wake a blocked target without this package importing sched (sched
// already imports vm; adding a dependency the other way would cycle
// nothing, but this keeps signal usable by anything that can produce a
// Wakeable without pulling in the scheduler's goroutine machinery).
type Wakeable interface {
	WakeForSignal()
}

// SendToThread implements spec.md §4.8's signal_send_to_thread:
// appends sig to pending; if it is deliverable (non-ignored default or
// a handler is installed) and not blocked, wakes the target.
func SendToThread(ts *ThreadSignals, at *ActionTable, sig Sig, target Wakeable) {
	ts.mu.Lock()
	ts.pending |= bit(sig)
	blocked := ts.blocked&bit(sig) != 0
	ts.mu.Unlock()

	if blocked {
		return
	}
	h := at.Get(sig)
	deliverable := !h.IsIgnore && !(h.IsDefault && defaultAction(sig) == ActIgnore)
	if deliverable && target != nil {
		target.WakeForSignal()
	}
}

// nextDeliverable picks the lowest-numbered pending, unblocked signal,
// clearing it from pending. Returns 0, false if none.
func (ts *ThreadSignals) nextDeliverable() (Sig, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	avail := ts.pending &^ ts.blocked
	if avail == 0 {
		return 0, false
	}
	for s := Sig(1); s <= maxSig; s++ {
		if avail&bit(s) != 0 {
			ts.pending &^= bit(s)
			return s, true
		}
	}
	return 0, false
}

// Disposition is the outcome DeliverPending asks the caller to enact
// for a Term/Core disposition signal, since only the caller (procexec)
// can actually tear down the process/thread.
type Disposition int

const (
	DispNone Disposition = iota
	DispEnterHandler
	DispTerminate
	DispCoreDump
	DispStop
	DispContinue
)

// DeliverPending implements spec.md §4.8's delivery dispatcher, called
// once per return-to-user. If a signal is deliverable and has a
// handler, ctx is rewritten (PC set to the handler, blocked mask
// raised for the duration) and DispEnterHandler is returned. A
// default-disposition Term/Core signal returns the matching
// Disposition for the caller to act on (this package cannot itself
// tear down a process/thread).
func (ts *ThreadSignals) DeliverPending(at *ActionTable, ctx *SavedContext, handlerEntry func(Sig) uintptr) (Sig, Disposition) {
	sig, ok := ts.nextDeliverable()
	if !ok {
		return 0, DispNone
	}
	h := at.Get(sig)
	if h.IsDefault {
		switch defaultAction(sig) {
		case ActIgnore:
			return sig, DispNone
		case ActCore:
			return sig, DispCoreDump
		case ActStop:
			return sig, DispStop
		case ActContinue:
			return sig, DispContinue
		default:
			return sig, DispTerminate
		}
	}
	if h.IsIgnore {
		return sig, DispNone
	}

	ts.mu.Lock()
	ts.inHandler = true
	ts.savedBlocked = ts.blocked
	ts.savedCtx = *ctx
	ts.handlerSig = sig
	newBlocked := ts.blocked | h.Mask
	if h.Flags&SA_NODEFER == 0 {
		newBlocked |= bit(sig)
	}
	ts.blocked = newBlocked
	ts.mu.Unlock()

	ctx.PC = handlerEntry(sig)
	return sig, DispEnterHandler
}

// Sigreturn restores the context saved by DeliverPending, implementing
// the `sigreturn` operation of spec.md §4.8.
func (ts *ThreadSignals) Sigreturn() (SavedContext, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if !ts.inHandler {
		return SavedContext{}, false
	}
	ts.inHandler = false
	ts.blocked = ts.savedBlocked
	return ts.savedCtx, true
}

// ShouldRestart reports whether an interrupted syscall should be
// restarted rather than returning EINTR, per the target signal's
// SA_RESTART flag.
func ShouldRestart(at *ActionTable, sig Sig) bool {
	h := at.Get(sig)
	return !h.IsDefault && !h.IsIgnore && h.Flags&SA_RESTART != 0
}
