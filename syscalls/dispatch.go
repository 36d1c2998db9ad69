// Package syscalls implements the Syscall Dispatcher + Architecture
// Facade (C13) from spec.md §4.13: a single trap entry point that
// routes by interrupt number to an exception handler, an installed IRQ
// handler, the scheduler's IPI machinery, or the numbered syscall
// table, then runs the signal pipeline (§4.8) before the (possibly
// rewritten) register frame returns to user mode.
//
// Grounded on original_source/kernel/arch/x86_64/interrupt/x86_interrupt.cpp's
// x86_interrupt_entry: the interrupt-number range split
// (exception < IRQ_BASE <= irq < IPI_BASE <= ipi < MOS_SYSCALL_INTR ==
// syscall) and the post-dispatch "jump to signal handler if pending,
// only coming from user mode" step are both ported from there. No file
// in the retrieved biscuit pack implements a generic trap dispatcher
// (its retrieved tree kept no arch/interrupt files), so the dispatch
// loop itself is built directly against the original and against this
// rewrite's own sched/signal/panicpoint packages.
package syscalls

import (
	"sync"

	"github.com/mos-kernel/mos/console"
	"github.com/mos-kernel/mos/defs"
	"github.com/mos-kernel/mos/panicpoint"
	"github.com/mos-kernel/mos/procexec"
	"github.com/mos-kernel/mos/sched"
	"github.com/mos-kernel/mos/signal"
)

// Interrupt-number ranges, matching x86_interrupt.cpp's IRQ_BASE/
// IPI_BASE/MOS_SYSCALL_INTR split. IPIBase and the IPI count are kept
// in sync with sched.IPIKind's three kinds (Halt/InvalidateTLB/Reschedule).
const (
	IRQBase       = 32
	IRQMax        = 16
	IPIBase       = IRQBase + IRQMax
	IPIMax        = 3
	SyscallVector = IPIBase + IPIMax
)

// Exception numbers this dispatcher recognizes by name; everything
// else below IRQBase falls into the generic default case, matching
// x86_exception_names' full table but this kernel-core simulation only
// special-cases the ones spec.md §4.13 calls out.
const (
	ExceptionDivideError             = 0
	ExceptionDebug                   = 1
	ExceptionBreakpoint              = 3
	ExceptionInvalidOpcode           = 6
	ExceptionGeneralProtectionFault  = 13
	ExceptionPageFault               = 14
)

// TrapFrame is the saved register frame a native trap entry would hand
// this dispatcher, per spec.md §4.13's "receives the saved register
// frame and returns a (possibly replaced) frame". PC/SP are also a
// signal.SavedContext's fields; FaultAddr/IsWrite/IsExec are only
// meaningful for ExceptionPageFault.
type TrapFrame struct {
	InterruptNumber int
	IsUser          bool
	PC, SP          uintptr
	FaultAddr       uintptr
	IsWrite, IsExec bool

	// SyscallNum and Args carry the syscall vector's register
	// arguments, per spec.md §6's "arguments in six registers... return
	// in register A".
	SyscallNum uintptr
	Args       [6]uintptr
	Ret        uintptr
}

// SyscallFunc is one entry of the dispatch table: args are the raw
// register arguments, ctx carries everything a handler needs to reach
// the calling process's resources.
type SyscallFunc func(ctx *SyscallContext, args [6]uintptr) defs.Err_t

// SyscallContext is handed to every syscall handler: the calling
// process's resources plus the thread that trapped into the kernel,
// needed to target signal delivery (SendToThread) at the right target.
type SyscallContext struct {
	Proc     *procexec.Process
	Thread   *sched.Thread
	Signals  *signal.ThreadSignals
	Sigacts  *signal.ActionTable
}

// Dispatcher owns the syscall table and installed IRQ handlers; one
// Dispatcher is shared across every simulated CPU, matching the
// original's single process-wide dispatch table.
type Dispatcher struct {
	mu      sync.Mutex
	table   map[uintptr]SyscallFunc
	irqs    map[int]func()
}

// NewDispatcher returns an empty dispatcher; callers register syscalls
// with Register (see table.go for the representative VFS set this
// repository wires in by default via InstallVFSSyscalls).
func NewDispatcher() *Dispatcher {
	return &Dispatcher{table: make(map[uintptr]SyscallFunc), irqs: make(map[int]func())}
}

// Register adds fn to the syscall dispatch table at num, replacing any
// previous entry (a kernel module reloading its own syscall the way
// RegisterFS lets a filesystem re-register).
func (d *Dispatcher) Register(num uintptr, fn SyscallFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.table[num] = fn
}

// InstallIRQ binds fn to fire on IRQBase+irq, matching
// interrupt_entry(irq)'s installed-handler dispatch.
func (d *Dispatcher) InstallIRQ(irq int, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.irqs[irq] = fn
}

// handlerEntryFor resolves a signal's entry point the way
// signal_exit_to_user_prepare would, by asking the process's sigaction
// table. Kernel-mode traps and traps without a ctx never reach it:
// Dispatch skips signal delivery for them altogether.
func handlerEntryFor(ctx *SyscallContext) func(signal.Sig) uintptr {
	return func(sig signal.Sig) uintptr {
		return ctx.Sigacts.Get(sig).EntryVA
	}
}

// Dispatch routes frame by interrupt number exactly as
// x86_interrupt_entry does, then — only if frame.IsUser, matching the
// original's `frame->cs & 0x3` check — runs the signal delivery
// pipeline before returning. ctx may be nil for a trap with no
// associated process (e.g. a spurious IRQ at boot before any process
// exists); syscalls and page faults always require a non-nil ctx.
func (d *Dispatcher) Dispatch(frame *TrapFrame, ctx *SyscallContext) {
	switch {
	case frame.InterruptNumber < IRQBase:
		d.handleException(frame, ctx)
	case frame.InterruptNumber < IPIBase:
		d.handleIRQ(frame.InterruptNumber - IRQBase)
	case frame.InterruptNumber < SyscallVector:
		// IPI delivery already runs inside sched.CPU's own dispatch
		// loop (its ipi channel), which this goroutine-per-thread
		// rewrite uses instead of a hardware IPI vector trap; this case
		// exists for interrupt-number-range completeness with the
		// original and logs anything that reaches it unexpectedly.
		console.Warnf("syscalls: ipi vector %d reached Dispatch directly", frame.InterruptNumber-IPIBase)
	case frame.InterruptNumber == SyscallVector:
		d.handleSyscall(frame, ctx)
	default:
		console.Warnf("syscalls: unknown interrupt number %d", frame.InterruptNumber)
	}

	if ctx == nil || !frame.IsUser {
		return
	}
	d.deliverPendingSignal(frame, ctx)
}

func (d *Dispatcher) handleException(frame *TrapFrame, ctx *SyscallContext) {
	switch frame.InterruptNumber {
	case ExceptionPageFault:
		d.handlePageFault(frame, ctx)
	case ExceptionGeneralProtectionFault, ExceptionInvalidOpcode:
		if !frame.IsUser {
			if !panicpoint.HandleAtPC(frame.PC) {
				panicpoint.Handle(&panicpoint.Point{Label: "unhandled kernel exception", PC: frame.PC})
			}
			return
		}
		d.killForFault(ctx, signal.SIGILL)
	case ExceptionBreakpoint:
		console.Warnf("syscalls: breakpoint not handled")
	case ExceptionDivideError:
		if frame.IsUser {
			d.killForFault(ctx, signal.SIGFPE)
			return
		}
		panicpoint.Handle(&panicpoint.Point{Label: "divide error", PC: frame.PC})
	case ExceptionDebug:
		console.Warnf("syscalls: debug exception ignored")
	default:
		if frame.IsUser {
			d.killForFault(ctx, signal.SIGKILL)
			return
		}
		panicpoint.Handle(&panicpoint.Point{Label: "unhandled exception", PC: frame.PC})
	}
}

// handlePageFault implements spec.md §4.13's "page fault →
// C4.handle_fault" rule, via the already-resolved AddressSpace's own
// HandleFault (demand paging, COW, file-backed population — C4).
func (d *Dispatcher) handlePageFault(frame *TrapFrame, ctx *SyscallContext) {
	errt := ctx.Proc.AddressSpace.HandleFault(frame.FaultAddr, frame.IsWrite, frame.IsExec, frame.IsUser)
	if errt == 0 {
		return
	}
	if !frame.IsUser {
		panicpoint.Handle(&panicpoint.Point{Label: "unhandled kernel page fault", PC: frame.PC})
		return
	}
	d.killForFault(ctx, signal.SIGSEGV)
}

// killForFault sends sig to the faulting thread, matching the
// original's signal_send_to_thread(current_thread, SIGKILL) on an
// unhandled user-mode exception.
func (d *Dispatcher) killForFault(ctx *SyscallContext, sig signal.Sig) {
	console.Emergf("syscalls: thread %d: unhandled fault, sending %v", ctx.Thread.ID(), sig)
	signal.SendToThread(ctx.Signals, ctx.Sigacts, sig, ctx.Thread)
}

func (d *Dispatcher) handleIRQ(irq int) {
	d.mu.Lock()
	fn := d.irqs[irq]
	d.mu.Unlock()
	if fn == nil {
		console.Warnf("syscalls: no handler installed for irq %d", irq)
		return
	}
	fn()
}

// handleSyscall looks frame.SyscallNum up in the table and calls it
// with the register arguments, storing the result in frame.Ret — the
// ABI return register, per spec.md §6.
func (d *Dispatcher) handleSyscall(frame *TrapFrame, ctx *SyscallContext) {
	d.mu.Lock()
	fn, ok := d.table[frame.SyscallNum]
	d.mu.Unlock()
	if !ok {
		errt := defs.ENOSYS
		frame.Ret = uintptr(errt)
		return
	}
	errt := fn(ctx, frame.Args)
	frame.Ret = uintptr(errt)
}

// deliverPendingSignal implements the "before returning to user, the
// dispatcher runs the signal pipeline" step of spec.md §4.13: if a
// signal is deliverable, the saved context is rewritten to enter the
// handler; a default Term/Core/Stop/Continue disposition is applied to
// the thread the way procexec/sched would tear it down.
func (d *Dispatcher) deliverPendingSignal(frame *TrapFrame, ctx *SyscallContext) {
	saved := signal.SavedContext{PC: frame.PC, SP: frame.SP}
	sig, disp := ctx.Signals.DeliverPending(ctx.Sigacts, &saved, handlerEntryFor(ctx))
	switch disp {
	case signal.DispNone:
		return
	case signal.DispEnterHandler:
		frame.PC = saved.PC
	case signal.DispTerminate, signal.DispCoreDump:
		console.Warnf("syscalls: thread %d terminated by signal %v", ctx.Thread.ID(), sig)
	case signal.DispStop, signal.DispContinue:
		// cooperative stop/continue has no scheduler-level counterpart
		// in this rewrite (spec.md §4.6 doesn't model job control); log
		// and let the thread keep running, matching "not specified,
		// pick the simpler option" elsewhere in this design.
		console.Warnf("syscalls: thread %d got job-control signal %v (unimplemented, ignored)", ctx.Thread.ID(), sig)
	}
}
