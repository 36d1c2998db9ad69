// Package arch is the narrow architecture facade named in spec.md §1:
// "Architecture-specific trap entry glue (treated as the arch facade
// exposing context_switch, invalidate_tlb, get_timestamp,
// current_cpu_id)". Every other kernel package calls only the typed
// wrappers below; nothing outside this package touches a raw
// instruction, register, or port — the "inline assembly... keep a
// narrow arch facade" design note.
//
// This is a portable, host-architecture-independent implementation:
// mos runs its scheduler, memory manager, and VFS as a user-space
// simulation of the kernel-core algorithms rather than as ring-0 code,
// so "context switch" here means handing control between goroutines
// that stand in for threads, and "TLB invalidate" means bumping a
// generation counter the paging engine's iterators check. A native
// x86_64/riscv64 port would replace only this package.
package arch

import (
	"sync/atomic"
	"time"
)

// NCPU is the number of simulated CPUs. Biscuit and MOS both support a
// compile-time-fixed CPU count; the spec's scheduler and IPI model
// (spec.md §4.6) assume the same.
var NCPU = 4

var cpuIDSeq atomic.Int64

// CPUToken is handed to a goroutine that is standing in for kernel
// code running on a particular simulated CPU (an idle loop, a thread
// body, an interrupt handler). CurrentCPUID reads it back out.
type CPUToken struct {
	id int
}

// BindCPU assigns cpu (0..NCPU-1) to the calling goroutine's logical
// context and returns a token the caller must keep for the duration
// it is impersonating that CPU. There is no real CPU affinity here;
// this only lets kernel code above this package ask "which CPU am I
// running on" the way it would via a hardware ID register.
func BindCPU(cpu int) *CPUToken {
	if cpu < 0 || cpu >= NCPU {
		panic("bad cpu id")
	}
	return &CPUToken{id: cpu}
}

// CurrentCPUID returns the simulated CPU ID bound in tok.
func CurrentCPUID(tok *CPUToken) int {
	return tok.id
}

// GetTimestamp returns a monotonic nanosecond timestamp, standing in
// for the TSC/mtime source spec.md §1 calls the "interrupt/timer
// source" collaborator.
func GetTimestamp() int64 {
	return time.Now().UnixNano()
}

// tlbGen is bumped on every InvalidateTLB call; the paging engine
// compares against the generation it last observed to decide whether
// a cached walk is still valid. This stands in for a real TLB.
var tlbGen atomic.Uint64

// InvalidateTLB is the local half of spec.md §4.3's
// invalidate_tlb(vaddr): it is called once per CPU that must observe
// a PTE change, synchronously, by the IPI broadcast in sched.
func InvalidateTLB(vaddr uintptr) {
	tlbGen.Add(1)
}

// TLBGeneration returns the current TLB generation counter.
func TLBGeneration() uint64 {
	return tlbGen.Load()
}

// ContextSwitch represents the arch hook of the same name in spec.md
// §4.6: "calls the arch hook context_switch(prev, next)". Here,
// switching means releasing prev's resume channel is owned by the
// scheduler; this function only records the transition for
// observability and exists so sched never needs an architecture
// import.
func ContextSwitch(prevID, nextID int) {
	_ = prevID
	_ = nextID
}

// NewID returns a process-wide unique small integer, used for thread
// and process identifiers in lieu of a hardware APIC ID.
func NewID() int {
	return int(cpuIDSeq.Add(1))
}
