// Package panicpoint implements SPEC_FULL.md's C13 supplement: a table
// of recoverable fatal call sites, mirroring
// original_source/kernel/misc/panic.cpp's __MOS_PANIC_LIST/
// handle_kernel_panic and kallsyms.cpp's address-to-symbol lookup.
// The original records a panic_point_t (instruction pointer, file,
// function, line) at each MOS_MAKE_PANIC_POINT call site via a linker
// section; this rewrite has no linker section to place entries in, so
// Mark records the call site's program counter via runtime.Caller the
// moment it runs and keys the table by that pc, which is exactly the
// value the syscall dispatcher (C13) has on hand when a kernel-mode
// exception needs to ask "was this address a known panic point".
package panicpoint

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/mos-kernel/mos/caller"
	"github.com/mos-kernel/mos/console"
)

// Point is one recorded panic site, matching panic_point_t's fields.
type Point struct {
	Label string
	File  string
	Func  string
	Line  int
	PC    uintptr
}

var (
	mu    sync.Mutex
	table = map[uintptr]*Point{}
	hooks []Hook
)

// Hook is one registered panic hook, matching panic_hook_t: run after
// the crash banner prints, skipped if Enabled is non-nil and false.
type Hook struct {
	Name    string
	Enabled *bool
	Run     func()
}

// AddHook registers h to run on every call to Handle, in registration
// order, matching __MOS_PANIC_HOOKS_START/_END's iteration.
func AddHook(h Hook) {
	mu.Lock()
	hooks = append(hooks, h)
	mu.Unlock()
}

// Mark records the caller's own program counter as a named panic
// point and returns it, meant to be called once at package init or
// immediately before a fallible operation: `defer panicpoint.Mark("slab: refill")()`
// is not the idiom here (there is nothing to defer-undo); instead a
// recoverable fatal site calls Mark right before the operation that
// might need to report itself, and keeps the returned *Point to pass
// to Handle if the operation does fail.
func Mark(label string) *Point {
	pc, file, line, ok := runtime.Caller(1)
	p := &Point{Label: label, File: file, Line: line, PC: pc}
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			p.Func = fn.Name()
		}
	}
	mu.Lock()
	table[pc] = p
	mu.Unlock()
	return p
}

// Lookup finds the panic point recorded at pc, implementing
// find_panic_point/try_handle_kernel_panics' table scan.
func Lookup(pc uintptr) (*Point, bool) {
	mu.Lock()
	defer mu.Unlock()
	p, ok := table[pc]
	return p, ok
}

// Handle prints the crash banner and register/stack context handle_kernel_panic
// prints, runs every registered hook, and returns — it is the caller's
// (the syscall dispatcher's) job to decide what happens next: halt the
// whole kernel for a kernel-mode fault, or just the offending thread
// for an in-kernel panic with no live process.
func Handle(p *Point) {
	console.Emergf("!!!!!!!!!!!!!!!!!!!!!!!!")
	console.Emergf("!!!!! KERNEL PANIC !!!!!")
	console.Emergf("!!!!!!!!!!!!!!!!!!!!!!!!")
	if p != nil {
		console.Emergf("file: %s:%d", p.File, p.Line)
		console.Emergf("function: %s", p.Func)
		if p.Label != "" {
			console.Emergf("label: %s", p.Label)
		}
		if p.PC != 0 {
			console.Emergf("instruction: %s (%#x)", p.Func, p.PC)
		}
	} else {
		console.Emergf("instruction: unknown, see backtrace")
	}
	caller.Callerdump(2)

	mu.Lock()
	hs := append([]Hook{}, hooks...)
	mu.Unlock()
	for _, h := range hs {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		h.Run()
	}
}

// HandleAtPC implements try_handle_kernel_panics: looks pc up in the
// table and, if found, calls Handle; if not, logs and does nothing,
// since an unrecognized kernel-mode fault address here isn't itself a
// panic point — the dispatcher falls back to its own generic handling.
func HandleAtPC(pc uintptr) bool {
	p, ok := Lookup(pc)
	if !ok {
		console.Warnf("panicpoint: no panic point found for %#x", pc)
		return false
	}
	Handle(p)
	return true
}

// String renders p the way a crash log line names a site, for
// embedding in an error message without calling Handle.
func (p *Point) String() string {
	if p == nil {
		return "<nil panic point>"
	}
	return fmt.Sprintf("%s (%s:%d)", p.Func, p.File, p.Line)
}
