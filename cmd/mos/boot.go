package main

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/mos-kernel/mos/boot"
	"github.com/mos-kernel/mos/cmdline"
	"github.com/mos-kernel/mos/console"
	"github.com/mos-kernel/mos/defs"
	"github.com/mos-kernel/mos/mem"
	"github.com/mos-kernel/mos/procexec"
	"github.com/mos-kernel/mos/sched"
	"github.com/mos-kernel/mos/syscalls"
	"github.com/mos-kernel/mos/ustr"
	"github.com/mos-kernel/mos/userfs"
	"github.com/mos-kernel/mos/vfs"
)

// Result is everything a booted kernel instance needs to keep
// running or to shut down cleanly: the frame allocator, scheduler,
// syscall dispatcher, root filesystem, and (if an init binary was
// given) the first process.
type Result struct {
	Args       *cmdline.Args
	Frames     *mem.Allocator
	Scheduler  *sched.Scheduler
	Dispatcher *syscalls.Dispatcher
	Root       *vfs.Dentry
	Init       *procexec.Process
}

// Shutdown halts every simulated CPU, the counterpart to the boot
// sequence's CPU bring-up in sched.New.
func (r *Result) Shutdown() {
	r.Scheduler.Halt(context.Background())
}

// Boot runs the kernel's boot sequence: parse the command line, seed
// a frame allocator, mount an in-memory root filesystem, install the
// VFS syscall table, and — if initPath names a host file — load it as
// /init and spawn it as the first process.
//
// There being no real bootloader here, the memory map normally read
// out of a multiboot_info_t is instead synthesized as one Available
// region spanning pages frames, fed through the same
// boot.NormalizeMemoryMap/SeedAllocator path a real multiboot handoff
// would use (see boot/multiboot.go and boot/seed.go); a native port
// replaces only that synthesis with an actual decode of the
// bootloader's info structure.
func Boot(cmdlineStr string, pages int, initPath string) (*Result, error) {
	args, err := cmdline.Parse(cmdlineStr)
	if err != nil {
		return nil, fmt.Errorf("mos: parsing kernel command line: %w", err)
	}

	frames := mem.NewAllocator(pages)
	entries := boot.NormalizeMemoryMap([]boot.MmapEntry{
		{PhysAddr: 0, Len: uint64(pages) * uint64(mem.PGSIZE), Type: boot.MemAvailable},
	})
	boot.SeedAllocator(frames, entries)
	userfs.SetFrameAllocator(frames)
	console.Printf("mos: seeded %d pages of physical memory", pages)

	sb := vfs.NewSuperblock("rootfs", frames)
	rootIno := vfs.NewInode(sb, sb.AllocIno(), vfs.TypeDir, 0o755, &vfs.FileOps{})
	root := vfs.NewDentry(ustr.MkUstrRoot(), nil, rootIno)
	sb.Root = root

	sc := sched.New()
	d := syscalls.NewDispatcher()
	syscalls.InstallVFSSyscalls(d)

	result := &Result{Args: args, Frames: frames, Scheduler: sc, Dispatcher: d, Root: root}

	if initPath == "" {
		console.Printf("mos: no init binary given, boot sequence stops after subsystem bring-up")
		return result, nil
	}

	proc, err := loadInit(root, frames, sc, initPath)
	if err != nil {
		return nil, fmt.Errorf("mos: loading init %q: %w", initPath, err)
	}
	result.Init = proc
	return result, nil
}

// hostFile is a regular-file FileOps backed by a []byte read once
// from the host filesystem at boot: Read serves loadHeaderAndPhdrs's
// direct reads, Getpage serves the page-cache-backed PT_LOAD mappings
// procexec.CreateProcess sets up, mirroring the in-memory fixture
// pattern procexec's own tests use for the same two call paths.
type hostFile struct {
	data []byte
}

func (f *hostFile) ops() *vfs.FileOps {
	return &vfs.FileOps{
		Read: func(ino *vfs.Inode, dst []byte, offset int64) (int, defs.Err_t) {
			if offset >= int64(len(f.data)) {
				return 0, 0
			}
			end := offset + int64(len(dst))
			if end > int64(len(f.data)) {
				end = int64(len(f.data))
			}
			return copy(dst, f.data[offset:end]), 0
		},
		Getpage: func(ino *vfs.Inode, pgoff int64, fr *mem.Allocator) (mem.PFN, error) {
			pfn, err := fr.Allocate(0)
			if err != nil {
				return 0, err
			}
			fr.Zero(pfn)
			start := pgoff * int64(mem.PGSIZE)
			if start < int64(len(f.data)) {
				end := start + int64(mem.PGSIZE)
				if end > int64(len(f.data)) {
					end = int64(len(f.data))
				}
				copy(fr.Bytes(pfn), f.data[start:end])
			}
			return pfn, nil
		},
	}
}

// loadInit reads hostPath off the host filesystem, attaches it under
// root as a regular file named after its base name, and spawns it as
// the kernel's first process via procexec.CreateProcess. The spawned
// thread's entry simply logs that it reached its computed user entry
// point: this rewrite runs every thread as a goroutine rather than
// switching privilege rings (arch.go's package doc), so there is no
// real ring-3 trampoline for it to jump into.
func loadInit(root *vfs.Dentry, frames *mem.Allocator, sc *sched.Scheduler, hostPath string) (*procexec.Process, error) {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, err
	}

	hf := &hostFile{data: data}
	sb := root.Inode.Sb
	ino := vfs.NewInode(sb, sb.AllocIno(), vfs.TypeRegular, 0o755, hf.ops())
	ino.Link()
	name := path.Base(hostPath)
	dentry := vfs.NewDentry(ustr.FromStr(name), root, ino)
	root.Attach(dentry)

	return procexec.CreateProcess(root, "/"+name, []string{"/" + name}, nil, frames, sc, func(th *sched.Thread, ctx procexec.ThreadContext) {
		console.Printf("mos: init reached entry %#x", ctx.Entry)
	})
}
