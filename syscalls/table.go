package syscalls

// Syscall numbers, matching the representative table spec.md §6 lists
// (the original's x86_64 ABI numbering is not reused since this
// rewrite has no real ABI to stay binary-compatible with; these are
// this kernel's own dense numbering).
const (
	SYS_OPENAT = iota
	SYS_READ
	SYS_WRITE
	SYS_CLOSE
	SYS_LSEEK
	SYS_FSTATAT
	SYS_CHDIR
	SYS_GETCWD
	SYS_READLINKAT
	SYS_MMAP
	SYS_MUNMAP
	SYS_MOUNT
	SYS_UMOUNT
	SYS_MKDIRAT
	SYS_UNLINKAT
)

// AtFDCWD is openat/fstatat/etc.'s "resolve relative to the calling
// thread's cwd" sentinel, matching AT_FDCWD's usual -100 value.
const AtFDCWD = -100

// InstallVFSSyscalls registers every handler in vfs_calls.go against
// d's dispatch table, the representative set spec.md §6 calls out.
func InstallVFSSyscalls(d *Dispatcher) {
	d.Register(SYS_OPENAT, sysOpenat)
	d.Register(SYS_READ, sysRead)
	d.Register(SYS_WRITE, sysWrite)
	d.Register(SYS_CLOSE, sysClose)
	d.Register(SYS_LSEEK, sysLseek)
	d.Register(SYS_FSTATAT, sysFstatat)
	d.Register(SYS_CHDIR, sysChdir)
	d.Register(SYS_GETCWD, sysGetcwd)
	d.Register(SYS_READLINKAT, sysReadlinkat)
	d.Register(SYS_MMAP, sysMmap)
	d.Register(SYS_MUNMAP, sysMunmap)
	d.Register(SYS_MOUNT, sysMount)
	d.Register(SYS_UMOUNT, sysUmount)
	d.Register(SYS_MKDIRAT, sysMkdirat)
	d.Register(SYS_UNLINKAT, sysUnlinkat)
}
