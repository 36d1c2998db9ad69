package syscalls

import (
	"github.com/mos-kernel/mos/defs"
	"github.com/mos-kernel/mos/mem"
	"github.com/mos-kernel/mos/procexec"
	"github.com/mos-kernel/mos/ustr"
	"github.com/mos-kernel/mos/vfs"
	"github.com/mos-kernel/mos/vm"
)

// maxPathLen bounds copyInString, matching PATH_MAX's usual 4096.
const maxPathLen = 4096

// copyInString reads a NUL-terminated string out of user memory at
// uva with a single Userbuf read of up to maxPathLen bytes; a read cut
// short by an unmapped page still succeeds if the NUL came before it.
func copyInString(ctx *SyscallContext, uva uintptr) (string, defs.Err_t) {
	if uva == 0 {
		return "", defs.EFAULT
	}
	buf := make([]byte, maxPathLen)
	ub := ctx.Proc.AddressSpace.NewUserbuf(uva, maxPathLen)
	n, errt := ub.Uioread(buf)
	if errt != 0 && n == 0 {
		return "", errt
	}
	for i := 0; i < n; i++ {
		if buf[i] == 0 {
			return string(buf[:i]), 0
		}
	}
	return "", defs.ENAMETOOLONG
}

// copyOutBytes writes all of src into user memory at uva; callers trim
// src to the user buffer's length before calling it.
func copyOutBytes(ctx *SyscallContext, uva uintptr, src []byte) (int, defs.Err_t) {
	ub := ctx.Proc.AddressSpace.NewUserbuf(uva, len(src))
	return ub.Uiowrite(src)
}

// resolveDirAnchor implements the *at() family's dirfd resolution: a
// real dirfd must name an already-open directory descriptor; AtFDCWD
// anchors at the calling process's current working directory.
func resolveDirAnchor(ctx *SyscallContext, dirfd int) (*vfs.Dentry, defs.Err_t) {
	if dirfd == AtFDCWD {
		d, _ := ctx.Proc.Cwd.Get()
		return d, 0
	}
	fd, ok := ctx.Proc.Fds.Get(dirfd)
	if !ok {
		return nil, defs.EBADF
	}
	if fd.Dentry.Inode.Type != vfs.TypeDir {
		return nil, defs.ENOTDIR
	}
	return fd.Dentry, 0
}

// sysOpenat implements openat(dirfd, pathname, flags, mode): resolve
// pathname relative to dirfd, open the resulting inode, and install it
// in the calling process's descriptor table. flags is a procexec.FdPerm
// bitmask directly (FDRead|FDWrite|FDCloseOnExec), not POSIX's
// O_RDONLY/O_WRONLY/O_RDWR encoding — this kernel's libc equivalent is
// expected to translate at the call boundary, the way every other
// layer of this rewrite keeps POSIX-facing encoding out of the kernel
// core.
func sysOpenat(ctx *SyscallContext, args [6]uintptr) defs.Err_t {
	anchor, errt := resolveDirAnchor(ctx, int(int32(args[0])))
	if errt != 0 {
		return errt
	}
	path, errt := copyInString(ctx, args[1])
	if errt != 0 {
		return errt
	}
	flags := procexec.FdPerm(args[2])

	d, errt := vfs.Walk(ctx.Proc.Root, anchor, ustr.FromStr(path))
	if errt != 0 {
		return errt
	}
	fd, errt := procexec.OpenFd(d, flags)
	if errt != 0 {
		return errt
	}
	n := ctx.Proc.Fds.Install(fd)
	return defs.Err_t(n)
}

// sysRead implements read(fd, buf, count).
func sysRead(ctx *SyscallContext, args [6]uintptr) defs.Err_t {
	fd, ok := ctx.Proc.Fds.Get(int(int32(args[0])))
	if !ok {
		return defs.EBADF
	}
	tmp := make([]byte, args[2])
	n, errt := fd.Read(tmp)
	if errt != 0 {
		return errt
	}
	if _, errt := copyOutBytes(ctx, args[1], tmp[:n]); errt != 0 {
		return errt
	}
	return defs.Err_t(n)
}

// sysWrite implements write(fd, buf, count).
func sysWrite(ctx *SyscallContext, args [6]uintptr) defs.Err_t {
	fd, ok := ctx.Proc.Fds.Get(int(int32(args[0])))
	if !ok {
		return defs.EBADF
	}
	tmp := make([]byte, args[2])
	ub := ctx.Proc.AddressSpace.NewUserbuf(args[1], len(tmp))
	n, errt := ub.Uioread(tmp)
	if errt != 0 && n == 0 {
		return errt
	}
	wrote, errt := fd.Write(tmp[:n])
	if errt != 0 {
		return errt
	}
	return defs.Err_t(wrote)
}

// sysClose implements close(fd).
func sysClose(ctx *SyscallContext, args [6]uintptr) defs.Err_t {
	return ctx.Proc.Fds.Close(int(int32(args[0])))
}

// sysLseek implements lseek(fd, offset, whence).
func sysLseek(ctx *SyscallContext, args [6]uintptr) defs.Err_t {
	fd, ok := ctx.Proc.Fds.Get(int(int32(args[0])))
	if !ok {
		return defs.EBADF
	}
	pos, errt := fd.Seek(int64(args[1]), int(args[2]))
	if errt != 0 {
		return errt
	}
	return defs.Err_t(pos)
}

// sysFstatat implements fstatat(dirfd, pathname, statbuf, flags): walk
// to the inode, encode its stat.Stat_t, and copy the encoding out.
func sysFstatat(ctx *SyscallContext, args [6]uintptr) defs.Err_t {
	anchor, errt := resolveDirAnchor(ctx, int(int32(args[0])))
	if errt != 0 {
		return errt
	}
	path, errt := copyInString(ctx, args[1])
	if errt != 0 {
		return errt
	}
	d, errt := vfs.Walk(ctx.Proc.Root, anchor, ustr.FromStr(path))
	if errt != 0 {
		return errt
	}
	st := d.Inode.Stat()
	if _, errt := copyOutBytes(ctx, args[2], st.Bytes()); errt != 0 {
		return errt
	}
	return 0
}

// sysChdir implements chdir(pathname): walk to the target and replace
// the calling process's Cwd_t.
func sysChdir(ctx *SyscallContext, args [6]uintptr) defs.Err_t {
	anchor, _ := ctx.Proc.Cwd.Get()
	path, errt := copyInString(ctx, args[0])
	if errt != 0 {
		return errt
	}
	d, errt := vfs.Walk(ctx.Proc.Root, anchor, ustr.FromStr(path))
	if errt != 0 {
		return errt
	}
	if d.Inode.Type != vfs.TypeDir {
		return defs.ENOTDIR
	}
	newPath := path
	if !ustr.FromStr(path).IsAbsolute() {
		_, oldPath := ctx.Proc.Cwd.Get()
		newPath = joinPath(oldPath, path)
	}
	ctx.Proc.Cwd.Set(d, newPath)
	return 0
}

func joinPath(base, rel string) string {
	if base == "/" {
		return "/" + rel
	}
	return base + "/" + rel
}

// sysGetcwd implements getcwd(buf, size): copy the canonical path
// string (plus its NUL) out, or ERANGE-style failure via ENAMETOOLONG
// when it doesn't fit.
func sysGetcwd(ctx *SyscallContext, args [6]uintptr) defs.Err_t {
	_, path := ctx.Proc.Cwd.Get()
	need := len(path) + 1
	if uintptr(need) > args[1] {
		return defs.ENAMETOOLONG
	}
	out := make([]byte, need)
	copy(out, path)
	if _, errt := copyOutBytes(ctx, args[0], out); errt != 0 {
		return errt
	}
	return defs.Err_t(need)
}

// sysReadlinkat implements readlinkat(dirfd, pathname, buf, bufsiz).
// It resolves the parent directory through vfs.WalkParent rather than
// vfs.Walk so the final component's own symlink is inspected, not
// transparently followed the way every other path argument in this
// file wants it to be.
func sysReadlinkat(ctx *SyscallContext, args [6]uintptr) defs.Err_t {
	anchor, errt := resolveDirAnchor(ctx, int(int32(args[0])))
	if errt != 0 {
		return errt
	}
	path, errt := copyInString(ctx, args[1])
	if errt != 0 {
		return errt
	}
	parent, name, errt := vfs.WalkParent(ctx.Proc.Root, anchor, ustr.FromStr(path))
	if errt != 0 {
		return errt
	}
	d, errt := parent.Lookup(name)
	if errt != 0 {
		return errt
	}
	target, errt := d.Inode.Readlink()
	if errt != 0 {
		return errt
	}
	out := []byte(target)
	if uintptr(len(out)) > args[3] {
		out = out[:args[3]]
	}
	n, errt := copyOutBytes(ctx, args[2], out)
	if errt != 0 {
		return errt
	}
	return defs.Err_t(n)
}

// sysMmap implements mmap(addr, length, prot, flags, fd, offset) for
// the two cases this kernel's vm package distinguishes: fd == -1 is an
// anonymous mapping, anything else maps the descriptor's inode through
// the page cache.
func sysMmap(ctx *SyscallContext, args [6]uintptr) defs.Err_t {
	addr, length := args[0], int(args[1])
	prot := args[2]
	fd := int(int32(args[4]))
	offset := int64(args[5])

	flags := vmFlagsFromProt(prot, addr != 0)
	var (
		got uintptr
		err error
	)
	if fd < 0 {
		got, err = ctx.Proc.AddressSpace.MmapAnonymous(addr, length/pageSize(), flags)
	} else {
		f, ok := ctx.Proc.Fds.Get(fd)
		if !ok {
			return defs.EBADF
		}
		got, err = ctx.Proc.AddressSpace.MmapFile(addr, length/pageSize(), flags, f.Dentry.Inode.Pages(), offset)
	}
	if err != nil {
		return defs.ENOMEM
	}
	_ = got
	return 0
}

// sysMunmap implements munmap(addr, length).
func sysMunmap(ctx *SyscallContext, args [6]uintptr) defs.Err_t {
	if err := ctx.Proc.AddressSpace.Munmap(args[0], int(args[1])/pageSize()); err != nil {
		return defs.EINVAL
	}
	return 0
}

// sysMount implements mount(source, target, fstype, opts): copy in all
// four strings, walk target, and delegate to vfs.Mount.
func sysMount(ctx *SyscallContext, args [6]uintptr) defs.Err_t {
	source, errt := copyInString(ctx, args[0])
	if errt != 0 {
		return errt
	}
	targetPath, errt := copyInString(ctx, args[1])
	if errt != 0 {
		return errt
	}
	fstype, errt := copyInString(ctx, args[2])
	if errt != 0 {
		return errt
	}
	opts, errt := copyInString(ctx, args[3])
	if errt != 0 {
		return errt
	}
	anchor, _ := ctx.Proc.Cwd.Get()
	target, errt := vfs.Walk(ctx.Proc.Root, anchor, ustr.FromStr(targetPath))
	if errt != 0 {
		return errt
	}
	_, errt = vfs.Mount(source, target, fstype, opts)
	return errt
}

// sysUmount implements umount(target).
func sysUmount(ctx *SyscallContext, args [6]uintptr) defs.Err_t {
	targetPath, errt := copyInString(ctx, args[0])
	if errt != 0 {
		return errt
	}
	anchor, _ := ctx.Proc.Cwd.Get()
	target, errt := vfs.Walk(ctx.Proc.Root, anchor, ustr.FromStr(targetPath))
	if errt != 0 {
		return errt
	}
	vfs.Unmount(target)
	return 0
}

// sysMkdirat and sysUnlinkat have no VFS primitive to ground them on:
// the file_ops table (spec.md §4.9) exposes lookup/open/read/write/
// release/getpage/writepage/readlink/readdir/drop_inode only, with no create
// or unlink verb a filesystem can implement against. Rather than
// invent one, these two numbers are kept in the table (the
// representative list in spec.md §6 names them) and always fail.
func sysMkdirat(ctx *SyscallContext, args [6]uintptr) defs.Err_t { return defs.ENOSYS }
func sysUnlinkat(ctx *SyscallContext, args [6]uintptr) defs.Err_t { return defs.ENOSYS }

func pageSize() int { return mem.PGSIZE }

// vmFlagsFromProt maps a POSIX prot/flags bit pattern onto this
// kernel's own vm.MmapFlags, recognizing only the bits spec.md §4.4
// names (writable, exact placement).
func vmFlagsFromProt(prot uintptr, exact bool) vm.MmapFlags {
	const protWrite = 0x2
	return vm.MmapFlags{Exact: exact, Writable: prot&protWrite != 0, Shared: false}
}
