package procexec

import (
	"sync"

	"github.com/mos-kernel/mos/defs"
	"github.com/mos-kernel/mos/vfs"
)

// FdPerm are the permission/flag bits an open file descriptor carries,
// per biscuit's fd.Fd_t (FD_READ/FD_WRITE/FD_CLOEXEC).
type FdPerm int

const (
	FDRead FdPerm = 1 << iota
	FDWrite
	FDCloseOnExec
)

// Fd_t is one open file descriptor: a pinned dentry plus the cursor
// and permission bits syscalls (openat/read/write/lseek/close) operate
// through, grounded on biscuit's fd.Fd_t/Cwd_t split (fd/fd.go).
type Fd_t struct {
	mu     sync.Mutex
	Dentry *vfs.Dentry
	offset int64
	Perms  FdPerm
}

// OpenFd pins dentry (Get()'s its inode) and calls its file_ops.open,
// returning a ready-to-use Fd_t.
func OpenFd(d *vfs.Dentry, perms FdPerm) (*Fd_t, defs.Err_t) {
	d.Inode.Get()
	if errt := d.Inode.Open(); errt != 0 {
		d.Inode.Put()
		return nil, errt
	}
	return &Fd_t{Dentry: d, Perms: perms}, 0
}

// Read implements the read() syscall's core: read at the descriptor's
// current cursor, advancing it by however many bytes were actually read.
func (f *Fd_t) Read(dst []byte) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Perms&FDRead == 0 {
		return 0, defs.EBADF
	}
	n, errt := f.Dentry.Inode.Read(dst, f.offset)
	if errt != 0 {
		return 0, errt
	}
	f.offset += int64(n)
	return n, 0
}

// Write implements the write() syscall's core, symmetric to Read.
func (f *Fd_t) Write(src []byte) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Perms&FDWrite == 0 {
		return 0, defs.EBADF
	}
	n, errt := f.Dentry.Inode.Write(src, f.offset)
	if errt != 0 {
		return 0, errt
	}
	f.offset += int64(n)
	return n, 0
}

// Seek values for whence, matching lseek's SEEK_SET/SEEK_CUR/SEEK_END.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Seek repositions the descriptor's cursor, implementing lseek.
func (f *Fd_t) Seek(off int64, whence int) (int64, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = f.offset
	case SeekEnd:
		base = f.Dentry.Inode.Size()
	default:
		return 0, defs.EINVAL
	}
	n := base + off
	if n < 0 {
		return 0, defs.EINVAL
	}
	f.offset = n
	return n, 0
}

// Close releases the descriptor's pin on its inode, implementing
// close().
func (f *Fd_t) Close() defs.Err_t {
	errt := f.Dentry.Inode.Release()
	f.Dentry.Inode.Put()
	return errt
}

// FdTable is a process's open file descriptor table: a small-integer
// index into live *Fd_t entries, lowest-number-first allocation
// matching POSIX's "lowest available fd" rule.
type FdTable struct {
	mu  sync.Mutex
	fds map[int]*Fd_t
}

// NewFdTable returns an empty descriptor table.
func NewFdTable() *FdTable {
	return &FdTable{fds: make(map[int]*Fd_t)}
}

// Install assigns fd the lowest unused descriptor number and returns it.
func (t *FdTable) Install(fd *Fd_t) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for {
		if _, used := t.fds[n]; !used {
			break
		}
		n++
	}
	t.fds[n] = fd
	return n
}

// Get returns the descriptor installed at n, if any.
func (t *FdTable) Get(n int) (*Fd_t, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd, ok := t.fds[n]
	return fd, ok
}

// Close removes and closes the descriptor at n.
func (t *FdTable) Close(n int) defs.Err_t {
	t.mu.Lock()
	fd, ok := t.fds[n]
	if ok {
		delete(t.fds, n)
	}
	t.mu.Unlock()
	if !ok {
		return defs.EBADF
	}
	return fd.Close()
}

// Cwd_t tracks a process's current working directory, per biscuit's
// fd.Cwd_t: the resolved dentry plus its canonical path string, kept
// in lockstep so getcwd() never has to re-walk the tree.
type Cwd_t struct {
	mu     sync.Mutex
	Dentry *vfs.Dentry
	Path   string
}

// NewCwd returns a Cwd_t rooted at root with path "/".
func NewCwd(root *vfs.Dentry) *Cwd_t {
	return &Cwd_t{Dentry: root, Path: "/"}
}

// Get returns the current directory dentry and its canonical path.
func (c *Cwd_t) Get() (*vfs.Dentry, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Dentry, c.Path
}

// Set updates the current directory, implementing chdir's post-walk
// bookkeeping.
func (c *Cwd_t) Set(d *vfs.Dentry, path string) {
	c.mu.Lock()
	c.Dentry, c.Path = d, path
	c.mu.Unlock()
}
