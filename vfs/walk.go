package vfs

import (
	"github.com/mos-kernel/mos/defs"
	"github.com/mos-kernel/mos/ustr"
)

// MaxSymlinkDepth bounds symlink recursion, per spec.md §4.9's "hard
// recursion limit, default 40".
const MaxSymlinkDepth = 40

// Walk resolves path starting from anchor (the process cwd or a mount
// root, per spec.md §4.9 — the caller picks which before calling),
// jumping to root on a leading '/' or an absolute symlink target.
func Walk(root, anchor *Dentry, path ustr.Ustr) (*Dentry, defs.Err_t) {
	return walk(root, anchor, path, 0)
}

func walk(root, anchor *Dentry, path ustr.Ustr, depth int) (*Dentry, defs.Err_t) {
	if depth > MaxSymlinkDepth {
		return nil, defs.ELOOP
	}
	cur := anchor
	if path.IsAbsolute() {
		cur = root
	}
	cur = mounts.crossIfMounted(cur)
	for _, comp := range path.Components() {
		next, err := step(root, cur, comp, depth)
		if err != 0 {
			return nil, err
		}
		cur = next
	}
	return cur, 0
}

// WalkParent resolves every component of path except the last
// (following symlinks along the way exactly as Walk does), returning
// the parent directory and the final component unresolved. Syscalls
// that operate on the name itself rather than what it points to
// (readlink, and any future create/unlink primitive) need this instead
// of Walk, which would otherwise transparently dereference a
// final-component symlink the caller wants to inspect, not follow.
func WalkParent(root, anchor *Dentry, path ustr.Ustr) (*Dentry, ustr.Ustr, defs.Err_t) {
	comps := path.Components()
	if len(comps) == 0 {
		return nil, nil, defs.EINVAL
	}
	cur := anchor
	if path.IsAbsolute() {
		cur = root
	}
	cur = mounts.crossIfMounted(cur)
	for _, comp := range comps[:len(comps)-1] {
		next, err := step(root, cur, comp, 0)
		if err != 0 {
			return nil, nil, err
		}
		cur = next
	}
	return cur, comps[len(comps)-1], 0
}

// step resolves one path component from cur, handling '.', '..', mount
// crossings, and symlink expansion.
func step(root, cur *Dentry, name ustr.Ustr, depth int) (*Dentry, defs.Err_t) {
	if name.Isdot() {
		return cur, 0
	}
	if name.Isdotdot() {
		if cur.Parent == nil {
			return cur, 0 // already at a root; '..' of root is itself
		}
		return cur.Parent, 0
	}

	next, err := cur.Lookup(name)
	if err != 0 {
		return nil, err
	}
	next = mounts.crossIfMounted(next)

	if next.Inode.Type == TypeSymlink {
		target, lerr := next.Inode.Readlink()
		if lerr != 0 {
			return nil, lerr
		}
		return walk(root, next.Parent, ustr.FromStr(target), depth+1)
	}
	return next, 0
}
