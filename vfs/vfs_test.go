package vfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mos-kernel/mos/defs"
	"github.com/mos-kernel/mos/mem"
	"github.com/mos-kernel/mos/ustr"
)

// memNode is a minimal in-memory filesystem node used to exercise the
// dentry/inode/walk machinery without a real backing store.
type memNode struct {
	children map[string]*memNode
	ino      *Inode
	data     []byte
	target   string // symlink target
}

func newMemFS(t *testing.T) (*Superblock, *Dentry) {
	frames := mem.NewAllocator(256)
	frames.AddAvailable(0, 256)
	sb := NewSuperblock("memfs", frames)

	rootNode := &memNode{children: make(map[string]*memNode)}
	rootOps := &FileOps{Lookup: memLookup(rootNode)}
	rootNode.ino = NewInode(sb, sb.AllocIno(), TypeDir, 0o755, rootOps)
	rootNode.ino.Private = rootNode
	root := NewDentry(ustr.MkUstrRoot(), nil, rootNode.ino)
	sb.Root = root

	sub := &memNode{children: make(map[string]*memNode)}
	sub.ino = NewInode(sb, sb.AllocIno(), TypeDir, 0o755, &FileOps{Lookup: memLookup(sub)})
	sub.ino.Private = sub
	rootNode.children["sub"] = sub

	file := &memNode{data: []byte("hello world")}
	file.ino = NewInode(sb, sb.AllocIno(), TypeRegular, 0o644, memFileOps())
	file.ino.Private = file
	file.ino.Link()
	sub.children["f.txt"] = file

	link := &memNode{target: "/sub/f.txt"}
	link.ino = NewInode(sb, sb.AllocIno(), TypeSymlink, 0o777, &FileOps{
		Readlink: func(ino *Inode) (string, defs.Err_t) { return link.target, 0 },
	})
	link.ino.Private = link
	link.ino.Link()
	rootNode.children["link"] = link

	return sb, root
}

func memLookup(n *memNode) func(*Inode, ustr.Ustr) (*Inode, defs.Err_t) {
	return func(parent *Inode, name ustr.Ustr) (*Inode, defs.Err_t) {
		child, ok := n.children[name.String()]
		if !ok {
			return nil, defs.ENOENT
		}
		return child.ino, 0
	}
}

func memFileOps() *FileOps {
	return &FileOps{
		Getpage: func(ino *Inode, pgoff int64, frames *mem.Allocator) (mem.PFN, error) {
			mn := ino.Private.(*memNode)
			pfn, err := frames.Allocate(0)
			if err != nil {
				return 0, err
			}
			frames.Zero(pfn)
			start := pgoff * int64(mem.PGSIZE)
			if start < int64(len(mn.data)) {
				end := start + int64(mem.PGSIZE)
				if end > int64(len(mn.data)) {
					end = int64(len(mn.data))
				}
				copy(frames.Bytes(pfn), mn.data[start:end])
			}
			return pfn, nil
		},
		Writepage: func(ino *Inode, pgoff int64, pfn mem.PFN) error {
			mn := ino.Private.(*memNode)
			start := int(pgoff) * mem.PGSIZE
			need := start + mem.PGSIZE
			if len(mn.data) < need {
				grown := make([]byte, need)
				copy(grown, mn.data)
				mn.data = grown
			}
			copy(mn.data[start:start+mem.PGSIZE], ino.Sb.Frames.Bytes(pfn))
			return nil
		},
	}
}

func TestWalkResolvesNestedPath(t *testing.T) {
	_, root := newMemFS(t)
	d, err := Walk(root, root, ustr.FromStr("/sub/f.txt"))
	require.Zero(t, err)
	require.Equal(t, "f.txt", d.Name.String())
	require.Equal(t, TypeRegular, d.Inode.Type)
}

func TestWalkHandlesDotDot(t *testing.T) {
	_, root := newMemFS(t)
	d, err := Walk(root, root, ustr.FromStr("/sub/../sub/f.txt"))
	require.Zero(t, err)
	require.Equal(t, "f.txt", d.Name.String())
}

func TestWalkExpandsSymlink(t *testing.T) {
	_, root := newMemFS(t)
	d, err := Walk(root, root, ustr.FromStr("/link"))
	require.Zero(t, err)
	require.Equal(t, "f.txt", d.Name.String())
}

func TestWalkMissingComponentIsENOENT(t *testing.T) {
	_, root := newMemFS(t)
	_, err := Walk(root, root, ustr.FromStr("/sub/nope"))
	require.Equal(t, defs.ENOENT, err)
}

func TestWalkCrossesMountpoint(t *testing.T) {
	_, root := newMemFS(t)
	mountedSb, mountedRoot := newMemFS(t)
	_ = mountedSb

	mountpoint, err := Walk(root, root, ustr.FromStr("/sub"))
	require.Zero(t, err)
	mounts.graft(mountpoint, mountedRoot)
	defer mounts.ungraft(mountpoint)

	d, err := Walk(root, root, ustr.FromStr("/sub/sub/f.txt"))
	require.Zero(t, err)
	require.Equal(t, "f.txt", d.Name.String())
}

func TestReadWriteThroughPageCache(t *testing.T) {
	_, root := newMemFS(t)
	d, err := Walk(root, root, ustr.FromStr("/sub/f.txt"))
	require.Zero(t, err)

	buf := make([]byte, 5)
	n, rerr := d.Inode.Read(buf, 0)
	require.Zero(t, rerr)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))

	n, werr := d.Inode.Write([]byte("HELLO!"), 0)
	require.Zero(t, werr)
	require.Equal(t, 6, n)

	readBack := make([]byte, 6)
	n, rerr = d.Inode.Read(readBack, 0)
	require.Zero(t, rerr)
	require.Equal(t, "HELLO!", string(readBack[:n]))
}

func TestInodeDropsOnceUnpinned(t *testing.T) {
	_, root := newMemFS(t)
	d, err := Walk(root, root, ustr.FromStr("/sub/f.txt"))
	require.Zero(t, err)

	dropped := false
	d.Inode.Ops.DropInode = func(ino *Inode) { dropped = true }

	d.Inode.Get()
	d.Inode.Put() // refcount 0, but nlink still 1
	require.False(t, dropped)

	d.Inode.Unlink() // nlink 0, refcount already 0: drops now
	require.True(t, dropped)
}

func TestMountRegistryRoundtrip(t *testing.T) {
	frames := mem.NewAllocator(64)
	frames.AddAvailable(0, 64)
	RegisterFS(&FSType{
		Name: "test-regfs",
		MountBegin: func(source, opts string) (*Superblock, defs.Err_t) {
			sb := NewSuperblock("test-regfs", frames)
			rootIno := NewInode(sb, sb.AllocIno(), TypeDir, 0o755, &FileOps{})
			sb.Root = NewDentry(ustr.MkUstrRoot(), nil, rootIno)
			return sb, 0
		},
	})

	_, root := newMemFS(t)
	target, err := Walk(root, root, ustr.FromStr("/sub"))
	require.Zero(t, err)

	sb, merr := Mount("source", target, "test-regfs", "")
	require.Zero(t, merr)
	require.NotNil(t, sb)
	defer Unmount(target)

	resolved, werr := Walk(root, root, ustr.FromStr("/sub"))
	require.Zero(t, werr)
	require.Same(t, sb.Root.Inode, resolved.Inode)
}
