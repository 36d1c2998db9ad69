package userfs

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mos-kernel/mos/defs"
	"github.com/mos-kernel/mos/mem"
	"github.com/mos-kernel/mos/ustr"
	"github.com/mos-kernel/mos/vfs"
)

// fakeNode is one object in an in-process fake server's tree.
type fakeNode struct {
	info     InodeInfo
	children map[string]Handle
	target   string // symlink
	data     []byte
	released bool
}

// fakeServer answers RPCs synchronously against a tiny fixed tree:
// / (dir) -> greeting.txt (regular, "hi from the fake server"), link
// (symlink -> /greeting.txt).
type fakeServer struct {
	nodes map[Handle]*fakeNode
}

func newFakeServer() *fakeServer {
	s := &fakeServer{nodes: make(map[Handle]*fakeNode)}

	greeting := &fakeNode{
		info: InodeInfo{Ino: 2, Type: vfs.TypeRegular, Mode: 0o644, Size: int64(len("hi from the fake server"))},
		data: []byte("hi from the fake server"),
	}
	s.nodes[2] = greeting

	link := &fakeNode{
		info:   InodeInfo{Ino: 3, Type: vfs.TypeSymlink, Mode: 0o777},
		target: "/greeting.txt",
	}
	s.nodes[3] = link

	root := &fakeNode{
		info:     InodeInfo{Ino: 1, Type: vfs.TypeDir, Mode: 0o755},
		children: map[string]Handle{"greeting.txt": 2, "link": 3},
	}
	s.nodes[1] = root

	return s
}

func (s *fakeServer) handle(req Request) Response {
	resp := Response{ID: req.ID}
	switch req.Op {
	case OpMount:
		root := s.nodes[1]
		resp.Inode = root.info
		resp.Handle = 1
	case OpLookup:
		parent, ok := s.nodes[req.Handle]
		if !ok {
			resp.Err = defs.ENOENT
			return resp
		}
		h, ok := parent.children[req.Name]
		if !ok {
			resp.Err = defs.ENOENT
			return resp
		}
		child := s.nodes[h]
		resp.Inode = child.info
		resp.Handle = h
	case OpReaddir:
		node, ok := s.nodes[req.Handle]
		if !ok {
			resp.Err = defs.ENOENT
			return resp
		}
		for name, h := range node.children {
			c := s.nodes[h]
			resp.Entries = append(resp.Entries, DirEntry{Ino: c.info.Ino, Name: name, Type: c.info.Type})
		}
	case OpReadlink:
		node, ok := s.nodes[req.Handle]
		if !ok {
			resp.Err = defs.ENOENT
			return resp
		}
		resp.Target = node.target
	case OpGetpage:
		node, ok := s.nodes[req.Handle]
		if !ok {
			resp.Err = defs.ENOENT
			return resp
		}
		start := req.Pgoff * int64(mem.PGSIZE)
		if start >= int64(len(node.data)) {
			resp.Data = make([]byte, mem.PGSIZE)
			return resp
		}
		end := start + int64(mem.PGSIZE)
		if end > int64(len(node.data)) {
			end = int64(len(node.data))
		}
		page := make([]byte, mem.PGSIZE)
		copy(page, node.data[start:end])
		resp.Data = page
	case OpRelease:
		node, ok := s.nodes[req.Handle]
		if !ok {
			resp.Err = defs.ENOENT
			return resp
		}
		node.released = true
	default:
		resp.Err = defs.EINVAL
	}
	return resp
}

// fakeTransport answers synchronously: Send stashes the request, Recv
// runs it against the server and returns its reply. dropOnce optionally
// injects one bogus-ID reply ahead of the real one, exercising the
// stub's correlate-by-id loop.
type fakeTransport struct {
	srv      *fakeServer
	pending  Request
	dropOnce bool
	dropped  bool
}

func (t *fakeTransport) Send(req Request) error {
	t.pending = req
	return nil
}

func (t *fakeTransport) Recv() (Response, error) {
	if t.dropOnce && !t.dropped {
		t.dropped = true
		return Response{ID: uuid.New()}, nil
	}
	return t.srv.handle(t.pending), nil
}

func newFixture(t *testing.T) (*Stub, *fakeServer) {
	srv := newFakeServer()
	return NewStub(&fakeTransport{srv: srv}), srv
}

func TestStubCallCorrelatesByID(t *testing.T) {
	srv := newFakeServer()
	stub := NewStub(&fakeTransport{srv: srv, dropOnce: true})

	info, handle, err := stub.Mount("src", "")
	require.Zero(t, err)
	require.Equal(t, Handle(1), handle)
	require.Equal(t, uint64(1), info.Ino)
}

func TestMountBeginRequiresServerOption(t *testing.T) {
	_, err := mountBegin("src", "")
	require.Equal(t, defs.EINVAL, err)
}

func TestMountBeginRejectsUnknownServer(t *testing.T) {
	_, err := mountBegin("src", "server=nope-does-not-exist")
	require.Equal(t, defs.ENODEV, err)
}

func TestMountBeginBuildsWalkableTree(t *testing.T) {
	frames := mem.NewAllocator(64)
	frames.AddAvailable(0, 64)
	SetFrameAllocator(frames)

	RegisterServer("fake-tree", func() (Transport, error) {
		return &fakeTransport{srv: newFakeServer()}, nil
	})
	vfs.RegisterFS(FSType)

	sb, err := mountBegin("src", "server=fake-tree")
	require.Zero(t, err)
	require.NotNil(t, sb.Root)
	require.Equal(t, vfs.TypeDir, sb.Root.Inode.Type)

	greeting, werr := vfs.Walk(sb.Root, sb.Root, ustr.FromStr("/greeting.txt"))
	require.Zero(t, werr)
	require.Equal(t, vfs.TypeRegular, greeting.Inode.Type)

	buf := make([]byte, 24)
	n, rerr := greeting.Inode.Read(buf, 0)
	require.Zero(t, rerr)
	require.Equal(t, "hi from the fake server", string(buf[:n]))

	link, lerr := vfs.Walk(sb.Root, sb.Root, ustr.FromStr("/link"))
	require.Zero(t, lerr)
	require.Equal(t, "greeting.txt", link.Name.String())

	entries, derr := sb.Root.Inode.Readdir()
	require.Zero(t, derr)
	require.Len(t, entries, 2)
}

func TestWriteIsRejectedReadOnly(t *testing.T) {
	stub, _ := newFixture(t)
	info, handle, err := stub.Mount("src", "")
	require.Zero(t, err)

	sb := vfs.NewSuperblock("userfs", mem.NewAllocator(0))
	ino := newVFSInode(sb, stub, info, handle)

	n, werr := ino.Write([]byte("nope"), 0)
	require.Equal(t, defs.EROFS, werr)
	require.Zero(t, n)
}

func TestDropInodeIssuesReleaseRPC(t *testing.T) {
	stub, srv := newFixture(t)
	childInfo, childHandle, err := stub.Lookup(1, "greeting.txt")
	require.Zero(t, err)

	sb := vfs.NewSuperblock("userfs", mem.NewAllocator(0))
	ino := newVFSInode(sb, stub, childInfo, childHandle)

	ino.Link()
	ino.Get()
	ino.Put()    // refcount 0, nlink still 1: not dropped yet
	require.False(t, srv.nodes[childHandle].released)

	ino.Unlink() // nlink 0 too: drops now, issuing the release RPC
	require.True(t, srv.nodes[childHandle].released)
}

func TestParseServerOpt(t *testing.T) {
	require.Equal(t, "", parseServerOpt(""))
	require.Equal(t, "", parseServerOpt("ro,noatime"))
	require.Equal(t, "myfs", parseServerOpt("server=myfs"))
	require.Equal(t, "myfs", parseServerOpt("ro,server=myfs,noatime"))
}
