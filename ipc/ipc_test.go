package ipc

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mos-kernel/mos/defs"
	"github.com/mos-kernel/mos/mem"
)

func newFrames(t *testing.T) *mem.Allocator {
	f := mem.NewAllocator(64)
	f.AddAvailable(0, 64)
	return f
}

func TestConnectFailsOnUnknownServer(t *testing.T) {
	_, err := Connect(context.Background(), "does-not-exist", 256)
	require.Equal(t, defs.ENOENT, err)
}

func TestConnectAcceptHandshake(t *testing.T) {
	srv, err := NewServer("echo", 4, newFrames(t))
	require.Zero(t, err)
	defer srv.Close()

	clientDone := make(chan *Descriptor, 1)
	go func() {
		d, cerr := Connect(context.Background(), "echo", 256)
		require.Zero(t, cerr)
		clientDone <- d
	}()

	server, aerr := srv.Accept(context.Background())
	require.Zero(t, aerr)
	require.NotNil(t, server)

	client := <-clientDone
	require.NotNil(t, client)

	n, werr := client.Write([]byte("ping"))
	require.NoError(t, werr)
	require.Equal(t, 4, n)

	buf := make([]byte, 4)
	n, rerr := server.Read(buf)
	require.NoError(t, rerr)
	require.Equal(t, "ping", string(buf[:n]))

	n, werr = server.Write([]byte("pong"))
	require.NoError(t, werr)
	require.Equal(t, 4, n)

	n, rerr = client.Read(buf)
	require.NoError(t, rerr)
	require.Equal(t, "pong", string(buf[:n]))
}

func TestCloseDrainsThenEOF(t *testing.T) {
	srv, err := NewServer("drain", 4, newFrames(t))
	require.Zero(t, err)
	defer srv.Close()

	clientDone := make(chan *Descriptor, 1)
	go func() {
		d, _ := Connect(context.Background(), "drain", 256)
		clientDone <- d
	}()
	server, _ := srv.Accept(context.Background())
	client := <-clientDone

	_, werr := client.Write([]byte("leftover"))
	require.NoError(t, werr)
	require.NoError(t, client.Close())

	buf := make([]byte, 8)
	n, rerr := server.Read(buf)
	require.NoError(t, rerr)
	require.Equal(t, "leftover", string(buf[:n]))

	n, rerr = server.Read(buf)
	require.Equal(t, io.EOF, rerr)
	require.Zero(t, n)
}

func TestWriteAfterPeerCloseReturnsErrClosed(t *testing.T) {
	srv, err := NewServer("writeclosed", 4, newFrames(t))
	require.Zero(t, err)
	defer srv.Close()

	clientDone := make(chan *Descriptor, 1)
	go func() {
		d, _ := Connect(context.Background(), "writeclosed", 256)
		clientDone <- d
	}()
	server, _ := srv.Accept(context.Background())
	client := <-clientDone

	require.NoError(t, server.Close())

	_, werr := client.Write([]byte("x"))
	require.ErrorIs(t, werr, ErrClosed)
}

func TestPendingFIFOBoundsConcurrentConnects(t *testing.T) {
	srv, err := NewServer("bounded", 1, newFrames(t))
	require.Zero(t, err)
	defer srv.Close()

	firstConnected := make(chan struct{})
	go func() {
		d, cerr := Connect(context.Background(), "bounded", 256)
		require.Zero(t, cerr)
		close(firstConnected)
		_ = d
	}()

	secondBlocked := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, cerr := Connect(ctx, "bounded", 256)
		require.Equal(t, defs.EAGAIN, cerr)
		close(secondBlocked)
	}()

	select {
	case <-secondBlocked:
	case <-time.After(2 * time.Second):
		t.Fatal("second connect never unblocked from its own timeout")
	}

	server, aerr := srv.Accept(context.Background())
	require.Zero(t, aerr)
	require.NotNil(t, server)
	<-firstConnected
}

func TestFramerRoundtrip(t *testing.T) {
	srv, err := NewServer("framed", 4, newFrames(t))
	require.Zero(t, err)
	defer srv.Close()

	clientDone := make(chan *Descriptor, 1)
	go func() {
		d, _ := Connect(context.Background(), "framed", 512)
		clientDone <- d
	}()
	server, _ := srv.Accept(context.Background())
	client := <-clientDone

	clientFramer := NewFramer(client)
	serverFramer := NewFramer(server)

	require.NoError(t, clientFramer.WriteFrame([]byte("hello frame")))
	payload, rerr := serverFramer.ReadFrame()
	require.NoError(t, rerr)
	require.Equal(t, "hello frame", string(payload))

	require.NoError(t, clientFramer.WriteFrame(nil))
	payload, rerr = serverFramer.ReadFrame()
	require.NoError(t, rerr)
	require.Empty(t, payload)
}
