package userfs

import (
	"bytes"
	"context"
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mos-kernel/mos/ipc"
	"github.com/mos-kernel/mos/mem"
)

// runFakeIPCServer answers one RPC over desc using the same
// gob+ipc.Framer wire format ipcTransport speaks, standing in for a
// real userspace filesystem server on the other end of the channel.
func runFakeIPCServer(t *testing.T, desc *ipc.Descriptor, srv *fakeServer, done chan<- struct{}) {
	framer := ipc.NewFramer(desc)
	for {
		payload, err := framer.ReadFrame()
		if err != nil {
			close(done)
			return
		}
		var req Request
		require.NoError(t, gob.NewDecoder(bytes.NewReader(payload)).Decode(&req))

		resp := srv.handle(req)

		var buf bytes.Buffer
		require.NoError(t, gob.NewEncoder(&buf).Encode(resp))
		require.NoError(t, framer.WriteFrame(buf.Bytes()))
	}
}

func TestIPCTransportRoundtripsMount(t *testing.T) {
	frames := mem.NewAllocator(64)
	frames.AddAvailable(0, 64)

	ipcSrv, err := ipc.NewServer("userfs-fake", 4, frames)
	require.Zero(t, err)
	defer ipcSrv.Close()

	srv := newFakeServer()
	serverDone := make(chan struct{})
	clientDone := make(chan *ipc.Descriptor, 1)

	go func() {
		d, cerr := ipc.Connect(context.Background(), "userfs-fake", 4096)
		require.Zero(t, cerr)
		clientDone <- d
	}()

	serverDesc, aerr := ipcSrv.Accept(context.Background())
	require.Zero(t, aerr)
	go runFakeIPCServer(t, serverDesc, srv, serverDone)

	clientDesc := <-clientDone
	stub := NewStub(NewIPCTransport(clientDesc))

	info, handle, merr := stub.Mount("src", "")
	require.Zero(t, merr)
	require.Equal(t, Handle(1), handle)
	require.Equal(t, uint64(1), info.Ino)

	childInfo, childHandle, lerr := stub.Lookup(handle, "greeting.txt")
	require.Zero(t, lerr)
	require.Equal(t, Handle(2), childHandle)
	require.Equal(t, uint64(2), childInfo.Ino)

	require.NoError(t, clientDesc.Close())
	<-serverDone
}
