package userfs

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/mos-kernel/mos/ipc"
)

// ipcTransport is the concrete Transport carrying userfs RPCs over an
// ipc.Descriptor (C11), framed with ipc.Framer's 4-byte length prefix
// and gob-encoded — no library in the pack offers a generic struct
// codec for a hand-authored RPC message without a code-generation step
// (protobuf appears only via prometheus's already-compiled client_model
// types), so this one wire-format choice stays on the standard library.
type ipcTransport struct {
	framer *ipc.Framer
}

// NewIPCTransport wraps an already-connected ipc.Descriptor (the
// client side of an ipc.Connect to the filesystem's named server) as a
// userfs Transport.
func NewIPCTransport(desc *ipc.Descriptor) Transport {
	return &ipcTransport{framer: ipc.NewFramer(desc)}
}

func (t *ipcTransport) Send(req Request) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return fmt.Errorf("userfs: encode request: %w", err)
	}
	return t.framer.WriteFrame(buf.Bytes())
}

func (t *ipcTransport) Recv() (Response, error) {
	payload, err := t.framer.ReadFrame()
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("userfs: decode response: %w", err)
	}
	return resp, nil
}
