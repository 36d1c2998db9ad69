package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize guards against a corrupt or hostile length prefix
// asking for an unbounded allocation.
const maxFrameSize = 1 << 20

// Framer is the 4-byte length-prefixed message framing described but
// explicitly not mandated by spec.md §4.11 ("not part of the kernel's
// contract"). SPEC_FULL.md's C11 supplement builds it anyway, grounded
// on original_source/libs/libipc/libipc.cpp and librpc/rpc_client.cpp,
// both of which frame every message this exact way on top of the same
// two-ring channel — userfs's Stub needs precisely this to turn a
// byte-oriented Descriptor into a request/response boundary.
type Framer struct {
	rw io.ReadWriter
}

// NewFramer wraps rw (typically a *Descriptor) with length-prefixed
// framing.
func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{rw: rw}
}

// WriteFrame sends payload as one length-prefixed frame.
func (f *Framer) WriteFrame(payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("ipc: frame of %d bytes exceeds %d byte limit", len(payload), maxFrameSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := f.writeFull(hdr[:]); err != nil {
		return err
	}
	_, err := f.writeFull(payload)
	return err
}

// ReadFrame blocks for the next complete frame and returns its payload.
func (f *Framer) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(f.rw, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("ipc: peer announced a %d byte frame, exceeds %d byte limit", n, maxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(f.rw, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (f *Framer) writeFull(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := f.rw.Write(p[total:])
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
		total += n
	}
	return total, nil
}
