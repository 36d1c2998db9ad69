package ipc

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/mos-kernel/mos/circbuf"
	"github.com/mos-kernel/mos/mem"
)

// ErrClosed is returned by Write once the peer has closed its end,
// mirroring spec.md §4.11's "writes return EPIPE".
var ErrClosed = errors.New("ipc: channel closed")

type side int

const (
	clientSide side = iota
	serverSide
)

// channel is the shared state behind one connected pair: two rings,
// client→server and server→client, each with its own circbuf.Circbuf_t
// and its own close flag, guarded by one mutex/condition pair since
// both rings change together often enough that splitting locks buys
// little.
type channel struct {
	mu   sync.Mutex
	cond *sync.Cond

	c2s, s2c circbuf.Circbuf_t

	clientClosed bool
	serverClosed bool
}

func newChannel(bufferSize int, frames *mem.Allocator) *channel {
	half := bufferSize / 2
	if half <= 0 || half > mem.PGSIZE {
		half = mem.PGSIZE
	}
	ch := &channel{}
	ch.cond = sync.NewCond(&ch.mu)
	ch.c2s.Cb_init(half, frames)
	ch.s2c.Cb_init(half, frames)
	return ch
}

// Descriptor is one end of a connected IPC channel (IPCDescriptor in
// spec.md §4.11's naming) — read/write are blocking and byte-oriented.
type Descriptor struct {
	ch   *channel
	side side
}

// rings returns (read-from, write-to) for this descriptor's side.
func (d *Descriptor) rings() (read, write *circbuf.Circbuf_t) {
	if d.side == clientSide {
		return &d.ch.s2c, &d.ch.c2s
	}
	return &d.ch.c2s, &d.ch.s2c
}

func (d *Descriptor) peerClosed() bool {
	if d.side == clientSide {
		return d.ch.serverClosed
	}
	return d.ch.clientClosed
}

func (d *Descriptor) selfClosed() bool {
	if d.side == clientSide {
		return d.ch.clientClosed
	}
	return d.ch.serverClosed
}

// Read blocks until at least one byte is available, the peer closes
// (returning io.EOF once the ring drains), or the ring yields data
// immediately.
func (d *Descriptor) Read(p []byte) (int, error) {
	read, _ := d.rings()
	ch := d.ch
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for read.Empty() {
		if d.peerClosed() {
			return 0, io.EOF
		}
		ch.cond.Wait()
	}
	var buf bytes.Buffer
	n, err := read.Copyout_n(&buf, len(p))
	if err != nil {
		return 0, err
	}
	copy(p, buf.Bytes())
	ch.cond.Broadcast()
	return n, nil
}

// Write blocks until all of p has been copied into the outbound ring,
// returning ErrClosed if the peer has already closed its read side.
func (d *Descriptor) Write(p []byte) (int, error) {
	_, write := d.rings()
	ch := d.ch
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if d.peerClosed() || d.selfClosed() {
		return 0, ErrClosed
	}

	total := 0
	for total < len(p) {
		for write.Full() {
			if d.peerClosed() || d.selfClosed() {
				return total, ErrClosed
			}
			ch.cond.Wait()
		}
		n, err := write.Copyin(bytes.NewReader(p[total:]))
		if err != nil {
			return total, err
		}
		if n == 0 {
			ch.cond.Wait()
			continue
		}
		total += n
		ch.cond.Broadcast()
	}
	return total, nil
}

// Close marks this side closed: the peer's subsequent reads drain
// whatever remains, then return io.EOF, and its writes return
// ErrClosed, per spec.md §4.11's close semantics.
func (d *Descriptor) Close() error {
	ch := d.ch
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if d.side == clientSide {
		ch.clientClosed = true
	} else {
		ch.serverClosed = true
	}
	ch.cond.Broadcast()
	return nil
}
