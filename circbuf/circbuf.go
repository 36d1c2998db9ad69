// Package circbuf implements a single-reader/single-writer circular
// byte buffer backed by a physical frame from mem.Allocator, the way
// biscuit's circbuf.go backs pipes and TCP socket buffers with a
// Page_i-allocated page. That interface (Page_i/Pa_t/Refpg_new_nozero)
// belonged to biscuit's on-disk vnode-centric allocator and does not
// exist on the rewritten C1 frame manager, so Cb_init_phys/Cb_ensure
// are rebuilt here against mem.Allocator/mem.PFN directly; the
// head/tail/wraparound arithmetic and the Rawread/Rawwrite zero-copy
// accessors are otherwise unchanged from the teacher.
//
// This is the buffer C11's IPC channels thread their ring traffic
// through.
package circbuf

import (
	"io"

	"github.com/mos-kernel/mos/mem"
)

// Circbuf_t is not safe for concurrent use; callers (e.g. the IPC
// channel) supply their own synchronization.
type Circbuf_t struct {
	frames *mem.Allocator
	pfn    mem.PFN
	hasPfn bool

	Buf   []uint8
	bufsz int
	head  int
	tail  int
}

// Bufsz returns the configured buffer size.
func (cb *Circbuf_t) Bufsz() int { return cb.bufsz }

// Set provides an existing byte slice directly, bypassing frame
// allocation (used for IPC buffers the caller already owns).
func (cb *Circbuf_t) Set(nb []uint8, head int) {
	cb.Buf = nb
	cb.bufsz = len(nb)
	cb.head = head
	cb.tail = 0
}

// Cb_init records the intended size and lazily allocates its backing
// frame on first use, so allocation failure surfaces at the first
// read/write rather than at construction.
func (cb *Circbuf_t) Cb_init(sz int, frames *mem.Allocator) {
	if sz <= 0 || sz > mem.PGSIZE {
		panic("bad circbuf size")
	}
	cb.frames = frames
	cb.bufsz = sz
	cb.head, cb.tail = 0, 0
}

// Cb_init_phys supplies a preallocated, already-referenced frame to
// back the buffer.
func (cb *Circbuf_t) Cb_init_phys(pfn mem.PFN, frames *mem.Allocator) {
	cb.frames = frames
	cb.frames.Ref(pfn)
	cb.pfn = pfn
	cb.hasPfn = true
	cb.Buf = frames.Bytes(pfn)
	cb.bufsz = len(cb.Buf)
	cb.head, cb.tail = 0, 0
}

// Cb_release drops the reference to the backing frame.
func (cb *Circbuf_t) Cb_release() {
	if cb.Buf == nil {
		return
	}
	if cb.hasPfn {
		cb.frames.Unref(cb.pfn)
		cb.hasPfn = false
	}
	cb.Buf = nil
	cb.head, cb.tail = 0, 0
}

// Cb_ensure guarantees that the buffer is backed by a frame,
// allocating one on first use.
func (cb *Circbuf_t) Cb_ensure() error {
	if cb.Buf != nil {
		return nil
	}
	if cb.bufsz == 0 {
		panic("circbuf: not initialized")
	}
	pfn, err := cb.frames.Allocate(0)
	if err != nil {
		return err
	}
	// Allocate's reference becomes the buffer's own, and the size set
	// by Cb_init is kept rather than widened to the whole frame.
	cb.pfn = pfn
	cb.hasPfn = true
	cb.Buf = cb.frames.Bytes(pfn)[:cb.bufsz]
	cb.head, cb.tail = 0, 0
	return nil
}

// Full returns true when the buffer cannot accept more data.
func (cb *Circbuf_t) Full() bool { return cb.head-cb.tail == cb.bufsz }

// Empty reports whether the buffer contains any data.
func (cb *Circbuf_t) Empty() bool { return cb.head == cb.tail }

// Left returns the remaining capacity in bytes.
func (cb *Circbuf_t) Left() int { return cb.bufsz - (cb.head - cb.tail) }

// Used returns the current number of bytes in the buffer.
func (cb *Circbuf_t) Used() int { return cb.head - cb.tail }

// Copyin reads from src into the circular buffer, wrapping as needed.
func (cb *Circbuf_t) Copyin(src io.Reader) (int, error) {
	if err := cb.Cb_ensure(); err != nil {
		return 0, err
	}
	if cb.Full() {
		return 0, nil
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	if ti <= hi {
		dst := cb.Buf[hi:]
		wrote, err := src.Read(dst)
		if err != nil && err != io.EOF {
			return 0, err
		}
		if wrote != len(dst) {
			cb.head += wrote
			return wrote, nil
		}
		c += wrote
		hi = (cb.head + wrote) % cb.bufsz
	}
	if hi > ti {
		panic("circbuf: bad wraparound state")
	}
	dst := cb.Buf[hi:ti]
	wrote, err := src.Read(dst)
	c += wrote
	if err != nil && err != io.EOF {
		return c, err
	}
	cb.head += c
	return c, nil
}

// Copyout writes the entire buffer contents to dst.
func (cb *Circbuf_t) Copyout(dst io.Writer) (int, error) {
	return cb.Copyout_n(dst, 0)
}

// Copyout_n writes up to max bytes of the buffer to dst (0 means no limit).
func (cb *Circbuf_t) Copyout_n(dst io.Writer, max int) (int, error) {
	if err := cb.Cb_ensure(); err != nil {
		return 0, err
	}
	if cb.Empty() {
		return 0, nil
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	if hi <= ti {
		src := cb.Buf[ti:]
		if max != 0 && max < len(src) {
			src = src[:max]
		}
		wrote, err := dst.Write(src)
		if err != nil {
			return 0, err
		}
		if wrote != len(src) || wrote == max {
			cb.tail += wrote
			return wrote, nil
		}
		c += wrote
		if max != 0 {
			max -= c
		}
		ti = (cb.tail + wrote) % cb.bufsz
	}
	if ti > hi {
		panic("circbuf: bad wraparound state")
	}
	src := cb.Buf[ti:hi]
	if max != 0 && max < len(src) {
		src = src[:max]
	}
	wrote, err := dst.Write(src)
	if err != nil {
		return 0, err
	}
	c += wrote
	cb.tail += c
	return c, nil
}

// Rawwrite exposes a slice for writing directly to the buffer. It
// returns up to two slices when the region wraps.
func (cb *Circbuf_t) Rawwrite(offset, sz int) ([]uint8, []uint8) {
	if cb.Buf == nil {
		panic("circbuf: not backed")
	}
	if cb.Left() < sz {
		panic("circbuf: bad size")
	}
	if sz == 0 {
		return nil, nil
	}
	oi := (cb.head + offset) % cb.bufsz
	oe := (cb.head + offset + sz) % cb.bufsz
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	var r1, r2 []uint8
	if ti <= hi {
		if (oi >= ti && oi < hi) || (oe > ti && oe <= hi) {
			panic("circbuf: intersects with user data")
		}
		r1 = cb.Buf[oi:]
		if len(r1) > sz {
			r1 = r1[:sz]
		} else {
			r2 = cb.Buf[:oe]
		}
	} else {
		if !(oi >= hi && oi < ti && oe > hi && oe <= ti) {
			panic("circbuf: intersects with user data")
		}
		r1 = cb.Buf[oi:oe]
	}
	return r1, r2
}

// Advhead advances the head index, exposing previously written bytes for reading.
func (cb *Circbuf_t) Advhead(sz int) {
	if cb.Full() || cb.Left() < sz {
		panic("circbuf: advancing full buffer")
	}
	cb.head += sz
}

// Rawread returns slices referencing the buffer starting at offset.
// It may return two slices when the data wraps.
func (cb *Circbuf_t) Rawread(offset int) ([]uint8, []uint8) {
	if cb.Buf == nil {
		panic("circbuf: not backed")
	}
	oi := (cb.tail + offset) % cb.bufsz
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	var r1, r2 []uint8
	if ti < hi {
		if oi >= hi || oi < ti {
			panic("circbuf: outside user data")
		}
		r1 = cb.Buf[oi:hi]
	} else {
		if oi >= hi && oi < ti {
			panic("circbuf: outside user data")
		}
		tlen := len(cb.Buf[ti:])
		if tlen > offset {
			r1 = cb.Buf[oi:]
			r2 = cb.Buf[:hi]
		} else {
			roff := offset - tlen
			r1 = cb.Buf[roff:hi]
		}
	}
	return r1, r2
}

// Advtail advances the tail index after data has been consumed.
func (cb *Circbuf_t) Advtail(sz int) {
	if sz != 0 && (cb.Empty() || cb.Used() < sz) {
		panic("circbuf: advancing empty buffer")
	}
	cb.tail += sz
}
