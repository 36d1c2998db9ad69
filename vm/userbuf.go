package vm

import (
	"fmt"

	"github.com/mos-kernel/mos/defs"
	"github.com/mos-kernel/mos/mem"
)

// Userbuf is grounded on biscuit's vm/userbuf.go Userbut_t: a cursor
// over a range of user virtual memory that syscalls copy into/out of
// one page at a time, faulting pages in as it goes via the owning
// AddressSpace's fault dispatcher. biscuit serves each page through
// Userdmap8_inner's Dmap lookup; here GetPhysAddr+frames.Bytes plays
// the same role once HandleFault has ensured the page is resident.
type Userbuf struct {
	as     *AddressSpace
	frames *mem.Allocator
	uva    uintptr
	len    int
	off    int
}

// NewUserbuf initializes a cursor over [uva, uva+n) in as.
func NewUserbuf(as *AddressSpace, frames *mem.Allocator, uva uintptr, n int) *Userbuf {
	if n < 0 {
		panic("vm: negative userbuf length")
	}
	return &Userbuf{as: as, frames: frames, uva: uva, len: n}
}

// NewUserbuf is the same cursor, constructed from the address space's
// own frame allocator so syscall handlers don't need to thread a
// *mem.Allocator alongside every AddressSpace they already hold.
func (as *AddressSpace) NewUserbuf(uva uintptr, n int) *Userbuf {
	return NewUserbuf(as, as.frames, uva, n)
}

// Remain returns the number of unconsumed bytes left in the buffer.
func (ub *Userbuf) Remain() int { return ub.len - ub.off }

// Totalsz reports the total size of the buffer in bytes.
func (ub *Userbuf) Totalsz() int { return ub.len }

// Uioread copies from user memory into dst, returning bytes copied.
func (ub *Userbuf) Uioread(dst []byte) (int, defs.Err_t) { return ub.tx(dst, false) }

// Uiowrite copies from src into user memory, returning bytes copied.
func (ub *Userbuf) Uiowrite(src []byte) (int, defs.Err_t) { return ub.tx(src, true) }

// tx copies min(len(buf), ub.Remain()) bytes, one page at a time,
// faulting each destination/source page in as needed. If an error
// occurs partway through, ub.off reflects the bytes already
// transferred so the caller can restart or report a short count.
func (ub *Userbuf) tx(buf []byte, write bool) (int, defs.Err_t) {
	ret := 0
	for len(buf) != 0 && ub.off != ub.len {
		va := ub.uva + uintptr(ub.off)
		page := va &^ uintptr(mem.PGOFFSET)
		voff := int(va & uintptr(mem.PGOFFSET))

		if _, ok := ub.as.pt.GetPhysAddr(page); !ok {
			if errc := ub.as.HandleFault(page, write, false, true); errc != 0 {
				return ret, errc
			}
		} else if write {
			// a present read-only/COW page must still run the fault
			// path so a kernel-initiated write triggers copy-on-write,
			// mirroring biscuit's k2u distinction in Userdmap8_inner.
			if errc := ub.as.HandleFault(page, true, false, true); errc != 0 {
				return ret, errc
			}
		}
		pfn, ok := ub.as.pt.GetPhysAddr(page)
		if !ok {
			return ret, defs.EFAULT
		}
		pbytes := ub.frames.Bytes(pfn)[voff:]

		n := len(buf)
		if n > len(pbytes) {
			n = len(pbytes)
		}
		remain := ub.len - ub.off
		if n > remain {
			n = remain
		}
		if write {
			copy(pbytes[:n], buf[:n])
		} else {
			copy(buf[:n], pbytes[:n])
		}
		buf = buf[n:]
		ub.off += n
		ret += n
	}
	return ret, 0
}

// String implements fmt.Stringer for debugging.
func (ub *Userbuf) String() string {
	return fmt.Sprintf("userbuf{uva=%#x len=%d off=%d}", ub.uva, ub.len, ub.off)
}
