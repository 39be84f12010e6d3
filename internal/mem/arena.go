// Package mem implements the kernel heap allocator, and the
// physical-memory arena every other core component allocates out of.
//
// A real port of this kernel hands out raw physical addresses; since
// nothing here boots on real hardware, an Arena is instead a host
// []byte standing in for physical RAM, addressed the same way a real
// [heap_start, heap_end) range would be.
package mem

import "fmt"

// Arena is a contiguous span of simulated physical memory. Addresses
// handed out by an Arena are offsets from PhysBase, so code written
// against a real physical address space and code written against an
// Arena agree on the numbers in play.
type Arena struct {
	PhysBase uintptr
	buf      []byte
}

// NewArena allocates an in-process arena of size bytes based at
// physBase. This is the default: a plain Go slice, no file or mmap
// involved.
func NewArena(physBase uintptr, size int) *Arena {
	return &Arena{PhysBase: physBase, buf: make([]byte, size)}
}

// Len reports the arena's size in bytes.
func (a *Arena) Len() int { return len(a.buf) }

// End returns the arena's exclusive upper physical bound.
func (a *Arena) End() uintptr { return a.PhysBase + uintptr(len(a.buf)) }

// Contains reports whether addr falls within [PhysBase, End()).
func (a *Arena) Contains(addr uintptr) bool {
	return addr >= a.PhysBase && addr < a.End()
}

// Bytes returns a []byte view of length n starting at physical address
// addr. It panics if the requested range falls outside the arena -- an
// out-of-bounds physical access here is a programming bug in the
// caller, the same class of fatal condition as an out-of-memory or
// misaligned allocation.
func (a *Arena) Bytes(addr uintptr, n int) []byte {
	if addr < a.PhysBase || uintptr(n) > a.End()-addr {
		panic(fmt.Sprintf("mem: out-of-bounds arena access at %#x len %d", addr, n))
	}
	off := addr - a.PhysBase
	return a.buf[off : off+uintptr(n)]
}

// Zero zeroes n bytes starting at addr.
func (a *Arena) Zero(addr uintptr, n int) {
	b := a.Bytes(addr, n)
	for i := range b {
		b[i] = 0
	}
}
