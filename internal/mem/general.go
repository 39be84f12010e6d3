package mem

import "sync"

// freeBlock is one entry in General's free list: a run of addr..addr+size
// that is available for reuse.
type freeBlock struct {
	addr uintptr
	size uintptr
}

// General is a free-capable allocator (it has no realloc), an
// alternative to Watermark for callers that need to give memory back,
// guarded by its own mutex so it is safe to call under the kernel lock from more than
// one logical caller. It is a first-fit free-list allocator over the
// same Arena abstraction Watermark uses, simplified to first-fit since
// this kernel is single-core and never contends the free list under
// real concurrency, only under the serialization the kernel lock
// already provides.
type General struct {
	mu    sync.Mutex
	arena *Arena
	free  []freeBlock
}

// NewGeneral creates a free-list allocator that starts out owning the
// entire arena.
func NewGeneral(a *Arena) *General {
	return &General{arena: a, free: []freeBlock{{addr: a.PhysBase, size: uintptr(a.Len())}}}
}

// Alloc finds the first free block large enough to satisfy l once
// aligned, splits off any remainder, and returns the aligned address.
func (g *General) Alloc(l Layout) (uintptr, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, b := range g.free {
		start := alignUp(b.addr, l.Align)
		pad := start - b.addr
		need := pad + l.Size
		if need > b.size {
			continue
		}
		rem := b.size - need
		remAddr := start + l.Size
		// pad bytes between b.addr and start are not returned to the
		// free list -- they are lost until the whole block is freed and
		// re-coalesced. Only matters for allocations with alignment
		// stricter than the block's natural address, which is rare
		// enough here not to warrant a second free-list entry per call.
		if rem == 0 {
			g.free = append(g.free[:i], g.free[i+1:]...)
		} else {
			g.free[i] = freeBlock{addr: remAddr, size: rem}
		}
		return start, true
	}
	return 0, false
}

// Dealloc returns [addr, addr+l.Size) to the free list, coalescing with
// any adjacent free block so fragmentation does not grow unbounded
// across the kernel's lifetime.
func (g *General) Dealloc(addr uintptr, l Layout) {
	g.mu.Lock()
	defer g.mu.Unlock()

	blk := freeBlock{addr: addr, size: l.Size}
	merged := make([]freeBlock, 0, len(g.free)+1)
	for _, b := range g.free {
		switch {
		case b.addr+b.size == blk.addr:
			blk.addr = b.addr
			blk.size += b.size
		case blk.addr+blk.size == b.addr:
			blk.size += b.size
		default:
			merged = append(merged, b)
			continue
		}
	}
	merged = append(merged, blk)
	g.free = merged
}
