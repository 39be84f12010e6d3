// Package plic models the interrupt-controller half of the kernel:
// the Platform-Level Interrupt Controller a RISC-V machine exposes
// (and the equivalent register shape this kernel assumes on every
// board).
//
// Register state lives inside a mem.Arena at the board descriptor's
// configured byte offsets, the same simulate-the-hardware approach
// internal/vm takes for page tables -- so a test can assert against
// the real offsets a driver would compute, without any real MMIO.
package plic

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/copland-os/copland/internal/mem"
)

// Register layout constants for the PLIC's memory map: priority
// words start at the controller's base; per-hart enable words sit at
// base+0x2000+hart*0x100+0x80; per-hart threshold at
// base+0x200000+hart*0x2000+0x1000; claim/complete is the word right
// after threshold.
const (
	enableBase            = 0x2000
	enableHartStride      = 0x100
	enableWordOffset      = 0x80
	thresholdBase         = 0x200000
	thresholdHartStride   = 0x2000
	thresholdWordOffset   = 0x1000
	claimOffsetFromThresh = 4
	priorityWordSize      = 4

	// MaxSources bounds this simplified model to one 32-bit enable word
	// per hart context (real silicon spans multiple words for >32
	// sources; this kernel's board never wires more than a handful of
	// interrupt lines, so one word is sufficient).
	MaxSources = 32
)

// Controller is one hart's view of the PLIC: it owns the MMIO register
// words backing its own hart context, plus the priority words shared
// by all harts.
type Controller struct {
	arena *mem.Arena
	base  uintptr
	hart  int

	mu      sync.Mutex
	pending map[int]bool
}

// NewController attaches a PLIC view at base within arena for the
// given hart. Multiple Controllers over the same arena and base (one
// per hart) share the priority words and each have independent
// enable/threshold/claim words, matching real PLIC hart-context
// striding.
func NewController(arena *mem.Arena, base uintptr, hart int) *Controller {
	return &Controller{arena: arena, base: base, hart: hart, pending: map[int]bool{}}
}

func (c *Controller) priorityAddr(source int) uintptr {
	return c.base + uintptr(source)*priorityWordSize
}

func (c *Controller) enableAddr() uintptr {
	return c.base + enableBase + uintptr(c.hart)*enableHartStride + enableWordOffset
}

func (c *Controller) thresholdAddr() uintptr {
	return c.base + thresholdBase + uintptr(c.hart)*thresholdHartStride + thresholdWordOffset
}

func (c *Controller) claimAddr() uintptr {
	return c.thresholdAddr() + claimOffsetFromThresh
}

func (c *Controller) readWord(addr uintptr) uint32 {
	return binary.LittleEndian.Uint32(c.arena.Bytes(addr, 4))
}

func (c *Controller) writeWord(addr uintptr, v uint32) {
	binary.LittleEndian.PutUint32(c.arena.Bytes(addr, 4), v)
}

// InitIRQ enables source at this hart and programs its priority.
func (c *Controller) InitIRQ(source int, priority uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeWord(c.priorityAddr(source), priority)
	word := c.readWord(c.enableAddr())
	word |= 1 << uint(source)
	c.writeWord(c.enableAddr(), word)
}

// SetThreshold programs the hart's interrupt priority threshold;
// claims only surface sources with a strictly higher priority.
func (c *Controller) SetThreshold(level uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeWord(c.thresholdAddr(), level)
}

// Raise is the device side of this simulation: whatever stands in for
// the wire between a peripheral and the PLIC calls Raise to assert an
// interrupt source, making it visible to the next ReadClaim.
func (c *Controller) Raise(source int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[source] = true
}

// ReadClaim is the PLIC claim register read: it returns the highest
// priority pending, enabled source above the hart's threshold (ties
// broken by the lowest source number), and clears that source's
// pending state as real hardware does on claim.
func (c *Controller) ReadClaim() (irq int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	threshold := c.readWord(c.thresholdAddr())
	enabled := c.readWord(c.enableAddr())

	sources := make([]int, 0, len(c.pending))
	for src := range c.pending {
		sources = append(sources, src)
	}
	sort.Ints(sources)

	best := -1
	var bestPrio uint32
	for _, src := range sources {
		if !c.pending[src] || enabled&(1<<uint(src)) == 0 {
			continue
		}
		prio := c.readWord(c.priorityAddr(src))
		if prio <= threshold {
			continue
		}
		if best == -1 || prio > bestPrio {
			best, bestPrio = src, prio
		}
	}
	if best == -1 {
		c.writeWord(c.claimAddr(), 0)
		return 0, false
	}
	delete(c.pending, best)
	c.writeWord(c.claimAddr(), uint32(best))
	return best, true
}

// SendComplete is the PLIC complete-register write for irq. This model
// keeps no in-service state: a claimed source becomes claimable again
// as soon as Raise is called, whether or not SendComplete came first.
func (c *Controller) SendComplete(irq int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeWord(c.claimAddr(), 0)
}
