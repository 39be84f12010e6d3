// Package uart implements the 8250-style serial console peripheral
// klog writes its trace/banner lines to, simulated the same way
// internal/plic and internal/virtio simulate their register files --
// as byte offsets inside a mem.Arena rather than real MMIO.
package uart

import (
	"io"
	"sync"

	"github.com/copland-os/copland/internal/mem"
)

// Register byte offsets, one byte each, matching the 8250 layout the
// original driver programs.
const (
	regTHR = 0 // transmit holding (write) / RBR receive buffer (read) / DLL (DLAB=1)
	regIER = 1 // interrupt enable / DLH (DLAB=1)
	regIIR = 2 // interrupt ident (read) / FCR fifo control (write)
	regLCR = 3 // line control
	regMCR = 4 // modem control
	regLSR = 5 // line status
	regMSR = 6 // modem status
	regSR  = 7 // scratch
)

const (
	lsrDataReady       = 1 << 0
	lsrTransmitterIdle = 1 << 5 | 1<<6 // THRE | TEMT
	lcrDLAB            = 1 << 7
)

// Console is a memory-mapped 8250 UART. Since nothing here runs
// against real silicon, sink stands in for whatever is on the other
// end of the wire (os.Stdout in a real boot, a bytes.Buffer in tests),
// and Feed stands in for a byte arriving from that far end.
type Console struct {
	arena *mem.Arena
	base  uintptr
	sink  io.Writer

	mu  sync.Mutex
	rx  []byte
}

// NewConsole attaches a UART register file at base within arena,
// writing transmitted bytes to sink.
func NewConsole(arena *mem.Arena, base uintptr, sink io.Writer) *Console {
	return &Console{arena: arena, base: base, sink: sink}
}

func (c *Console) readReg(i int) byte {
	return c.arena.Bytes(c.base+uintptr(i), 1)[0]
}

func (c *Console) writeReg(i int, v byte) {
	c.arena.Bytes(c.base+uintptr(i), 1)[0] = v
}

// Init programs the UART the standard 16550 way: disable interrupts,
// set the divisor latch to 1 (DLL=1, DLH=0: the highest rate the input
// clock allows, 115200 baud at the usual 1.8432 MHz), 8N1 framing,
// enable and clear the FIFOs, then enable the receive-data-available
// and transmit-holding-empty interrupts.
func (c *Console) Init() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeReg(regIER, 0)
	c.writeReg(regLCR, lcrDLAB)
	c.writeReg(regTHR, 0x01) // DLL
	c.writeReg(regIER, 0x00) // DLH
	c.writeReg(regLCR, 0b11)
	c.writeReg(regIIR, 0b111) // FCR
	c.writeReg(regIER, 0b11)
	c.writeReg(regLSR, lsrTransmitterIdle)
}

// PutByte busy-waits for the transmit holding register to be empty
// (always true in this simulation -- the sink is written synchronously,
// so there is never a backlog) and transmits one byte.
func (c *Console) PutByte(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.readReg(regLSR)&lsrTransmitterIdle == 0 {
	}
	c.writeReg(regTHR, b)
	if c.sink != nil {
		c.sink.Write([]byte{b})
	}
}

// Write satisfies io.Writer so klog.Logger can write straight to a
// Console the way it writes to any other sink.
func (c *Console) Write(p []byte) (int, error) {
	for _, b := range p {
		c.PutByte(b)
	}
	return len(p), nil
}

// Feed simulates a byte arriving from the far end of the wire (a
// keyboard, a host terminal), making it visible to the next GetByte.
func (c *Console) Feed(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rx = append(c.rx, b)
	c.writeReg(regLSR, c.readReg(regLSR)|lsrDataReady)
}

// GetByte pops the next received byte, if any, per the original's
// getc(): LSR bit 0 set means RBR holds a byte.
func (c *Console) GetByte() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readReg(regLSR)&lsrDataReady == 0 {
		return 0, false
	}
	b := c.rx[0]
	c.rx = c.rx[1:]
	if len(c.rx) == 0 {
		c.writeReg(regLSR, c.readReg(regLSR)&^lsrDataReady)
	}
	return b, true
}

// Interrupt drains every byte currently queued. There is no keyboard
// daemon on the other end yet, so drained bytes are simply discarded.
func (c *Console) Interrupt() {
	for {
		if _, ok := c.GetByte(); !ok {
			return
		}
	}
}
