// Package virtio implements the legacy virtio-MMIO block device
// register handshake, the split virtqueue, request submission, and
// interrupt completion.
//
// The register file and the descriptor/available/used rings live in a
// mem.Arena at the byte offsets the legacy virtio-MMIO header
// specifies, the same simulate-the-hardware approach internal/vm and
// internal/plic take. Since nothing here runs under a real QEMU,
// Device also plays the device's half of the handshake (servicing the
// avail ring on notify, raising the IRQ on the given interrupt
// controller) on its own goroutine, standing in for the independent
// hardware timeline a real device would run on.
package virtio

import (
	"encoding/binary"
	"sync"

	"github.com/copland-os/copland/internal/cpu"
	"github.com/copland-os/copland/internal/kernerr"
	"github.com/copland-os/copland/internal/klock"
	"github.com/copland-os/copland/internal/mem"
)

// Identification constants the legacy virtio-MMIO header specifies.
const (
	Magic     = 0x74726976
	Version   = 1
	DeviceID  = 2
	VendorID  = 0x554d4551
	blkSector = 512
)

// Status register bits (legacy virtio device status byte).
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusDriverOK    = 1 << 2
	StatusFeaturesOK  = 1 << 3
)

// Feature bits the driver refuses during negotiation.
const (
	featRO              = 1 << 5
	featSCSI            = 1 << 7
	featConfigWCE       = 1 << 11
	featMQ              = 1 << 12
	featAnyLayout       = 1 << 27
	featRingIndirectDsc = 1 << 28
	featRingEventIdx    = 1 << 29
)

var unsupportedFeatures uint32 = featRO | featSCSI | featConfigWCE | featMQ | featAnyLayout | featRingIndirectDsc | featRingEventIdx

// Register byte offsets within the device's MMIO window, laid out
// bit-compatibly with the legacy virtio-MMIO header.
const (
	regMagic           = 0x000
	regVersion         = 0x004
	regDeviceID        = 0x008
	regVendorID        = 0x00c
	regHostFeatures    = 0x010
	regGuestFeatures   = 0x020
	regGuestPageSize   = 0x028
	regQueueSel        = 0x030
	regQueueNumMax     = 0x034
	regQueueNum        = 0x038
	regQueuePFN        = 0x040
	regQueueNotify     = 0x050
	regInterruptStatus = 0x060
	regInterruptACK    = 0x064
	regStatus          = 0x070
	regConfig          = 0x100

	pageSize = 4096
	// DescNum is the split virtqueue's descriptor-ring size.
	DescNum = 8

	descSize = 16

	descFlagNext  = 1
	descFlagWrite = 2

	reqTypeIn  = 0 // VIRTIO_BLK_T_IN: device writes into the driver's buffer
	reqTypeOut = 1 // VIRTIO_BLK_T_OUT: driver's buffer is written to the device
)

var availBase uintptr = DescNum * descSize

// Op selects the direction of a BlockOp.
type Op int

const (
	// Read means the device fills the caller's buffer from disk.
	Read Op = iota
	// Write means the caller's buffer is written to disk.
	Write
)

// Backing is the storage underneath the simulated device: a sector
// granular random-access store. ArenaBacking and FileBacking both
// satisfy it.
type Backing interface {
	ReadAt(sector uint64, buf []byte) error
	WriteAt(sector uint64, buf []byte) error
	Capacity() uint64 // in sectors
}

// IRQRaiser is the wire between this device and an interrupt
// controller; plic.Controller satisfies it.
type IRQRaiser interface {
	Raise(source int)
}

// Device is the driver-facing register handshake, virtqueue
// bookkeeping, and request protocol, plus (since there is no real
// silicon under this simulation) the device-side servicing that makes
// it all observable from a single-process test.
type Device struct {
	arena *mem.Arena
	base  uintptr
	alloc mem.Allocator
	lock  *klock.KernelLock
	cs    *cpu.State

	backing Backing
	irq     IRQRaiser
	irqLine int

	mu sync.Mutex

	queueBase   uintptr
	dataScratch uintptr
	free        [DescNum]bool
	complete    [DescNum]bool
	status      [DescNum]byte
	scratch     map[int]scratchSlots

	driverUsedIdx uint16 // our shadow of used.ring_idx
	devAvailIdx   uint16 // the device's own shadow of avail.idx
	devUsedIdx    uint16 // the device's own shadow of used.idx, mirrored into the ring
}

// scratchSlots records the physical addresses of the request header
// and status byte backing one outstanding three-descriptor chain, so
// BlockOp can free them once the chain completes.
type scratchSlots struct {
	header uintptr
	status uintptr
}

// NewDevice attaches a virtio-blk device at base within arena, backed
// by storage and wired to raise irqLine on irq once a request
// completes. cs is the hart's cpu.State, the one BlockOp's wait_intr
// poll runs under. The MMIO registers are pre-populated as a real
// device's firmware would have left them (magic/version/ids/host
// features/queue_num_max/config capacity), so Init can proceed exactly
// as a driver talking to real hardware would.
func NewDevice(arena *mem.Arena, base uintptr, alloc mem.Allocator, lock *klock.KernelLock, cs *cpu.State, backing Backing, irq IRQRaiser, irqLine int) *Device {
	d := &Device{
		arena:   arena,
		base:    base,
		alloc:   alloc,
		lock:    lock,
		cs:      cs,
		backing: backing,
		irq:     irq,
		irqLine: irqLine,
		scratch: map[int]scratchSlots{},
	}
	d.writeReg32(regMagic, Magic)
	d.writeReg32(regVersion, Version)
	d.writeReg32(regDeviceID, DeviceID)
	d.writeReg32(regVendorID, VendorID)
	d.writeReg32(regHostFeatures, unsupportedFeatures) // advertise everything the driver must reject
	d.writeReg32(regQueueNumMax, DescNum)
	binary.LittleEndian.PutUint64(d.arena.Bytes(base+regConfig, 8), backing.Capacity())
	return d
}

func (d *Device) readReg32(off uintptr) uint32 {
	return binary.LittleEndian.Uint32(d.arena.Bytes(d.base+off, 4))
}

func (d *Device) writeReg32(off uintptr, v uint32) {
	binary.LittleEndian.PutUint32(d.arena.Bytes(d.base+off, 4), v)
}

// Capacity reads the config area's capacity field, in 512-byte
// sectors.
func (d *Device) Capacity() uint64 {
	return binary.LittleEndian.Uint64(d.arena.Bytes(d.base+regConfig, 8))
}

// Init runs the seven-step initialization sequence: identify the
// device, acknowledge it, negotiate features, mark driver-ok, set the
// guest page size, and size and allocate the virtqueue. Ordering
// matters: the device identification, feature negotiation, and queue
// setup are only valid performed in this order.
func (d *Device) Init() {
	if d.readReg32(regMagic) != Magic || d.readReg32(regVersion) != Version ||
		d.readReg32(regDeviceID) != DeviceID || d.readReg32(regVendorID) != VendorID {
		panic("virtio: device identification mismatch")
	}

	d.writeReg32(regStatus, StatusAcknowledge)
	d.writeReg32(regStatus, StatusAcknowledge|StatusDriver)

	host := d.readReg32(regHostFeatures)
	guest := host &^ unsupportedFeatures
	d.writeReg32(regGuestFeatures, guest)

	d.writeReg32(regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
	d.writeReg32(regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)

	d.writeReg32(regGuestPageSize, pageSize)

	d.writeReg32(regQueueSel, 0)
	if d.readReg32(regQueueNumMax) < DescNum {
		panic("virtio: device advertises fewer than DESC_NUM queue slots")
	}
	d.writeReg32(regQueueNum, DescNum)

	pages, ok := d.alloc.Alloc(mem.Layout{Size: 2 * pageSize, Align: pageSize})
	if !ok {
		panic("virtio: out of memory allocating the virtqueue")
	}
	d.arena.Zero(pages, 2*pageSize)
	d.queueBase = pages
	d.writeReg32(regQueuePFN, uint32(pages>>12))

	for i := range d.free {
		d.free[i] = true
		d.complete[i] = false
	}
}

func (d *Device) descAddr(i int) uintptr  { return d.queueBase + uintptr(i)*descSize }
func (d *Device) availFlagsAddr() uintptr { return d.queueBase + availBase }
func (d *Device) availIdxAddr() uintptr   { return d.queueBase + availBase + 2 }
func (d *Device) availRingAddr(j int) uintptr {
	return d.queueBase + availBase + 4 + uintptr(j)*2
}
func (d *Device) usedBase() uintptr    { return d.queueBase + pageSize }
func (d *Device) usedIdxAddr() uintptr { return d.usedBase() + 2 }
func (d *Device) usedRingAddr(j int) uintptr {
	return d.usedBase() + 4 + uintptr(j)*8
}

func (d *Device) writeDesc(i int, addr uintptr, length uint32, flags uint16, next uint16) {
	b := d.arena.Bytes(d.descAddr(i), descSize)
	le := binary.LittleEndian
	le.PutUint64(b[0:8], uint64(addr))
	le.PutUint32(b[8:12], length)
	le.PutUint16(b[12:14], flags)
	le.PutUint16(b[14:16], next)
}

func (d *Device) readDesc(i int) (addr uintptr, length uint32, flags uint16, next uint16) {
	b := d.arena.Bytes(d.descAddr(i), descSize)
	le := binary.LittleEndian
	return uintptr(le.Uint64(b[0:8])), le.Uint32(b[8:12]), le.Uint16(b[12:14]), le.Uint16(b[14:16])
}

// allocDesc3 allocates three free descriptor slots atomically. Caller
// must hold d.mu.
func (d *Device) allocDesc3() (int, int, int) {
	got := make([]int, 0, 3)
	for i, free := range d.free {
		if free {
			got = append(got, i)
			if len(got) == 3 {
				break
			}
		}
	}
	if len(got) < 3 {
		panic("virtio: fewer than three free descriptor slots")
	}
	for _, i := range got {
		d.free[i] = false
	}
	return got[0], got[1], got[2]
}

func (d *Device) dataScratchAddr() uintptr {
	if d.dataScratch == 0 {
		addr, ok := d.alloc.Alloc(mem.Layout{Size: blkSector, Align: blkSector})
		if !ok {
			panic("virtio: out of memory allocating the data scratch page")
		}
		d.dataScratch = addr
	}
	return d.dataScratch
}

// BlockOp runs the nine-step request-submission protocol: it builds a
// three-descriptor chain (request header, data buffer,
// status byte), publishes it to the avail ring, notifies the device,
// and blocks on the kernel lock's wait_intr() until the matching
// completion is observed, then frees the chain.
func (d *Device) BlockOp(buf []byte, sector uint64, op Op) error {
	if len(buf) != blkSector {
		return &kernerr.DiskError{Kind: kernerr.ErrDiskUnknown}
	}

	d.mu.Lock()
	slot0, slot1, slot2 := d.allocDesc3()

	hdrAddr, ok := d.alloc.Alloc(mem.Layout{Size: 16, Align: 8})
	if !ok {
		panic("virtio: out of memory allocating a request header")
	}
	statusAddr, ok := d.alloc.Alloc(mem.Layout{Size: 1, Align: 1})
	if !ok {
		panic("virtio: out of memory allocating a status byte")
	}
	d.scratch[slot0] = scratchSlots{header: hdrAddr, status: statusAddr}
	dataAddr := d.dataScratchAddr()

	typ := uint32(reqTypeIn)
	if op == Write {
		typ = reqTypeOut
	}
	hdr := d.arena.Bytes(hdrAddr, 16)
	le := binary.LittleEndian
	le.PutUint32(hdr[0:4], typ)
	le.PutUint32(hdr[4:8], 0)
	le.PutUint64(hdr[8:16], sector)

	if op == Write {
		copy(d.arena.Bytes(dataAddr, blkSector), buf)
	}

	d.writeDesc(slot0, hdrAddr, 16, descFlagNext, uint16(slot1))
	dataFlags := uint16(descFlagNext)
	if op == Read {
		dataFlags |= descFlagWrite
	}
	d.writeDesc(slot1, dataAddr, blkSector, dataFlags, uint16(slot2))
	d.writeDesc(slot2, statusAddr, 1, descFlagWrite, 0)

	d.status[slot0] = 0xff
	d.complete[slot0] = false

	idx := binary.LittleEndian.Uint16(d.arena.Bytes(d.availIdxAddr(), 2))
	binary.LittleEndian.PutUint16(d.arena.Bytes(d.availRingAddr(int(idx)%DescNum), 2), uint16(slot0))
	// memory fence: publication must be visible before avail.idx advances
	binary.LittleEndian.PutUint16(d.arena.Bytes(d.availIdxAddr(), 2), idx+1)
	// memory fence: avail.idx must be visible before the device is notified
	d.mu.Unlock()

	// The real device services the queue and raises its IRQ
	// asynchronously; a goroutine stands in for that independent
	// hardware timeline, the same way klock's spinlock assumes another
	// hart (here, another goroutine) is what eventually calls
	// CompleteIntr.
	go d.notifyQueue(0)

	for !d.completeSlot(slot0) {
		d.lock.WaitIntr(d.cs)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.alloc.Dealloc(hdrAddr, mem.Layout{Size: 16, Align: 8})
	d.alloc.Dealloc(statusAddr, mem.Layout{Size: 1, Align: 1})
	delete(d.scratch, slot0)

	for _, i := range [3]int{slot0, slot1, slot2} {
		d.free[i] = true
	}

	if op == Read {
		copy(buf, d.arena.Bytes(dataAddr, blkSector))
	}
	return nil
}

func (d *Device) completeSlot(slot int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.complete[slot]
}

// Interrupt runs the interrupt-handler protocol: it acknowledges the
// interrupt-status register, then drains every newly
// completed entry from the used ring, marking the matching slot
// complete and panicking if the device reported a nonzero status.
func (d *Device) Interrupt() {
	d.mu.Lock()
	defer d.mu.Unlock()

	status := d.readReg32(regInterruptStatus)
	d.writeReg32(regInterruptACK, status&0x3)
	// full memory fence: the ack must land before the used ring is read

	usedIdx := binary.LittleEndian.Uint16(d.arena.Bytes(d.usedIdxAddr(), 2))
	for d.driverUsedIdx != usedIdx {
		ring := d.arena.Bytes(d.usedRingAddr(int(d.driverUsedIdx)%DescNum), 8)
		id := int(binary.LittleEndian.Uint32(ring[0:4]))

		if slots, ok := d.scratch[id]; ok {
			d.status[id] = d.arena.Bytes(slots.status, 1)[0]
		}
		if d.status[id] != 0 {
			panic("virtio: device reported nonzero request status")
		}
		d.complete[id] = true
		d.driverUsedIdx++
	}
}

// ReadSector and WriteSector adapt BlockOp to the fat.BlockDevice
// shape internal/fat's BlockFS consumes, so a *Device can sit directly
// underneath it without fat importing virtio.
func (d *Device) ReadSector(sector uint64, buf []byte) error {
	return d.BlockOp(buf, sector, Read)
}

func (d *Device) WriteSector(sector uint64, buf []byte) error {
	return d.BlockOp(buf, sector, Write)
}

// QueueStatus is a point-in-time snapshot of the split virtqueue's
// descriptor ring, for the debug console (cmd/kmon) to render.
type QueueStatus struct {
	FreeDescs      int
	DriverUsedIdx  uint16
	InFlightSlots  []int
}

// Snapshot returns the virtqueue's current descriptor occupancy.
func (d *Device) Snapshot() QueueStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	free := 0
	var inFlight []int
	for i, isFree := range d.free {
		if isFree {
			free++
		} else if !d.complete[i] {
			inFlight = append(inFlight, i)
		}
	}
	return QueueStatus{
		FreeDescs:     free,
		DriverUsedIdx: d.driverUsedIdx,
		InFlightSlots: inFlight,
	}
}
