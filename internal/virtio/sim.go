package virtio

import "encoding/binary"

// notifyQueue is the device's side of request submission. A real
// virtio-blk device would service the queue on its own time and signal
// completion asynchronously through the interrupt controller; this
// simulation does the equivalent work synchronously on notify, since
// nothing here runs under a host hypervisor driving the device
// independently.
func (d *Device) notifyQueue(q uint32) {
	d.mu.Lock()

	availIdx := binary.LittleEndian.Uint16(d.arena.Bytes(d.availIdxAddr(), 2))
	for d.devAvailIdx != availIdx {
		slotAddr := d.availRingAddr(int(d.devAvailIdx) % DescNum)
		slot0 := int(binary.LittleEndian.Uint16(d.arena.Bytes(slotAddr, 2)))
		d.devAvailIdx++

		hdrAddr, _, _, next1 := d.readDesc(slot0)
		dataAddr, dataLen, dataFlags, next2 := d.readDesc(int(next1))
		statusAddr, _, _, _ := d.readDesc(int(next2))

		hdr := d.arena.Bytes(hdrAddr, 16)
		typ := binary.LittleEndian.Uint32(hdr[0:4])
		sector := binary.LittleEndian.Uint64(hdr[8:16])

		var opErr error
		if typ == reqTypeOut {
			opErr = d.backing.WriteAt(sector, d.arena.Bytes(dataAddr, int(dataLen)))
		} else {
			opErr = d.backing.ReadAt(sector, d.arena.Bytes(dataAddr, int(dataLen)))
		}
		_ = dataFlags

		result := byte(0)
		if opErr != nil {
			result = 1
		}
		d.arena.Bytes(statusAddr, 1)[0] = result

		usedSlot := int(d.devUsedIdx) % DescNum
		ring := d.arena.Bytes(d.usedRingAddr(usedSlot), 8)
		binary.LittleEndian.PutUint32(ring[0:4], uint32(slot0))
		binary.LittleEndian.PutUint32(ring[4:8], uint32(dataLen))
		d.devUsedIdx++
		binary.LittleEndian.PutUint16(d.arena.Bytes(d.usedIdxAddr(), 2), d.devUsedIdx)
	}

	status := d.readReg32(regInterruptStatus)
	d.writeReg32(regInterruptStatus, status|0x1)
	d.mu.Unlock()

	// Raise happens outside d.mu: the registered handler it triggers
	// (Interrupt) takes the same lock, and nothing here runs on a
	// separate hart the way real PLIC delivery would.
	if d.irq != nil {
		d.irq.Raise(d.irqLine)
	}
}
