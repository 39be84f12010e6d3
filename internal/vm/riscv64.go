package vm

import "github.com/copland-os/copland/internal/arch"

// RISCV64Codec encodes Entry values the way Sv39 page-table entries do:
// V/R/W/X/U permission bits at the bottom of the word, the physical
// page number shifted into bits [10:53], and the Svpbmt memory-type
// bits [61:62] distinguishing device from normal memory (0b00 =
// PMA/normal, 0b01 = NC/IO -- we use the IO encoding for device MMIO
// ranges).
type RISCV64Codec struct{}

const (
	rvV = 1 << 0
	rvR = 1 << 1
	rvW = 1 << 2
	rvX = 1 << 3
	rvU = 1 << 4
	rvA = 1 << 6
	rvD = 1 << 7

	rvPPNShift = 10
	rvPBMTBit  = 61
)

func (RISCV64Codec) Encode(e Entry) uint64 {
	if !e.Valid {
		return 0
	}
	raw := uint64(rvV)
	ppn := uint64(e.Frame) >> arch.PageShift
	raw |= ppn << rvPPNShift

	if !e.Leaf {
		return raw
	}

	if e.Perms.R {
		raw |= rvR
	}
	if e.Perms.W {
		raw |= rvW
		raw |= rvD
	}
	if e.Perms.X {
		raw |= rvX
	}
	if e.Perms.U {
		raw |= rvU
	}
	raw |= rvA
	if e.Attr == AttrDevice {
		raw |= uint64(0b01) << rvPBMTBit
	}
	return raw
}

func (RISCV64Codec) Decode(raw uint64) Entry {
	if raw&rvV == 0 {
		return Entry{}
	}
	ppn := (raw >> rvPPNShift) & ((1 << 44) - 1)
	frame := uintptr(ppn) << arch.PageShift

	leaf := raw&(rvR|rvW|rvX) != 0
	if !leaf {
		return Entry{Valid: true, Leaf: false, Frame: frame}
	}

	attr := AttrNormal
	if (raw>>rvPBMTBit)&0b11 == 0b01 {
		attr = AttrDevice
	}
	return Entry{
		Valid: true,
		Leaf:  true,
		Frame: frame,
		Perms: arch.Perms{
			R: raw&rvR != 0,
			W: raw&rvW != 0,
			X: raw&rvX != 0,
			U: raw&rvU != 0,
		},
		Attr: attr,
	}
}
