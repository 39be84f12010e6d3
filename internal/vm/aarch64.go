package vm

import "github.com/copland-os/copland/internal/arch"

// AArch64Codec encodes Entry values the way a VMSAv8-64 stage-1
// descriptor does: the valid bit, an AttrIndx field selecting between
// the Normal and Device MAIR_EL1 entries, the access flag (AF),
// shareability (SH), the AP[2:1] read-only/user bits, and UXN for
// execute permission.
type AArch64Codec struct{}

const (
	a64Valid = 1 << 0

	a64AttrIdxShift = 2 // bits [4:2], only 0 (Normal) or 1 (Device) used here
	a64APRO         = 1 << 7
	a64APEL0        = 1 << 6
	a64SHShift      = 8 // bits [9:8]
	a64AF           = 1 << 10
	a64UXN          = 1 << 54

	a64FrameShift = 12
)

func (AArch64Codec) Encode(e Entry) uint64 {
	if !e.Valid {
		return 0
	}
	raw := uint64(a64Valid)
	raw |= (uint64(e.Frame) >> arch.PageShift) << a64FrameShift

	if !e.Leaf {
		return raw
	}

	if e.Attr == AttrDevice {
		raw |= 1 << a64AttrIdxShift
		// device memory is non-shareable
	} else {
		raw |= 0b11 << a64SHShift // inner shareable normal memory
	}
	if !e.Perms.W {
		raw |= a64APRO
	}
	if e.Perms.U {
		raw |= a64APEL0
	}
	if !e.Perms.X {
		raw |= a64UXN
	}
	raw |= a64AF
	return raw
}

func (AArch64Codec) Decode(raw uint64) Entry {
	if raw&a64Valid == 0 {
		return Entry{}
	}
	frame := uintptr(raw>>a64FrameShift) << arch.PageShift

	// a table-pointer descriptor carries no permission/attribute bits in
	// our abstraction; we distinguish a leaf by whether any of the
	// permission-adjacent bits below are set, the same heuristic
	// RISCV64Codec uses.
	leaf := raw&(a64APRO|a64APEL0|a64UXN|a64AF) != 0
	if !leaf {
		return Entry{Valid: true, Leaf: false, Frame: frame}
	}

	attr := AttrNormal
	if (raw>>a64AttrIdxShift)&0b111 == 1 {
		attr = AttrDevice
	}
	return Entry{
		Valid: true,
		Leaf:  true,
		Frame: frame,
		Perms: arch.Perms{
			R: true, // AP[2:1] in this model only ever restricts W/X/U
			W: raw&a64APRO == 0,
			X: raw&a64UXN == 0,
			U: raw&a64APEL0 != 0,
		},
		Attr: attr,
	}
}
