package vm

import "github.com/copland-os/copland/internal/arch"

// AMD64Codec encodes Entry values the way a legacy x86_64 4-level PTE
// does: P/RW/US bits, PCD/PWT for the device-vs-normal memory-type
// distinction (device MMIO is marked uncacheable), and NX for execute
// permission. This backs the experimental x86_64/UEFI entry path --
// present for completeness, not load-bearing.
type AMD64Codec struct{}

const (
	x64P   = 1 << 0
	x64RW  = 1 << 1
	x64US  = 1 << 2
	x64PWT = 1 << 3
	x64PCD = 1 << 4
	x64NX  = 1 << 63

	x64FrameShift = 12
)

func (AMD64Codec) Encode(e Entry) uint64 {
	if !e.Valid {
		return 0
	}
	raw := uint64(x64P)
	raw |= (uint64(e.Frame) >> arch.PageShift) << x64FrameShift

	if !e.Leaf {
		return raw
	}
	if e.Perms.W {
		raw |= x64RW
	}
	if e.Perms.U {
		raw |= x64US
	}
	if !e.Perms.X {
		raw |= x64NX
	}
	if e.Attr == AttrDevice {
		raw |= x64PCD | x64PWT
	}
	return raw
}

func (AMD64Codec) Decode(raw uint64) Entry {
	if raw&x64P == 0 {
		return Entry{}
	}
	frame := uintptr(raw>>x64FrameShift) << arch.PageShift

	leaf := raw&(x64RW|x64US|x64NX) != 0 || raw&(x64PCD|x64PWT) != 0
	if !leaf {
		return Entry{Valid: true, Leaf: false, Frame: frame}
	}

	attr := AttrNormal
	if raw&(x64PCD|x64PWT) == (x64PCD | x64PWT) {
		attr = AttrDevice
	}
	return Entry{
		Valid: true,
		Leaf:  true,
		Frame: frame,
		Perms: arch.Perms{
			R: true,
			W: raw&x64RW != 0,
			X: raw&x64NX == 0,
			U: raw&x64US != 0,
		},
		Attr: attr,
	}
}
