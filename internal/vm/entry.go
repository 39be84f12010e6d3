// Package vm implements the architecture-agnostic multi-level
// page-table manager: table creation, identity mapping, map/walk, and
// MMU activation, shared across RISC-V, AArch64, and (experimentally)
// x86_64 through one ISA-specific Codec per architecture, keeping MMU
// activation behind a plain value the rest of the code can exercise
// without real hardware.
package vm

import "github.com/copland-os/copland/internal/arch"

// AttrKind is the ISA-independent memory attribute a leaf entry
// carries: device MMIO ranges get Device, everything else gets Normal
// cacheable memory.
type AttrKind uint8

const (
	AttrNormal AttrKind = iota
	AttrDevice
)

// Entry is the ISA-independent view of one page-table slot: callers
// only ever see {valid, leaf, frame, perms, attr}. A table-pointer
// entry carries a frame (the child table's physical address) and no
// permission/attr bits.
type Entry struct {
	Valid bool
	Leaf  bool
	Frame uintptr // output physical frame number's address (frame<<12), or child table address when !Leaf
	Perms arch.Perms
	Attr  AttrKind
}

// Codec encodes and decodes Entry values into the raw bit pattern a
// specific ISA expects in a page-table slot. One concrete Codec exists
// per ISA (riscv64.go, aarch64.go, amd64.go); the rest of this package
// never branches on ISA directly.
type Codec interface {
	Encode(e Entry) uint64
	Decode(raw uint64) Entry
}
