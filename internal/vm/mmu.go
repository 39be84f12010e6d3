package vm

import (
	"github.com/copland-os/copland/internal/arch"
	"github.com/copland-os/copland/internal/kernerr"
)

// MMU models the per-ISA root-table register and TLB the real kernel
// would program on Activate -- a plain Go value standing in for CSR
// satp, system register TTBR0_EL1, or CR3. Nothing in this package
// ever writes a real register; tests assert against this value instead.
type MMU struct {
	ISA          arch.ISA
	RootPhysAddr uintptr
	ActiveName   string
	Generation   int // bumped on every Activate, standing in for a TLB flush
}

// NewMMU builds the simulated register file for one core.
func NewMMU(isa arch.ISA) *MMU {
	return &MMU{ISA: isa}
}

// Activate programs the simulated root-table register with the named
// address space's root and bumps Generation, standing in for the
// TLB-invalidating instruction (sfence.vma / TLBI / invlpg) every ISA
// requires after switching page tables.
func (m *Manager) Activate(mmu *MMU, name string) error {
	root, ok := m.Root(name)
	if !ok {
		return kernerr.NewNotFound(0)
	}
	mmu.RootPhysAddr = root.PhysAddr
	mmu.ActiveName = name
	mmu.Generation++
	return nil
}
