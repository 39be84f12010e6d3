package cpu

// The functions below stand in for the privileged register reads that
// identify a hart/core (mhartid via tp, MPIDR_EL1, the local APIC id).
// On real hardware each would be a single instruction behind
// //go:nosplit asm. Since this module never executes on bare metal
// under this toolchain, each is a small function that a board/boot-time
// wiring step points at a real backing register file; tests construct
// one directly with a literal id.

// FixedID returns an IdentityReader that always reports id, for tests
// and for boards that have not wired a real register backing.
func FixedID(id int) IdentityReader {
	return func() int { return id }
}

// RISCVHartID reads the hart id a boot shim stashed in tp (mhartid).
// tp is the simulated per-hart scratch slot the board wiring populates
// at boot.
func RISCVHartID(tp *uint64) IdentityReader {
	return func() int { return int(*tp) }
}

// AArch64AffinityID reads MPIDR_EL1's Aff0 field, the per-core id on a
// Raspberry Pi 3B (cores 0-3).
func AArch64AffinityID(mpidr *uint64) IdentityReader {
	return func() int { return int(*mpidr & 0xff) }
}

// AMD64APICID reads the local APIC id out of a simulated LAPIC
// register window, standing in for the raw MMIO read at 0xfee00000.
func AMD64APICID(lapicIDReg *uint32) IdentityReader {
	return func() int { return int(*lapicIDReg >> 24) }
}
