package trap

import "fmt"

// RISCV64Faults names scause values 12/13/15: RISC-V's
// instruction/load/store page fault codes.
type RISCV64Faults struct{}

func (RISCV64Faults) FaultName(cause uint64) string {
	switch cause {
	case 12:
		return "instruction page fault"
	case 13:
		return "load page fault"
	case 15:
		return "store/AMO page fault"
	default:
		return fmt.Sprintf("unknown scause %d", cause)
	}
}

// AArch64Faults names the ESR_EL1 exception-class field (bits
// [31:26]) for the abort classes a page-table fault raises.
type AArch64Faults struct{}

func (AArch64Faults) FaultName(cause uint64) string {
	ec := (cause >> 26) & 0x3f
	switch ec {
	case 0x20:
		return "instruction abort from a lower exception level"
	case 0x21:
		return "instruction abort from the same exception level"
	case 0x24:
		return "data abort from a lower exception level"
	case 0x25:
		return "data abort from the same exception level"
	default:
		return fmt.Sprintf("unknown ESR_EL1 EC %#x", ec)
	}
}

// AMD64Faults names the legacy x86 exception vector number.
type AMD64Faults struct{}

func (AMD64Faults) FaultName(cause uint64) string {
	switch cause {
	case 13:
		return "general protection fault"
	case 14:
		return "page fault"
	default:
		return fmt.Sprintf("unknown exception vector %d", cause)
	}
}
