// Package cpu implements the per-hart CPU state machine: the current
// interrupt-enable flag, a nested "disable depth" counter, the
// enable-bit snapshot taken at the outermost disable, and the hart's
// immutable identity.
package cpu

import "github.com/copland-os/copland/internal/arch"

// IdentityReader reads the current hart's immutable identity. Each ISA
// package supplies a concrete one; tests supply a fake.
type IdentityReader func() int

// State is the per-hart interrupt nesting tracker. It is not safe for
// concurrent use from more than one hart -- each hart owns exactly one
// State, matching this kernel's single-CPU cooperative model.
type State struct {
	isa      arch.ISA
	readID   IdentityReader
	id       int
	idCached bool

	on       bool // current interrupt-enable flag
	depth    int  // nesting depth; >0 means hardware interrupts are off
	snapshot bool // enable bit at the moment depth transitioned 0->1
}

// New returns a State for the given ISA. interruptsOnAtBoot reflects
// whatever the boot shim left the hardware in before the first
// InterruptPush/Pop pair.
func New(isa arch.ISA, readID IdentityReader, interruptsOnAtBoot bool) *State {
	return &State{isa: isa, readID: readID, on: interruptsOnAtBoot}
}

// ISA reports which architecture this State models.
func (s *State) ISA() arch.ISA { return s.isa }

// CPUID returns the hart's identity, reading it once and caching it --
// identity is immutable after boot.
func (s *State) CPUID() int {
	if !s.idCached {
		s.id = s.readID()
		s.idCached = true
	}
	return s.id
}

// IsInterruptOn reports the current interrupt-enable flag.
func (s *State) IsInterruptOn() bool { return s.on }

// InterruptOn unconditionally enables interrupts. Used only outside any
// push/pop nesting (e.g. by KernelLock.WaitIntr, which manages the flag
// itself); within a nested section use InterruptPush/InterruptPop.
func (s *State) InterruptOn() { s.on = true }

// InterruptOff unconditionally disables interrupts, bypassing the
// nesting counter. Used by the same narrow callers as InterruptOn.
func (s *State) InterruptOff() { s.on = false }

// InterruptPush disables interrupts and increments the nesting depth.
// On the 0->1 transition it records whether interrupts were enabled
// beforehand, so the matching InterruptPop can restore exactly that
// state instead of unconditionally re-enabling.
func (s *State) InterruptPush() {
	wasOn := s.on
	s.InterruptOff()
	if s.depth == 0 {
		s.snapshot = wasOn
	}
	s.depth++
}

// InterruptPop decrements the nesting depth. On the 1->0 transition it
// re-enables interrupts iff the snapshot taken by the outermost
// InterruptPush says they were on. Popping past zero is a programming
// error.
func (s *State) InterruptPop() {
	if s.depth == 0 {
		panic("cpu: InterruptPop without matching InterruptPush")
	}
	s.depth--
	if s.depth == 0 && s.snapshot {
		s.InterruptOn()
	}
}

// Depth reports the current nesting depth, for assertions about
// push/pop balance.
func (s *State) Depth() int { return s.depth }
