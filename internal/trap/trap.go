// Package trap implements the dispatch half of the interrupt path:
// given the vector slot a trap entered through and, for the
// synchronous slot, the ISA's raw cause value, route it to a
// fatal-fault log or to the owning driver through the PLIC
// claim/complete protocol. Only IRQs come through here -- everything
// else is fatal.
package trap

import (
	"fmt"

	"github.com/copland-os/copland/internal/klock"
	"github.com/copland-os/copland/internal/plic"
)

// Vector names which trap entry point the hardware dispatched through;
// it is the vector table slot, not the cause register, that tells you
// whether you are in the synchronous or external-interrupt path (true
// on every ISA this kernel targets, even though RISC-V happens to fold
// both into one scause register's top bit).
type Vector int

const (
	VectorSync Vector = iota
	VectorExternalInterrupt
)

// FaultClassifier names a synchronous fault's raw cause value for the
// fatal log-and-halt line. One implementation exists per ISA.
type FaultClassifier interface {
	FaultName(cause uint64) string
}

// FatalFault is returned by HandleTrap for the synchronous-fault path.
// A synchronous fault reaching the kernel path (as opposed to being
// delivered to a task's own handler via the trampoline, see
// internal/user) is always fatal.
type FatalFault struct {
	Name  string
	Cause uint64
}

func (f *FatalFault) Error() string {
	return fmt.Sprintf("fatal synchronous fault: %s (cause %#x)", f.Name, f.Cause)
}

// Router is the external-interrupt half: claim, dispatch to the
// registered handler, complete, then tell the kernel lock an
// interrupt was observed so a sleeping driver's wait_intr can wake.
type Router struct {
	classifier FaultClassifier
	controller *plic.Controller
	lock       *klock.KernelLock

	handlers map[int]func(irq int)
}

// NewRouter builds a trap router over one hart's PLIC view.
func NewRouter(classifier FaultClassifier, controller *plic.Controller, lock *klock.KernelLock) *Router {
	return &Router{
		classifier: classifier,
		controller: controller,
		lock:       lock,
		handlers:   map[int]func(irq int){},
	}
}

// RegisterHandler binds irq to the driver that owns it (uart, virtio0,
// ...). Registering the same irq twice replaces the previous handler.
func (r *Router) RegisterHandler(irq int, handler func(irq int)) {
	r.handlers[irq] = handler
}

// HandleTrap dispatches one trap: a synchronous fault returns a
// *FatalFault for the caller to log and halt on; an external interrupt
// is claimed, routed to its driver, completed, and reported to the
// kernel lock. A claim that finds nothing pending (a spurious
// interrupt) returns (false, nil). An IRQ with no registered handler
// is a programming-error panic.
func (r *Router) HandleTrap(vector Vector, cause uint64) (handled bool, err error) {
	if vector == VectorSync {
		return false, &FatalFault{Name: r.classifier.FaultName(cause), Cause: cause}
	}

	irq, ok := r.controller.ReadClaim()
	if !ok {
		return false, nil
	}

	handler, ok := r.handlers[irq]
	if !ok {
		panic(fmt.Sprintf("trap: unhandled IRQ %d", irq))
	}
	handler(irq)
	r.controller.SendComplete(irq)
	r.lock.CompleteIntr()
	return true, nil
}
