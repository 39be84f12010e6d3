package trap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copland-os/copland/internal/klock"
	"github.com/copland-os/copland/internal/mem"
	"github.com/copland-os/copland/internal/plic"
)

func newTestRouter(t *testing.T) (*Router, *plic.Controller) {
	t.Helper()
	arena := mem.NewArena(0, 0x400000)
	controller := plic.NewController(arena, 0, 0)
	router := NewRouter(RISCV64Faults{}, controller, klock.New())
	return router, controller
}

func TestSyncFaultReturnsFatalFaultWithName(t *testing.T) {
	router, _ := newTestRouter(t)
	handled, err := router.HandleTrap(VectorSync, 13)
	assert.False(t, handled)
	require.Error(t, err)

	var fault *FatalFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "load page fault", fault.Name)
}

func TestSpuriousExternalInterruptIsNotAnError(t *testing.T) {
	router, _ := newTestRouter(t)
	handled, err := router.HandleTrap(VectorExternalInterrupt, 0)
	assert.False(t, handled)
	assert.NoError(t, err)
}

func TestExternalInterruptDispatchesToRegisteredHandler(t *testing.T) {
	router, controller := newTestRouter(t)

	var gotIRQ int
	calls := 0
	router.RegisterHandler(5, func(irq int) {
		gotIRQ = irq
		calls++
	})

	controller.InitIRQ(5, 1)
	controller.SetThreshold(0)
	controller.Raise(5)

	handled, err := router.HandleTrap(VectorExternalInterrupt, 0)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, 5, gotIRQ)
	assert.Equal(t, 1, calls)

	_, ok := controller.ReadClaim()
	assert.False(t, ok, "a completed, un-reraised source must not claim again")
}

func TestUnhandledIRQPanics(t *testing.T) {
	router, controller := newTestRouter(t)
	controller.InitIRQ(9, 1)
	controller.SetThreshold(0)
	controller.Raise(9)

	assert.Panics(t, func() {
		router.HandleTrap(VectorExternalInterrupt, 0)
	})
}
