package plic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copland-os/copland/internal/mem"
)

func newTestController(t *testing.T) (*Controller, *mem.Arena) {
	t.Helper()
	arena := mem.NewArena(0, 0x400000)
	return NewController(arena, 0, 0), arena
}

func TestInitIRQEnablesAndSetsPriority(t *testing.T) {
	c, _ := newTestController(t)
	c.InitIRQ(10, 3)
	assert.Equal(t, uint32(3), c.readWord(c.priorityAddr(10)))
	assert.NotZero(t, c.readWord(c.enableAddr())&(1<<10))
}

func TestClaimReturnsHighestPriorityPendingSource(t *testing.T) {
	c, _ := newTestController(t)
	c.InitIRQ(1, 1)
	c.InitIRQ(2, 5)
	c.SetThreshold(0)

	c.Raise(1)
	c.Raise(2)

	irq, ok := c.ReadClaim()
	require.True(t, ok)
	assert.Equal(t, 2, irq, "higher priority source must claim first")
}

func TestClaimTiesBreakOnLowestSourceNumber(t *testing.T) {
	c, _ := newTestController(t)
	c.InitIRQ(5, 2)
	c.InitIRQ(3, 2)
	c.SetThreshold(0)

	c.Raise(5)
	c.Raise(3)

	irq, ok := c.ReadClaim()
	require.True(t, ok)
	assert.Equal(t, 3, irq)
}

func TestClaimRespectsThreshold(t *testing.T) {
	c, _ := newTestController(t)
	c.InitIRQ(7, 1)
	c.SetThreshold(1)
	c.Raise(7)

	_, ok := c.ReadClaim()
	assert.False(t, ok, "a source at or below the threshold must not be claimable")
}

func TestClaimIgnoresDisabledSource(t *testing.T) {
	c, _ := newTestController(t)
	c.SetThreshold(0)
	c.Raise(9) // never InitIRQ'd, so never enabled

	_, ok := c.ReadClaim()
	assert.False(t, ok)
}

func TestClaimIsOneShotUntilReraised(t *testing.T) {
	c, _ := newTestController(t)
	c.InitIRQ(4, 1)
	c.SetThreshold(0)
	c.Raise(4)

	_, ok := c.ReadClaim()
	require.True(t, ok)

	_, ok = c.ReadClaim()
	assert.False(t, ok, "a claimed source must not re-claim until Raise is called again")

	c.SendComplete(4)
	c.Raise(4)
	_, ok = c.ReadClaim()
	assert.True(t, ok)
}
