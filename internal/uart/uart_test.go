package uart

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copland-os/copland/internal/mem"
)

func newTestConsole(t *testing.T) (*Console, *bytes.Buffer) {
	t.Helper()
	arena := mem.NewArena(0, 4096)
	var sink bytes.Buffer
	c := NewConsole(arena, 0, &sink)
	c.Init()
	return c, &sink
}

func TestWriteAppearsOnSink(t *testing.T) {
	c, sink := newTestConsole(t)
	n, err := c.Write([]byte("PRESENT DAY  PRESENT TIME\n"))
	require.NoError(t, err)
	assert.Equal(t, 26, n)
	assert.Equal(t, "PRESENT DAY  PRESENT TIME\n", sink.String())
}

func TestFeedThenGetByteRoundTrips(t *testing.T) {
	c, _ := newTestConsole(t)
	_, ok := c.GetByte()
	assert.False(t, ok)

	c.Feed('x')
	b, ok := c.GetByte()
	require.True(t, ok)
	assert.Equal(t, byte('x'), b)

	_, ok = c.GetByte()
	assert.False(t, ok)
}

func TestInterruptDrainsAllPendingBytes(t *testing.T) {
	c, _ := newTestConsole(t)
	c.Feed('a')
	c.Feed('b')
	c.Feed('c')
	c.Interrupt()
	_, ok := c.GetByte()
	assert.False(t, ok)
}
