//go:build !windows

package virtio

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackingReadWriteRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	b, err := OpenFileBacking(path, 4)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, uint64(4), b.Capacity())

	want := make([]byte, blkSector)
	for i := range want {
		want[i] = byte(i)
	}
	require.NoError(t, b.WriteAt(1, want))

	got := make([]byte, blkSector)
	require.NoError(t, b.ReadAt(1, got))
	assert.Equal(t, want, got)
}

func TestFileBackingPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	b, err := OpenFileBacking(path, 2)
	require.NoError(t, err)
	buf := make([]byte, blkSector)
	buf[0] = 0x7f
	require.NoError(t, b.WriteAt(0, buf))
	require.NoError(t, b.Close())

	reopened, err := OpenFileBacking(path, 2)
	require.NoError(t, err)
	defer reopened.Close()

	got := make([]byte, blkSector)
	require.NoError(t, reopened.ReadAt(0, got))
	assert.Equal(t, byte(0x7f), got[0])
}

func TestFileBackingRejectsSecondOpenWhileLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	b, err := OpenFileBacking(path, 1)
	require.NoError(t, err)
	defer b.Close()

	_, err = OpenFileBacking(path, 1)
	assert.Error(t, err)
}
