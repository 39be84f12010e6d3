//go:build !windows

package virtio

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

// FileBacking is a Backing over a real host file, mmap'd so reads and
// writes are plain slice operations exactly like ArenaBacking's, and
// protected by an exclusive host-file lock so two kernel instances
// never share one disk image.
type FileBacking struct {
	file *os.File
	lock *flock.Flock
	data []byte
}

// OpenFileBacking opens (creating if absent) path as a sectors*512
// byte disk image, locks it exclusively, and mmaps it.
func OpenFileBacking(path string, sectors uint64) (*FileBacking, error) {
	size := int64(sectors) * blkSector

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("virtio: open backing file: %w", err)
	}

	lk := flock.New(path + ".lock")
	locked, err := lk.TryLock()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("virtio: lock backing file: %w", err)
	}
	if !locked {
		f.Close()
		return nil, fmt.Errorf("virtio: backing file %s is already in use", path)
	}

	if err := f.Truncate(size); err != nil {
		lk.Unlock()
		f.Close()
		return nil, fmt.Errorf("virtio: size backing file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		lk.Unlock()
		f.Close()
		return nil, fmt.Errorf("virtio: mmap backing file: %w", err)
	}

	return &FileBacking{file: f, lock: lk, data: data}, nil
}

func (b *FileBacking) ReadAt(sector uint64, buf []byte) error {
	off := sector * blkSector
	if off+uint64(len(buf)) > uint64(len(b.data)) {
		return fmt.Errorf("virtio: sector %d out of range", sector)
	}
	copy(buf, b.data[off:off+uint64(len(buf))])
	return nil
}

func (b *FileBacking) WriteAt(sector uint64, buf []byte) error {
	off := sector * blkSector
	if off+uint64(len(buf)) > uint64(len(b.data)) {
		return fmt.Errorf("virtio: sector %d out of range", sector)
	}
	copy(b.data[off:off+uint64(len(buf))], buf)
	return nil
}

func (b *FileBacking) Capacity() uint64 {
	return uint64(len(b.data)) / blkSector
}

// Close flushes, unmaps, unlocks, and closes the backing file.
func (b *FileBacking) Close() error {
	if err := unix.Msync(b.data, unix.MS_SYNC); err != nil {
		return err
	}
	if err := unix.Munmap(b.data); err != nil {
		return err
	}
	if err := b.lock.Unlock(); err != nil {
		return err
	}
	return b.file.Close()
}
