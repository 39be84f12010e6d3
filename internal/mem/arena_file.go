//go:build !windows

package mem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileArena is an Arena backed by an mmap'd file instead of a plain Go
// slice, the same role a QEMU -drive image plays for guest RAM or a
// virtio-blk disk image plays for the block device. Useful for
// persistence across process restarts (e.g. warm-boot scenarios)
// without depending on any real hardware.
type FileArena struct {
	Arena
	f *os.File
}

// OpenFileArena opens (creating if necessary) a file at path, truncates
// or extends it to size bytes, and mmaps it read-write.
func OpenFileArena(path string, physBase uintptr, size int) (*FileArena, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mem: open arena file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("mem: truncate arena file: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mem: mmap arena file: %w", err)
	}
	return &FileArena{Arena: Arena{PhysBase: physBase, buf: data}, f: f}, nil
}

// Sync flushes the mmap'd region back to the backing file.
func (fa *FileArena) Sync() error {
	return unix.Msync(fa.buf, unix.MS_SYNC)
}

// Close unmaps the region and closes the backing file.
func (fa *FileArena) Close() error {
	if err := unix.Munmap(fa.buf); err != nil {
		return err
	}
	return fa.f.Close()
}
