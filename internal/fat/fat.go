// Package fat is a minimal flat-file directory sitting on top of a
// sector-addressable block device, sufficient to list/create files and
// for an exec path to read an ELF image by path. A complete FAT32
// implementation (long names, cluster chains, FSInfo) is out of scope;
// this is a directory of named files, each a contiguous run of
// sectors, enough to exercise the real block device underneath without
// pulling in a full FAT32 implementation.
package fat

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// BlockSize is the sector size this filesystem and the virtio-blk
// driver underneath it share.
const BlockSize = 512

const (
	dirSector  = 0
	maxEntries = 8
	entrySize  = 48 // 32-byte name + 8-byte start sector + 4-byte size + 4 pad
)

var (
	// ErrExists is returned by CreateFile for a name already present.
	ErrExists = errors.New("fat: file already exists")
	// ErrNotFound is returned when a named file does not exist.
	ErrNotFound = errors.New("fat: file not found")
	// ErrDirFull is returned when the fixed-size root directory has no
	// free entries left.
	ErrDirFull = errors.New("fat: root directory is full")
)

// BlockDevice is the sector-addressable collaborator this filesystem
// sits on top of; internal/virtio's *Device satisfies it
// structurally.
type BlockDevice interface {
	ReadSector(sector uint64, buf []byte) error
	WriteSector(sector uint64, buf []byte) error
}

// DirEntry is one root-directory entry.
type DirEntry struct {
	Name        string
	StartSector uint64
	Size        uint32
}

// BlockFS is the root (and only) directory, backed by dev.
type BlockFS struct {
	dev            BlockDevice
	nextDataSector uint64
}

// NewBlockFS attaches a filesystem view to dev. Sector 0 holds the
// directory table; file data starts at sector 1.
func NewBlockFS(dev BlockDevice) *BlockFS {
	return &BlockFS{dev: dev, nextDataSector: 1}
}

func (fs *BlockFS) loadDir() ([]DirEntry, error) {
	buf := make([]byte, BlockSize)
	if err := fs.dev.ReadSector(dirSector, buf); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	if count > maxEntries {
		count = 0 // an unformatted disk reads as zeroes; treat as empty
	}
	entries := make([]DirEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		off := 4 + int(i)*entrySize
		raw := buf[off : off+entrySize]
		name := string(bytes.TrimRight(raw[0:32], "\x00"))
		start := binary.LittleEndian.Uint64(raw[32:40])
		size := binary.LittleEndian.Uint32(raw[40:44])
		entries = append(entries, DirEntry{Name: name, StartSector: start, Size: size})
	}
	return entries, nil
}

func (fs *BlockFS) saveDir(entries []DirEntry) error {
	if len(entries) > maxEntries {
		return ErrDirFull
	}
	buf := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(entries)))
	for i, e := range entries {
		off := 4 + i*entrySize
		raw := buf[off : off+entrySize]
		copy(raw[0:32], e.Name)
		binary.LittleEndian.PutUint64(raw[32:40], e.StartSector)
		binary.LittleEndian.PutUint32(raw[40:44], e.Size)
	}
	return fs.dev.WriteSector(dirSector, buf)
}

// RootDir returns every entry in the (only) directory.
func (fs *BlockFS) RootDir() ([]DirEntry, error) {
	return fs.loadDir()
}

// CreateFile adds an empty directory entry named name. This alone
// makes the name visible to a subsequent RootDir iteration.
func (fs *BlockFS) CreateFile(name string) error {
	entries, err := fs.loadDir()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == name {
			return ErrExists
		}
	}
	if len(entries) >= maxEntries {
		return ErrDirFull
	}
	entries = append(entries, DirEntry{Name: name})
	return fs.saveDir(entries)
}

// WriteFile writes data into name's file, allocating fresh sectors
// starting after every sector handed out so far (a bump allocator over
// the disk, matching this kernel's watermark-first philosophy for
// anything that does not need reclaim).
func (fs *BlockFS) WriteFile(name string, data []byte) error {
	entries, err := fs.loadDir()
	if err != nil {
		return err
	}
	idx := -1
	for i, e := range entries {
		if e.Name == name {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNotFound
	}

	numSectors := (len(data) + BlockSize - 1) / BlockSize
	start := fs.nextDataSector
	for i := 0; i < numSectors; i++ {
		buf := make([]byte, BlockSize)
		lo := i * BlockSize
		hi := lo + BlockSize
		if hi > len(data) {
			hi = len(data)
		}
		copy(buf, data[lo:hi])
		if err := fs.dev.WriteSector(start+uint64(i), buf); err != nil {
			return err
		}
	}
	fs.nextDataSector += uint64(numSectors)

	entries[idx].StartSector = start
	entries[idx].Size = uint32(len(data))
	return fs.saveDir(entries)
}

// ReadFile reads name's full contents. It satisfies the ImageSource
// interface internal/user's exec() consumes to load an ELF image.
func (fs *BlockFS) ReadFile(name string) ([]byte, error) {
	entries, err := fs.loadDir()
	if err != nil {
		return nil, err
	}
	var entry DirEntry
	found := false
	for _, e := range entries {
		if e.Name == name {
			entry, found = e, true
			break
		}
	}
	if !found {
		return nil, ErrNotFound
	}

	numSectors := (int(entry.Size) + BlockSize - 1) / BlockSize
	out := make([]byte, 0, numSectors*BlockSize)
	for i := 0; i < numSectors; i++ {
		buf := make([]byte, BlockSize)
		if err := fs.dev.ReadSector(entry.StartSector+uint64(i), buf); err != nil {
			return nil, err
		}
		out = append(out, buf...)
	}
	return out[:entry.Size], nil
}
