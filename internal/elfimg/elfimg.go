// Package elfimg is a thin wrapper over the standard library's
// debug/elf reader, exposing only the loadable-segment view a user-mode
// exec path needs.
package elfimg

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
)

// Segment is one PT_LOAD program header, reduced to what an exec path
// consumes.
type Segment struct {
	VAddr  uintptr
	Filesz uint64
	Memsz  uint64
	R, W, X bool

	open func() io.Reader
}

// Open returns a reader over the segment's file-backed bytes (length
// Filesz; the remainder up to Memsz is .bss-style zero fill).
func (s Segment) Open() io.Reader { return s.open() }

// Image is a parsed ELF executable.
type Image struct {
	Entry    uintptr
	Segments []Segment
}

// Load parses an ELF image and returns its loadable segments and entry
// point.
func Load(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("elfimg: %w", err)
	}
	defer f.Close()

	img := &Image{Entry: uintptr(f.Entry)}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		p := prog
		img.Segments = append(img.Segments, Segment{
			VAddr:  uintptr(p.Vaddr),
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			R:      p.Flags&elf.PF_R != 0,
			W:      p.Flags&elf.PF_W != 0,
			X:      p.Flags&elf.PF_X != 0,
			open:   func() io.Reader { return p.Open() },
		})
	}
	return img, nil
}
