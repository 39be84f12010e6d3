package amd64

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copland-os/copland/internal/elfimg"
)

func TestBootInfoRoundTrips(t *testing.T) {
	info := BootInfo{
		MemoryMap: MemoryMap{Regions: []MemoryRegion{
			{Start: 0x100000, End: 0x200000},
			{Start: 0x400000, End: 0x800000},
		}},
		FrameBuffer: FrameBuffer{
			Ptr: 0xe0000000, Width: 1024, Height: 768, Stride: 4096,
			Format: FrameBufferBGR,
		},
		RSDPAddr: 0x7fe0000,
	}

	assert.Len(t, info.MemoryMap.Regions, 2)
	assert.Equal(t, uintptr(0x400000), info.MemoryMap.Regions[1].Start)
	assert.Equal(t, FrameBufferBGR, info.FrameBuffer.Format)
	assert.Equal(t, uintptr(0x7fe0000), info.RSDPAddr)
}

func TestIsUsableAfterExit(t *testing.T) {
	assert.True(t, IsUsableAfterExit(true, false, false))
	assert.True(t, IsUsableAfterExit(false, true, false))
	assert.True(t, IsUsableAfterExit(false, false, true))
	assert.False(t, IsUsableAfterExit(false, false, false))
}

// minimalELF builds a tiny two-segment ELF64 image in memory so
// PlanLoad has something real to walk, without shipping a fixture
// binary in the tree.
func minimalELF(t *testing.T) []byte {
	t.Helper()
	// Reuse elfimg's own test fixture builder would be ideal, but it is
	// unexported; build the minimal header + two PT_LOAD phdrs by hand.
	const ehsize = 64
	const phsize = 56
	buf := make([]byte, ehsize+2*phsize)

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	le := func(off int, v uint64, n int) {
		for i := 0; i < n; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	le(16, uint64(elf.ET_EXEC), 2)
	le(18, uint64(elf.EM_X86_64), 2)
	le(20, 1, 4)               // e_version
	le(24, 0x80100000, 8)      // e_entry
	le(32, ehsize, 8)          // e_phoff
	le(52, ehsize, 2)          // e_ehsize
	le(54, phsize, 2)          // e_phentsize
	le(56, 2, 2)               // e_phnum

	ph := func(off int, vaddr, filesz, memsz uint64, flags uint32) {
		le(off+0, uint64(elf.PT_LOAD), 4)
		le(off+4, uint64(flags), 4)
		le(off+8, 0, 8)        // p_offset
		le(off+16, vaddr, 8)
		le(off+24, vaddr, 8) // p_paddr
		le(off+32, filesz, 8)
		le(off+40, memsz, 8)
		le(off+48, 0x1000, 8) // p_align
	}
	ph(ehsize, 0x80100000, 0, 0, uint32(elf.PF_R|elf.PF_X))
	ph(ehsize+phsize, 0x80200000, 0, 0x3000, uint32(elf.PF_R|elf.PF_W))

	return buf
}

func TestPlanLoadComputesContiguousSpan(t *testing.T) {
	img, err := elfimg.Load(minimalELF(t))
	require.NoError(t, err)
	require.Len(t, img.Segments, 2)

	plan := PlanLoad(img)
	assert.Equal(t, uintptr(0x80100000), plan.Start)
	assert.Equal(t, uintptr(0x80203000), plan.End)
	assert.Equal(t, (plan.End-plan.Start+pageSize-1)/pageSize, plan.PageCount)
}

func TestPlanLoadPanicsOnEmptyImage(t *testing.T) {
	assert.Panics(t, func() {
		PlanLoad(&elfimg.Image{})
	})
}
