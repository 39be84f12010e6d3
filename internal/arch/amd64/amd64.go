// Package amd64 is the experimental x86_64/UEFI entry path: a UEFI
// loader reads the kernel ELF, allocates pages at its link-time
// address, copies LOAD segments, exits boot services, and calls the
// kernel entry with a memory-map + framebuffer + RSDP address triple.
// There is no real UEFI call boundary in this environment (no
// firmware), so this package exposes only that triple's shape and the
// segment-layout arithmetic a loader needs.
package amd64

import "github.com/copland-os/copland/internal/elfimg"

// MemoryRegion is one post-ExitBootServices usable range. UEFI memory
// types other than CONVENTIONAL/BOOT_SERVICES_CODE/BOOT_SERVICES_DATA
// are filtered out before this point, the same filter IsUsableAfterExit
// applies.
type MemoryRegion struct {
	Start uintptr
	End   uintptr
}

// MemoryMap is the full usable-memory list the loader hands to the
// kernel entry point.
type MemoryMap struct {
	Regions []MemoryRegion
}

// FrameBufferFormat names the GOP pixel layout the loader observed.
type FrameBufferFormat int

const (
	FrameBufferRGB FrameBufferFormat = iota
	FrameBufferBGR
)

// FrameBuffer is the GOP framebuffer handle the loader discovers,
// passed through unchanged.
type FrameBuffer struct {
	Ptr    uintptr
	Width  int
	Height int
	Stride int
	Format FrameBufferFormat
}

// BootInfo is the triple the UEFI loader calls the kernel entry point
// with: memory map, framebuffer, RSDP address.
type BootInfo struct {
	MemoryMap   MemoryMap
	FrameBuffer FrameBuffer
	RSDPAddr    uintptr
}

// IsUsableAfterExit reports whether a UEFI memory descriptor's type
// survives ExitBootServices as memory the kernel may claim: only
// CONVENTIONAL and the two BOOT_SERVICES_* types qualify.
func IsUsableAfterExit(conventional, bootServicesCode, bootServicesData bool) bool {
	return conventional || bootServicesCode || bootServicesData
}

func roundUp(n, round uintptr) uintptr {
	return ((n + round - 1) / round) * round
}

// LoadPlan is the [start, end) virtual span a kernel ELF's PT_LOAD
// segments cover, plus the page count a loader must AllocatePages for
// before copying segment data in.
type LoadPlan struct {
	Start     uintptr
	End       uintptr
	PageCount uintptr
}

const pageSize = 4096

// PlanLoad walks img's PT_LOAD segments to compute the contiguous
// [start, end) range the loader must reserve before copying segment
// data in. It panics if img has no loadable segments -- a kernel image
// with nothing to load is not a valid boot target.
func PlanLoad(img *elfimg.Image) LoadPlan {
	if len(img.Segments) == 0 {
		panic("amd64: kernel image has no PT_LOAD segments")
	}

	start := ^uintptr(0)
	end := uintptr(0)
	for _, seg := range img.Segments {
		if seg.VAddr < start {
			start = seg.VAddr
		}
		segEnd := seg.VAddr + uintptr(seg.Memsz)
		if segEnd > end {
			end = segEnd
		}
	}

	size := end - start
	return LoadPlan{Start: start, End: end, PageCount: roundUp(size, pageSize) / pageSize}
}
