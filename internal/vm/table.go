package vm

import (
	"encoding/binary"

	"github.com/copland-os/copland/internal/arch"
	"github.com/copland-os/copland/internal/mem"
)

// EntriesPerTable is the fixed fan-out: 512 page-table entries per
// 4 KiB, 4096-byte-aligned table.
const EntriesPerTable = arch.PageSize / 8

// Table is a handle to one 4 KiB page-table page living inside an
// Arena. It does not own the bytes; PhysAddr indexes into whatever
// Arena the Manager that created it was built over.
type Table struct {
	PhysAddr uintptr
}

func tableBytes(a *mem.Arena, t Table) []byte {
	return a.Bytes(t.PhysAddr, arch.PageSize)
}

func getRaw(a *mem.Arena, t Table, i int) uint64 {
	b := tableBytes(a, t)
	return binary.LittleEndian.Uint64(b[i*8 : i*8+8])
}

func setRaw(a *mem.Arena, t Table, i int, v uint64) {
	b := tableBytes(a, t)
	binary.LittleEndian.PutUint64(b[i*8:i*8+8], v)
}

// newTable allocates and zeroes a fresh 4 KiB, 4096-byte-aligned table
// out of alloc. Misaligned results from the allocator indicate a bug
// in the allocator itself and are a fatal assertion.
func newTable(a *mem.Arena, alloc mem.Allocator) Table {
	addr, ok := alloc.Alloc(mem.Layout{Size: arch.PageSize, Align: arch.PageSize})
	if !ok {
		panic("vm: out of memory allocating page table")
	}
	if addr%arch.PageSize != 0 {
		panic("vm: page table allocation is not 4096-byte aligned")
	}
	a.Zero(addr, arch.PageSize)
	return Table{PhysAddr: addr}
}
