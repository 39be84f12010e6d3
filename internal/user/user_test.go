package user

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copland-os/copland/internal/arch"
	"github.com/copland-os/copland/internal/kernerr"
	"github.com/copland-os/copland/internal/mem"
	"github.com/copland-os/copland/internal/task"
	"github.com/copland-os/copland/internal/vm"
)

// buildMinimalELF mirrors elfimg's test helper; duplicated here (small
// and self-contained) rather than exported from a non-test file for a
// single caller.
func buildMinimalELF(t *testing.T, vaddr uintptr, entry uintptr, payload []byte) []byte {
	t.Helper()
	const ehsize = 64
	const phentsize = 56

	buf := make([]byte, ehsize+phentsize+len(payload))
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2
	buf[5] = 1
	buf[6] = 1

	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)
	le.PutUint16(buf[18:], 0x3e)
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], uint64(entry))
	le.PutUint64(buf[32:], ehsize)
	le.PutUint16(buf[52:], ehsize)
	le.PutUint16(buf[54:], phentsize)
	le.PutUint16(buf[56:], 1)

	ph := buf[ehsize : ehsize+phentsize]
	le.PutUint32(ph[0:], 1)
	le.PutUint32(ph[4:], 5)
	le.PutUint64(ph[8:], ehsize+phentsize)
	le.PutUint64(ph[16:], uint64(vaddr))
	le.PutUint64(ph[24:], uint64(vaddr))
	le.PutUint64(ph[32:], uint64(len(payload)))
	le.PutUint64(ph[40:], uint64(len(payload)))
	le.PutUint64(ph[48:], 4096)

	copy(buf[ehsize+phentsize:], payload)
	return buf
}

type fakeSource struct{ files map[string][]byte }

func (f fakeSource) ReadFile(path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, kernerr.ErrNotFound
	}
	return data, nil
}

func newTestBringup(t *testing.T, isa arch.ISA) (*Bringup, *task.Manager) {
	t.Helper()
	arena := mem.NewArena(0, 64*1024*1024)
	alloc := mem.NewGeneral(arena)
	vmgr := vm.NewManager(arena, alloc, vm.RISCV64Codec{}, 3, nil)
	vmgr.CreateAddressSpace("kernel")
	tasks := task.NewManager()

	b, err := NewBringup(isa, arena, alloc, vmgr, tasks)
	require.NoError(t, err)
	return b, tasks
}

func TestExecMapsSegmentAndSetsEntry(t *testing.T) {
	b, tasks := newTestBringup(t, arch.RISCV64)

	id := tasks.CreateTask("echo", 0)
	payload := []byte("hello from user space")
	raw := buildMinimalELF(t, 0x20000, 0x20000, payload)
	src := fakeSource{files: map[string][]byte{"/bin/echo": raw}}

	require.NoError(t, b.Exec(id, "/bin/echo", src))

	tsk, _ := tasks.Get(id)
	require.Len(t, tsk.MemoryRegions, 1)
	assert.Equal(t, uintptr(0x20000), tsk.MemoryRegions[0].VirtAddr)
	assert.NotEmpty(t, tsk.PageTableName)

	ctx, ok := b.Context(id)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x20000), ctx.SavedUserPC)
}

func TestExecUnknownTaskIsNotFound(t *testing.T) {
	b, _ := newTestBringup(t, arch.RISCV64)
	err := b.Exec(42, "/bin/echo", fakeSource{files: map[string][]byte{}})
	assert.Error(t, err)
}

func TestExecMissingFileIsExecError(t *testing.T) {
	b, tasks := newTestBringup(t, arch.RISCV64)
	id := tasks.CreateTask("echo", 0)
	err := b.Exec(id, "/bin/missing", fakeSource{files: map[string][]byte{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, kernerr.ErrFileNotFound)
}

func TestAArch64BringupIsUnsupported(t *testing.T) {
	b, tasks := newTestBringup(t, arch.AArch64)
	id := tasks.CreateTask("echo", 0)
	err := b.Exec(id, "/bin/echo", fakeSource{files: map[string][]byte{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, kernerr.ErrUnsupported)
}

func TestUserSwitchActivatesTaskAddressSpaceAndRunsTrampoline(t *testing.T) {
	b, tasks := newTestBringup(t, arch.RISCV64)
	id := tasks.CreateTask("echo", 0)
	payload := []byte("payload")
	raw := buildMinimalELF(t, 0x30000, 0x30000, payload)
	require.NoError(t, b.Exec(id, "/bin/echo", fakeSource{files: map[string][]byte{"/bin/echo": raw}}))

	var gotVA, gotSATP uintptr
	b.SetSwitchFunc(func(va, satp uintptr) { gotVA, gotSATP = va, satp })

	mmu := vm.NewMMU(arch.RISCV64)
	require.NoError(t, b.UserSwitch(id, mmu, 0, 0xdeadbeef))

	assert.Equal(t, UserContext, gotVA)
	assert.Equal(t, mmu.RootPhysAddr, gotSATP)

	ctx, _ := b.Context(id)
	assert.Equal(t, uintptr(0xdeadbeef), ctx.KernelTrapHandler)
}

// TestExecMapsTrampolineAndUserContextIntoTaskSpace guards against the
// trampoline/user-context page being mapped only into the "kernel"
// root: Walk must resolve both fixed virtual addresses inside the
// task's own address space, the table UserSwitch actually activates.
func TestExecMapsTrampolineAndUserContextIntoTaskSpace(t *testing.T) {
	b, tasks := newTestBringup(t, arch.RISCV64)
	id := tasks.CreateTask("echo", 0)
	raw := buildMinimalELF(t, 0x40000, 0x40000, []byte("x"))
	require.NoError(t, b.Exec(id, "/bin/echo", fakeSource{files: map[string][]byte{"/bin/echo": raw}}))

	tsk, _ := tasks.Get(id)

	trampolinePhys, err := b.vmgr.Walk(tsk.PageTableName, Trampoline)
	require.NoError(t, err)
	assert.Equal(t, b.trampolinePhys, trampolinePhys)

	perms, err := b.vmgr.Perms(tsk.PageTableName, Trampoline)
	require.NoError(t, err)
	assert.True(t, perms.X)
	assert.False(t, perms.U)

	ctxPhys, err := b.vmgr.Walk(tsk.PageTableName, UserContext)
	require.NoError(t, err)
	assert.Equal(t, b.contextPhys[id], ctxPhys)
}

// TestUserSwitchWritesContextIntoBackingPage guards against UserSwitch
// updating only the in-process UserContext value: the trampoline reads
// the context by virtual address after the satp switch, so the bytes
// at the mapped physical page must reflect the same fields.
func TestUserSwitchWritesContextIntoBackingPage(t *testing.T) {
	b, tasks := newTestBringup(t, arch.RISCV64)
	id := tasks.CreateTask("echo", 0)
	raw := buildMinimalELF(t, 0x50000, 0x50000, []byte("x"))
	require.NoError(t, b.Exec(id, "/bin/echo", fakeSource{files: map[string][]byte{"/bin/echo": raw}}))

	mmu := vm.NewMMU(arch.RISCV64)
	require.NoError(t, b.UserSwitch(id, mmu, 7, 0xcafef00d))

	ctxPhys := b.contextPhys[id]
	buf := b.arena.Bytes(ctxPhys, userContextSize)
	trapHandlerOff := GPRCount*8 + 8 + 8 + 8
	assert.Equal(t, uint64(0xcafef00d), binary.LittleEndian.Uint64(buf[trapHandlerOff:trapHandlerOff+8]))
}
