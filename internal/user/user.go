// Package user implements per-task user-mode bringup, the
// trampoline/user-context page handshake, and exec().
package user

import (
	"encoding/binary"
	"io"
	"strconv"

	"github.com/copland-os/copland/internal/arch"
	"github.com/copland-os/copland/internal/elfimg"
	"github.com/copland-os/copland/internal/kernerr"
	"github.com/copland-os/copland/internal/mem"
	"github.com/copland-os/copland/internal/task"
	"github.com/copland-os/copland/internal/vm"
)

// GPRCount is the width of the saved general-register array a
// UserContext carries: wide enough to hold either ISA's full GPR file
// (RISC-V's 32 x-registers, or AArch64's 31 plus padding).
const GPRCount = 32

// Fixed virtual addresses every task's page table maps the trampoline
// and user-context page at. No linker script exists in this
// environment to derive these from, so they are placed high in the
// 39-bit address space this kernel's page tables cover, one page
// apart.
const (
	Trampoline  = uintptr(1) << 38
	UserContext = Trampoline + arch.PageSize
)

// UserContext is the per-task user-register snapshot plus the
// trampoline's kernel-side bookkeeping fields. The trampoline reads
// and writes this layout through the physical page UserSwitch backs
// it with, so field order here must match encodeUserContext exactly.
type UserContext struct {
	Regs [GPRCount]uintptr

	KernelSATP        uintptr
	KernelSP          uintptr
	KernelHartID      int
	KernelTrapHandler uintptr
	SavedUserPC       uintptr
}

// userContextWords is the field count encodeUserContext packs into the
// backing page: GPRCount general registers plus the five kernel-side
// bookkeeping fields.
const userContextWords = GPRCount + 5

// userContextSize is the backing page's encoded size in bytes; it must
// not exceed arch.PageSize.
const userContextSize = userContextWords * 8

// encodeUserContext packs c into buf in the fixed little-endian layout
// the trampoline expects at the UserContext virtual address: the
// general registers in order, then KernelSATP, KernelSP, KernelHartID,
// KernelTrapHandler, SavedUserPC.
func encodeUserContext(buf []byte, c *UserContext) {
	le := binary.LittleEndian
	off := 0
	for _, r := range c.Regs {
		le.PutUint64(buf[off:off+8], uint64(r))
		off += 8
	}
	le.PutUint64(buf[off:off+8], uint64(c.KernelSATP))
	off += 8
	le.PutUint64(buf[off:off+8], uint64(c.KernelSP))
	off += 8
	le.PutUint64(buf[off:off+8], uint64(c.KernelHartID))
	off += 8
	le.PutUint64(buf[off:off+8], uint64(c.KernelTrapHandler))
	off += 8
	le.PutUint64(buf[off:off+8], uint64(c.SavedUserPC))
}

// SwitchFunc is the userret(user_context_va, user_satp) trampoline
// jump: it restores user registers and drops to user mode, and — like
// task.SwitchFunc and cpu.IdentityReader — is a no-op by default so the
// handshake around it can be exercised in a plain test, with
// SetSwitchFunc swappable for a spy.
type SwitchFunc func(userContextVA uintptr, userSATP uintptr)

// NopUserSwitch is the default SwitchFunc.
func NopUserSwitch(uintptr, uintptr) {}

// ImageSource reads a named file's full contents; internal/fat's
// BlockFS implements this for exec()'s ELF load.
type ImageSource interface {
	ReadFile(path string) ([]byte, error)
}

// Bringup owns the shared trampoline page and drives exec() and
// user_switch() for one ISA. Per the Open Question decision recorded
// in DESIGN.md, AArch64 user-mode bringup is stubbed: Exec and
// UserSwitch return kernerr.ErrUnsupported rather than a half-built
// handshake, and NewBringup allocates no trampoline page.
type Bringup struct {
	isa   arch.ISA
	arena *mem.Arena
	alloc mem.Allocator
	vmgr  *vm.Manager
	tasks *task.Manager

	trampolinePhys uintptr
	userSwitch     SwitchFunc
	contexts       map[int]*UserContext

	// contextPhys holds, per task ID, the physical page backing that
	// task's UserContext mapping -- the page UserSwitch writes the live
	// context into before jumping to the trampoline.
	contextPhys map[int]uintptr
}

// NewBringup allocates the shared trampoline page and wires up
// user-mode bringup over the given page-table manager and task table.
func NewBringup(isa arch.ISA, arena *mem.Arena, alloc mem.Allocator, vmgr *vm.Manager, tasks *task.Manager) (*Bringup, error) {
	b := &Bringup{
		isa:         isa,
		arena:       arena,
		alloc:       alloc,
		vmgr:        vmgr,
		tasks:       tasks,
		userSwitch:  NopUserSwitch,
		contexts:    map[int]*UserContext{},
		contextPhys: map[int]uintptr{},
	}
	if isa == arch.AArch64 {
		return b, nil
	}

	phys, ok := alloc.Alloc(mem.Layout{Size: arch.PageSize, Align: arch.PageSize})
	if !ok {
		panic("user: out of memory allocating the trampoline page")
	}
	arena.Zero(phys, arch.PageSize)
	b.trampolinePhys = phys

	if _, ok := vmgr.Root("kernel"); ok {
		if err := vmgr.Map("kernel", phys, Trampoline, true, false, true, false); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// SetSwitchFunc installs the trampoline jump primitive UserSwitch
// invokes.
func (b *Bringup) SetSwitchFunc(fn SwitchFunc) { b.userSwitch = fn }

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// Exec loads the ELF image at path into a fresh address space for
// task id, recording one MemoryRegion per PT_LOAD segment and mapping
// every page with the segment's declared permissions and user=true. It
// also maps the shared trampoline page (executable, kernel-only) and a
// freshly allocated user-context page (readable/writable, kernel-only)
// into that same address space at their fixed virtual addresses, so
// the instruction immediately after UserSwitch's satp write -- which
// executes from the trampoline and then reads the context through
// UserContext -- resolves under the task's own table rather than
// faulting. Finally it sets the saved user PC to the entry point.
func (b *Bringup) Exec(id int, path string, src ImageSource) error {
	if b.isa == arch.AArch64 {
		return kernerr.NewExecError(id, kernerr.ErrUnsupported, nil)
	}

	tsk, ok := b.tasks.Get(id)
	if !ok {
		return kernerr.NewTaskNotFound(id)
	}

	data, err := src.ReadFile(path)
	if err != nil {
		return kernerr.NewExecError(id, kernerr.ErrFileNotFound, err)
	}

	img, err := elfimg.Load(data)
	if err != nil {
		return kernerr.NewExecError(id, kernerr.ErrExecParse, err)
	}

	spaceName := tsk.Name
	if id != 0 {
		spaceName = tsk.Name + "." + strconv.Itoa(id)
	}
	b.vmgr.CreateAddressSpace(spaceName)

	for _, seg := range img.Segments {
		pageOffset := seg.VAddr % arch.PageSize
		size := alignUp(pageOffset+uintptr(seg.Memsz), arch.PageSize)

		paddr, ok := b.alloc.Alloc(mem.Layout{Size: size, Align: arch.PageSize})
		if !ok {
			panic("user: out of memory mapping an ELF segment")
		}
		b.arena.Zero(paddr, int(size))

		dst := b.arena.Bytes(paddr+pageOffset, int(seg.Filesz))
		if _, err := io.ReadFull(seg.Open(), dst); err != nil {
			return kernerr.NewExecError(id, kernerr.ErrDisk, err)
		}

		tsk.MemoryRegions = append(tsk.MemoryRegions, arch.MemoryRegion{
			PhysStart: paddr,
			PhysEnd:   paddr + size,
			VirtAddr:  seg.VAddr - pageOffset,
			HasVirt:   true,
			Size:      size,
			R:         seg.R,
			W:         seg.W,
			X:         seg.X,
		})
	}

	for _, region := range tsk.MemoryRegions {
		for off := uintptr(0); off < region.Size; off += arch.PageSize {
			if err := b.vmgr.Map(spaceName, region.PhysStart+off, region.VirtAddr+off, region.R, region.W, region.X, true); err != nil {
				return kernerr.NewMapError(id, err)
			}
		}
	}

	if err := b.vmgr.Map(spaceName, b.trampolinePhys, Trampoline, true, false, true, false); err != nil {
		return kernerr.NewMapError(id, err)
	}

	ctxPhys, ok := b.alloc.Alloc(mem.Layout{Size: arch.PageSize, Align: arch.PageSize})
	if !ok {
		panic("user: out of memory allocating the user-context page")
	}
	b.arena.Zero(ctxPhys, arch.PageSize)
	if err := b.vmgr.Map(spaceName, ctxPhys, UserContext, true, true, false, false); err != nil {
		return kernerr.NewMapError(id, err)
	}
	b.contextPhys[id] = ctxPhys

	tsk.PageTableName = spaceName
	tsk.UserContextAddr = UserContext

	ctx := &UserContext{SavedUserPC: img.Entry}
	b.contexts[id] = ctx
	return nil
}

// Context returns the live UserContext for a task exec'd into user
// mode, if any.
func (b *Bringup) Context(id int) (*UserContext, bool) {
	c, ok := b.contexts[id]
	return c, ok
}

// UserSwitch programs the trap vector to the user-trampoline entry,
// populates the user-context page's kernel-side fields, writes them
// into the task's mapped user-context page, and jumps to the
// trampoline's userret. Writing through the real backing page (rather
// than just the in-process UserContext value) matters because the
// trampoline reads the context by virtual address, after satp has
// already switched to the task's own table.
func (b *Bringup) UserSwitch(current int, mmu *vm.MMU, kernelHartID int, trapHandler uintptr) error {
	if b.isa == arch.AArch64 {
		return kernerr.NewExecError(current, kernerr.ErrUnsupported, nil)
	}

	tsk, ok := b.tasks.Get(current)
	if !ok {
		return kernerr.NewTaskNotFound(current)
	}
	ctx, ok := b.contexts[current]
	if !ok {
		return kernerr.NewExecError(current, kernerr.ErrExecParse, nil)
	}
	ctxPhys, ok := b.contextPhys[current]
	if !ok {
		return kernerr.NewExecError(current, kernerr.ErrExecParse, nil)
	}

	kernelSATP := mmu.RootPhysAddr
	if err := b.vmgr.Activate(mmu, tsk.PageTableName); err != nil {
		return err
	}

	ctx.KernelSATP = kernelSATP
	ctx.KernelSP = tsk.KernelContext.SP
	ctx.KernelHartID = kernelHartID
	ctx.KernelTrapHandler = trapHandler

	encodeUserContext(b.arena.Bytes(ctxPhys, userContextSize), ctx)

	b.userSwitch(UserContext, mmu.RootPhysAddr)
	return nil
}
