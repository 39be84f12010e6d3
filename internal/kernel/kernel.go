// Package kernel assembles every core component plus the
// ambient/domain stack into one bootable unit and runs the boot
// sequence: init the console, print the boot banner, bring up the
// allocator/vm/task subsystems in order, start the init task, never
// return. It is imported by both cmd/kernel (the boot entry point) and
// cmd/kmon (the read-only debug console), so the two never duplicate
// the wiring or drift apart.
package kernel

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/copland-os/copland/internal/arch"
	"github.com/copland-os/copland/internal/boardcfg"
	"github.com/copland-os/copland/internal/cpu"
	"github.com/copland-os/copland/internal/fat"
	"github.com/copland-os/copland/internal/klock"
	"github.com/copland-os/copland/internal/klog"
	"github.com/copland-os/copland/internal/mem"
	"github.com/copland-os/copland/internal/once"
	"github.com/copland-os/copland/internal/plic"
	"github.com/copland-os/copland/internal/task"
	"github.com/copland-os/copland/internal/trap"
	"github.com/copland-os/copland/internal/uart"
	"github.com/copland-os/copland/internal/user"
	"github.com/copland-os/copland/internal/virtio"
	"github.com/copland-os/copland/internal/vm"
)

// Kernel bundles every core component plus the ambient stack into one
// struct: the module-scope singletons a kernel would otherwise keep as
// raw mutable package globals, reshaped into fields of one struct
// behind a single internal/once.Cell.
type Kernel struct {
	Board  *boardcfg.Board
	BootID uuid.UUID

	Log     *klog.Logger
	Console *uart.Console

	CPU  *cpu.State
	Lock *klock.KernelLock

	Arena *mem.Arena
	Alloc *mem.General

	VM   *vm.Manager
	MMU  *vm.MMU
	PLIC *plic.Controller
	Trap *trap.Router

	Tasks *task.Manager
	User  *user.Bringup

	BlockDev *virtio.Device
	FS       *fat.BlockFS

	// memImage is non-nil when the arena is backed by a host file via
	// WithMemoryImage, so Close has something to flush and release.
	memImage *mem.FileArena

	// diskImage is non-nil when the virtio-blk device is backed by a host
	// file via WithDiskImage; Close releases it and its lock.
	diskImage *virtio.FileBacking

	initCtx *task.KernelContext
}

// Close releases any host resources the Kernel opened directly (a
// file-backed arena or virtio-blk backing file). Safe to call on a
// Kernel built entirely from in-memory backings, in which case it is a
// no-op.
func (k *Kernel) Close() error {
	if k.diskImage != nil {
		if err := k.diskImage.Close(); err != nil {
			return err
		}
	}
	if k.memImage == nil {
		return nil
	}
	if err := k.memImage.Sync(); err != nil {
		return err
	}
	return k.memImage.Close()
}

var kernelCell once.Cell[*Kernel]

// Instance returns the lazily-constructed singleton Kernel, building
// it on the first call via New(boardPath).
func Instance(boardPath string, opts ...Option) *Kernel {
	return kernelCell.Get(func() *Kernel { return New(boardPath, opts...) })
}

func codecFor(isa arch.ISA) vm.Codec {
	switch isa {
	case arch.RISCV64:
		return vm.RISCV64Codec{}
	case arch.AArch64:
		return vm.AArch64Codec{}
	default:
		return vm.AMD64Codec{}
	}
}

func faultClassifierFor(isa arch.ISA) trap.FaultClassifier {
	switch isa {
	case arch.RISCV64:
		return trap.RISCV64Faults{}
	case arch.AArch64:
		return trap.AArch64Faults{}
	default:
		return trap.AMD64Faults{}
	}
}

// deviceArenaHighWaterMark returns the highest byte offset the PLIC,
// UART0 or virtio MMIO windows reach, ignoring the CLINT range
// (nothing in this tree simulates a CLINT device yet) and the
// text/rodata/data/bss/stack/heap ranges -- those describe where a
// real linker would place kernel code and the bump heap, but nothing
// here actually backs them with simulated bytes at those literal
// addresses. The arena this returns a size for always starts at 0, so
// general allocations draw from well below any device's base, exactly
// as internal/virtio's own test harness already does.
func deviceArenaHighWaterMark(b *boardcfg.Board) uintptr {
	hi := b.PLIC.End
	for _, r := range []boardcfg.Range{b.UART0, b.Virtio} {
		if r.End > hi {
			hi = r.End
		}
	}
	return hi
}

// deviceAttr classifies an address as Device memory when it falls
// inside the PLIC, UART0 or virtio MMIO windows, Normal otherwise.
func deviceAttr(b *boardcfg.Board) vm.AttrClassifier {
	in := func(r boardcfg.Range, addr uintptr) bool { return addr >= r.Start && addr < r.End }
	return func(paddr uintptr) vm.AttrKind {
		if in(b.PLIC, paddr) || in(b.UART0, paddr) || in(b.Virtio, paddr) {
			return vm.AttrDevice
		}
		return vm.AttrNormal
	}
}

const (
	// hartID is fixed at 0: every board boots exactly one hart.
	hartID = 0
	// blockSectors sizes the simulated virtio-blk backing store this
	// boot path exercises; a real board would size it from the disk
	// image's actual length instead.
	blockSectors = 2048
	// virtioIRQLine is the PLIC source this board wires virtio0 to.
	virtioIRQLine = 1
	// levels is the page-table depth every ISA codec in this tree
	// shares (a Sv39-shaped 3-level layout).
	levels = 3
)

// Option configures an optional New behavior beyond the board
// descriptor.
type Option func(*options)

type options struct {
	diskImagePath string
	memImagePath  string
}

// WithDiskImage backs the virtio-blk device with a real, mmap'd,
// flock'd host file at path instead of an in-memory ArenaBacking, so
// disk contents survive across process restarts. path is created and
// sized if it does not already exist.
func WithDiskImage(path string) Option {
	return func(o *options) { o.diskImagePath = path }
}

// WithMemoryImage backs the whole physical arena with a real, mmap'd
// host file at path instead of a plain Go slice, so every component's
// view of physical memory (page tables, the UART MMIO region, the
// virtio queue) survives a process restart. path is created and sized
// to the board's device high-water mark if it does not already exist.
func WithMemoryImage(path string) Option {
	return func(o *options) { o.memImagePath = path }
}

// New loads the board descriptor at boardPath and wires every
// component fresh. Most callers want Instance instead; New is exposed
// directly for tests that need more than one independent Kernel.
func New(boardPath string, opts ...Option) *Kernel {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	board, err := boardcfg.Load(boardPath)
	if err != nil {
		panic(fmt.Sprintf("kernel: loading board descriptor: %v", err))
	}

	arenaSize := int(deviceArenaHighWaterMark(board))
	var arena *mem.Arena
	var memImage *mem.FileArena
	if o.memImagePath != "" {
		fa, err := mem.OpenFileArena(o.memImagePath, 0, arenaSize)
		if err != nil {
			panic(fmt.Sprintf("kernel: opening memory image: %v", err))
		}
		memImage = fa
		arena = &fa.Arena
	} else {
		arena = mem.NewArena(0, arenaSize)
	}
	alloc := mem.NewGeneral(arena)

	cs := cpu.New(board.ISA, cpu.FixedID(hartID), false)
	lock := klock.New()

	console := uart.NewConsole(arena, board.UART0.Start, os.Stdout)
	console.Init()
	log := klog.New(console)

	vmgr := vm.NewManager(arena, alloc, codecFor(board.ISA), levels, deviceAttr(board))
	mmu := vm.NewMMU(board.ISA)

	plicCtl := plic.NewController(arena, board.PLIC.Start, hartID)
	plicCtl.InitIRQ(virtioIRQLine, 1)
	plicCtl.SetThreshold(0)
	router := trap.NewRouter(faultClassifierFor(board.ISA), plicCtl, lock)

	backing, err := newBacking(arena, alloc, o.diskImagePath)
	if err != nil {
		panic(fmt.Sprintf("kernel: opening virtio-blk backing store: %v", err))
	}
	diskImage, _ := backing.(*virtio.FileBacking)
	blockDev := virtio.NewDevice(arena, board.Virtio.Start, alloc, lock, cs, backing,
		routedPLIC{plic: plicCtl, router: router}, virtioIRQLine)
	router.RegisterHandler(virtioIRQLine, func(int) { blockDev.Interrupt() })
	blockDev.Init()

	tasks := task.NewManager()

	return &Kernel{
		Board:     board,
		BootID:    uuid.New(),
		Log:       log,
		Console:   console,
		CPU:       cs,
		Lock:      lock,
		Arena:     arena,
		Alloc:     alloc,
		VM:        vmgr,
		MMU:       mmu,
		PLIC:      plicCtl,
		Trap:      router,
		Tasks:     tasks,
		BlockDev:  blockDev,
		FS:        fat.NewBlockFS(blockDev),
		memImage:  memImage,
		diskImage: diskImage,
	}
}

// newBacking opens the virtio-blk backing store: a real host file at
// diskImagePath if given, otherwise an arena-addressed block carved
// out of alloc.
func newBacking(arena *mem.Arena, alloc *mem.General, diskImagePath string) (virtio.Backing, error) {
	if diskImagePath != "" {
		return virtio.OpenFileBacking(diskImagePath, blockSectors)
	}
	backingBase, ok := alloc.Alloc(mem.Layout{Size: uintptr(blockSectors) * 512, Align: arch.PageSize})
	if !ok {
		return nil, fmt.Errorf("out of memory allocating %d sectors", blockSectors)
	}
	return virtio.NewArenaBacking(arena, backingBase, blockSectors), nil
}

// routedPLIC drives the trap router synchronously on Raise, standing
// in for the hardware vector-table delivery path this tree does not
// itself implement -- the same adapter internal/virtio's own tests use
// to exercise Device.Interrupt without real hardware.
type routedPLIC struct {
	plic   *plic.Controller
	router *trap.Router
}

func (r routedPLIC) Raise(source int) {
	r.plic.Raise(source)
	r.router.HandleTrap(trap.VectorExternalInterrupt, 0)
}

// Boot prints the boot banner, brings up the VM and task managers,
// starts the init task, and schedules it in -- everything up to the
// point a real kernel would drop into its idle loop forever.
func (k *Kernel) Boot() {
	k.Log.Banner(k.Board.ISA.String(), k.CPU.CPUID())
	k.Log.Printf("Boot session: %s\n", k.BootID)

	k.Log.Line("Initialize VM Manager")
	k.VM.CreateAddressSpace("kernel")
	if err := k.VM.IdentityMapAll("kernel"); err != nil {
		panic(fmt.Sprintf("kernel: identity-mapping the kernel address space: %v", err))
	}
	if err := k.VM.Activate(k.MMU, "kernel"); err != nil {
		panic(fmt.Sprintf("kernel: activating the kernel address space: %v", err))
	}

	bringup, err := user.NewBringup(k.Board.ISA, k.Arena, k.Alloc, k.VM, k.Tasks)
	if err != nil {
		panic(fmt.Sprintf("kernel: user bringup: %v", err))
	}
	k.User = bringup

	k.Log.Line("Initialize Task Manager")
	initID := k.Tasks.CreateTask("init", 0)
	initTask, _ := k.Tasks.Get(initID)
	k.initCtx = &initTask.KernelContext

	k.Tasks.SetSwitchFunc(func(from, to *task.KernelContext) {
		if to == k.initCtx {
			k.Log.Line("init")
		}
	})

	if err := k.Tasks.ReadyTask(initID); err != nil {
		panic(fmt.Sprintf("kernel: readying init task: %v", err))
	}
	k.Tasks.Schedule()

	k.mountRootFS()
}

// mountRootFS exercises the freshly initialized virtio-blk device end
// to end: create "bbb.txt" in the root directory (a disk image that
// already holds it from an earlier boot is accepted as is) and confirm
// it is visible by listing the directory back.
func (k *Kernel) mountRootFS() {
	if err := k.FS.CreateFile("bbb.txt"); err != nil && !errors.Is(err, fat.ErrExists) {
		panic(fmt.Sprintf("kernel: creating root directory entry: %v", err))
	}
	entries, err := k.FS.RootDir()
	if err != nil {
		panic(fmt.Sprintf("kernel: reading root directory: %v", err))
	}
	for _, e := range entries {
		if e.Name == "bbb.txt" {
			k.Log.Line("FAT: bbb.txt")
			return
		}
	}
	panic("kernel: bbb.txt missing from root directory after create")
}

// Idle is the scheduler's forever loop: cooperative round robin has no
// preemption and no idle-halt instruction modeled here, so an idle
// hart simply keeps offering the ready queue a chance to run.
func (k *Kernel) Idle() {
	for {
		k.Tasks.Schedule()
	}
}

// TaskSnapshot exposes the task table to read-only observers
// (cmd/kmon) without them needing to reach into k.Tasks directly.
func (k *Kernel) TaskSnapshot() []task.Task {
	return k.Tasks.Snapshot()
}

// CurrentTaskID exposes the running task's ID to read-only observers.
func (k *Kernel) CurrentTaskID() int {
	return k.Tasks.Current()
}

// QueueSummary renders the virtqueue's current occupancy as a short
// human-readable block for the debug console.
func (k *Kernel) QueueSummary() string {
	qs := k.BlockDev.Snapshot()
	return fmt.Sprintf("free descriptors: %d/%d\ndriver used idx:  %d\nin-flight slots:  %v\n",
		qs.FreeDescs, virtio.DescNum, qs.DriverUsedIdx, qs.InFlightSlots)
}
