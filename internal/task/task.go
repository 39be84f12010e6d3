// Package task implements the task table, kernel contexts, FIFO ready
// queue, and round-robin scheduler.
package task

import (
	"container/list"
	"sync"
	"unsafe"

	"github.com/copland-os/copland/internal/arch"
	"github.com/copland-os/copland/internal/kernerr"
)

// State is a task's lifecycle state.
type State int

const (
	Stop State = iota
	Ready
	Running
)

func (s State) String() string {
	switch s {
	case Stop:
		return "stop"
	case Ready:
		return "ready"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// CalleeSavedCount is the size of the preserved-register array a
// KernelContext carries. RISC-V's preserved set (s0..s11) and
// AArch64's (x19..x30) both fit twelve slots; the array's contents are
// opaque payload to Schedule and the switch primitive, so one fixed
// width serves both ISAs' callee-saved set without per-ISA context
// types.
const CalleeSavedCount = 12

// KernelContext is the packed, stable callee-saved register set a
// context switch stores and restores: return address, stack pointer,
// and the callee-saved general registers.
type KernelContext struct {
	RA     uintptr
	SP     uintptr
	Callee [CalleeSavedCount]uintptr
}

// KernelStackSize is the fixed kernel stack size allocated for every
// task.
const KernelStackSize = 32 * 1024

// Task is one task's record in the task table.
type Task struct {
	ID            int
	Name          string
	State         State
	KernelContext KernelContext
	KernelStack   []byte

	// UserContextAddr and PageTableName are non-zero/non-empty only for
	// user tasks brought up through internal/user.
	UserContextAddr uintptr
	PageTableName   string

	MemoryRegions []arch.MemoryRegion
}

// SwitchFunc is the context-switch primitive: store the running
// task's callee-saved registers into from, load to's into the live
// register set. On real hardware this is hand-written assembly and
// never returns to its caller in the ordinary sense; the caller
// resumes only when scheduled back. The default implementation is a
// no-op standing in for that assembly -- Manager.SetSwitchFunc lets a
// test install a spy, the same mockable-hardware-edge pattern
// internal/cpu uses for CPU identity.
type SwitchFunc func(from, to *KernelContext)

// NopSwitch is the default SwitchFunc: it observes the transition but
// performs none of the real machine-state transfer, which only makes
// sense running on real hardware.
func NopSwitch(from, to *KernelContext) {}

// Manager is the task table plus the FIFO ready queue and round-robin
// Schedule(): strict round-robin, no priorities, ties broken by FIFO
// enqueue order.
type Manager struct {
	mu       sync.Mutex
	tasks    map[int]*Task
	nextID   int
	ready    *list.List
	current  int
	switchFn SwitchFunc
}

// NewManager creates task 0, the bootstrap "kernel" task, marks it
// Running, and never enqueues it. Task 0 is never destroyed and is
// never auto-enqueued by Schedule unless explicitly yielded.
func NewManager() *Manager {
	kernel := &Task{ID: 0, Name: "kernel", State: Running}
	return &Manager{
		tasks:    map[int]*Task{0: kernel},
		nextID:   1,
		ready:    list.New(),
		current:  0,
		switchFn: NopSwitch,
	}
}

// SetSwitchFunc installs the context-switch primitive Schedule invokes.
func (m *Manager) SetSwitchFunc(fn SwitchFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switchFn = fn
}

// CreateTask allocates a task struct and a kernel stack, and
// initializes the kernel context so sp is the top of that stack and
// the return-address-equivalent is entryAddr.
func (m *Manager) CreateTask(name string, entryAddr uintptr) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	stack := make([]byte, KernelStackSize)
	t := &Task{
		ID:          id,
		Name:        name,
		State:       Stop,
		KernelStack: stack,
	}
	t.KernelContext.RA = entryAddr
	t.KernelContext.SP = uintptr(unsafe.Pointer(&stack[len(stack)-1])) + 1

	m.tasks[id] = t
	return id
}

// ReadyTask marks id Ready and enqueues it at the back of the ready
// queue.
func (m *Manager) ReadyTask(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return kernerr.NewTaskNotFound(id)
	}
	t.State = Ready
	m.ready.PushBack(id)
	return nil
}

// Schedule picks the head of the ready queue; if it is empty, Schedule
// returns without action. Otherwise the current task is re-queued
// (state -> Ready, unless it is task 0, which is never auto-enqueued),
// the successor is marked Running, and the switch primitive is
// invoked. Schedule holds m's lock for the whole call, including the
// switch primitive, so a SwitchFunc must not call back into m.
func (m *Manager) Schedule() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ready.Len() == 0 {
		return
	}

	cur := m.tasks[m.current]
	if cur.State == Running {
		cur.State = Ready
		if cur.ID != 0 {
			m.ready.PushBack(cur.ID)
		}
	}

	front := m.ready.Remove(m.ready.Front()).(int)
	next := m.tasks[front]
	next.State = Running

	fromCtx := &cur.KernelContext
	toCtx := &next.KernelContext
	m.current = next.ID

	m.switchFn(fromCtx, toCtx)
}

// Current returns the currently running task's ID.
func (m *Manager) Current() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Get looks up a task by ID, for callers (internal/user, cmd/kmon)
// that need its full record.
func (m *Manager) Get(id int) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Snapshot returns every task's ID and state, ordered by ID, for the
// debug console (cmd/kmon) to render.
func (m *Manager) Snapshot() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ID < out[j-1].ID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
