package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerStartsWithKernelTaskRunning(t *testing.T) {
	m := NewManager()
	kernel, ok := m.Get(0)
	require.True(t, ok)
	assert.Equal(t, Running, kernel.State)
	assert.Equal(t, 0, m.Current())
}

func TestCreateTaskInitializesKernelContext(t *testing.T) {
	m := NewManager()
	const entry = uintptr(0xdead0000)
	id := m.CreateTask("echo", entry)

	tsk, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, entry, tsk.KernelContext.RA)
	assert.NotZero(t, tsk.KernelContext.SP)
	assert.Equal(t, KernelStackSize, len(tsk.KernelStack))
	assert.Equal(t, Stop, tsk.State)
}

func TestTaskIDsAreMonotonicallyIncreasing(t *testing.T) {
	m := NewManager()
	a := m.CreateTask("a", 0)
	b := m.CreateTask("b", 0)
	c := m.CreateTask("c", 0)
	assert.Less(t, a, b)
	assert.Less(t, b, c)
}

func TestReadyTaskUnknownIDIsNotFound(t *testing.T) {
	m := NewManager()
	err := m.ReadyTask(99)
	assert.Error(t, err)
}

func TestScheduleWithEmptyReadyQueueIsNoop(t *testing.T) {
	m := NewManager()
	calls := 0
	m.SetSwitchFunc(func(from, to *KernelContext) { calls++ })

	m.Schedule()
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, m.Current())
}

func TestScheduleRoundRobinsInFIFOOrder(t *testing.T) {
	m := NewManager()
	var switched [][2]int
	m.SetSwitchFunc(func(from, to *KernelContext) {
		// RA doubles as a stand-in task fingerprint in this test.
		switched = append(switched, [2]int{int(from.RA), int(to.RA)})
	})

	a := m.CreateTask("a", 1)
	b := m.CreateTask("b", 2)
	require.NoError(t, m.ReadyTask(a))
	require.NoError(t, m.ReadyTask(b))

	m.Schedule()
	assert.Equal(t, a, m.Current())
	taskA, _ := m.Get(a)
	assert.Equal(t, Running, taskA.State)

	m.Schedule()
	assert.Equal(t, b, m.Current())

	kernel, _ := m.Get(0)
	assert.Equal(t, Ready, kernel.State, "the kernel task's state flips to Ready once it yields, though it is not re-queued")
}

func TestKernelTaskIsNeverAutoEnqueued(t *testing.T) {
	m := NewManager()
	a := m.CreateTask("a", 1)
	require.NoError(t, m.ReadyTask(a))

	m.Schedule() // kernel yields to a
	assert.Equal(t, a, m.Current())

	kernel, _ := m.Get(0)
	assert.Equal(t, Ready, kernel.State, "yielding still flips the kernel task's state to Ready")

	// The ready queue is now empty: "a" never re-queued itself, and the
	// kernel task was not auto-enqueued the way an ordinary task would
	// be. Schedule must be a no-op until something explicitly readies
	// the kernel task again.
	m.Schedule()
	assert.Equal(t, a, m.Current(), "kernel task must not resume on its own")

	require.NoError(t, m.ReadyTask(0))
	m.Schedule()
	assert.Equal(t, 0, m.Current())
}

func TestOnlyOneTaskIsRunningAtATime(t *testing.T) {
	m := NewManager()
	a := m.CreateTask("a", 1)
	b := m.CreateTask("b", 2)
	require.NoError(t, m.ReadyTask(a))
	require.NoError(t, m.ReadyTask(b))

	m.Schedule()
	running := 0
	for _, tsk := range m.Snapshot() {
		if tsk.State == Running {
			running++
		}
	}
	assert.Equal(t, 1, running)
}
