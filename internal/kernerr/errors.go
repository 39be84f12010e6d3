// Package kernerr defines the error kinds the kernel substrate surfaces to
// its callers. Recoverable conditions (file not found, mapping an
// unmapped address) become one of these; invariant violations that
// indicate a programming bug (descriptor exhaustion, double free,
// unknown IRQ, misaligned page table, OOM) are fatal panics instead and
// never appear here.
package kernerr

import (
	"errors"
	"fmt"
)

// Sentinel VMError kinds.
var (
	ErrMisaligned = errors.New("vm: address not page-aligned")
	ErrNotFound   = errors.New("vm: address not mapped")
)

// VMError wraps one of the sentinel kinds above with the address that
// triggered it.
type VMError struct {
	Kind error
	Addr uintptr
}

func (e *VMError) Error() string {
	return fmt.Sprintf("%v: %#x", e.Kind, e.Addr)
}

func (e *VMError) Unwrap() error { return e.Kind }

// NewMisaligned reports a page-table operation given an address that is
// not aligned to the page size it requires.
func NewMisaligned(addr uintptr) *VMError {
	return &VMError{Kind: ErrMisaligned, Addr: addr}
}

// NewNotFound reports a walk that found no mapping for addr.
func NewNotFound(addr uintptr) *VMError {
	return &VMError{Kind: ErrNotFound, Addr: addr}
}

// Sentinel DiskError kinds.
var ErrDiskUnknown = errors.New("disk: unknown failure")

// DiskError wraps a disk-layer failure.
type DiskError struct {
	Kind error
}

func (e *DiskError) Error() string  { return e.Kind.Error() }
func (e *DiskError) Unwrap() error  { return e.Kind }

// Sentinel TaskError kinds.
var (
	ErrTaskNotFound   = errors.New("task: not found")
	ErrMapFailed      = errors.New("task: failed to map memory region")
	ErrFileNotFound   = errors.New("task: file not found")
	ErrDisk           = errors.New("task: disk error")
	ErrExecParse      = errors.New("task: could not parse executable")
	ErrUnsupported    = errors.New("task: unsupported on this architecture")
	ErrReadOnlyDevice = errors.New("task: device refuses to honor write requests")
)

// TaskError is returned by task-lifecycle operations (create_task,
// exec, ready_task) that fail for a reason a caller can reasonably act
// on, as opposed to a programming-error panic.
type TaskError struct {
	Kind error
	ID   int
	Err  error // wrapped cause, e.g. a *VMError for ErrMapFailed
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v (task %d): %v", e.Kind, e.ID, e.Err)
	}
	return fmt.Sprintf("%v (task %d)", e.Kind, e.ID)
}

func (e *TaskError) Unwrap() error { return e.Kind }

// NewTaskNotFound reports that id does not name a live task.
func NewTaskNotFound(id int) *TaskError {
	return &TaskError{Kind: ErrTaskNotFound, ID: id}
}

// NewMapError wraps a page-table failure encountered while bringing up
// a task's address space.
func NewMapError(id int, cause error) *TaskError {
	return &TaskError{Kind: ErrMapFailed, ID: id, Err: cause}
}

// NewExecError reports a failure while loading an ELF image for exec,
// tagging it with the more specific kind (ErrFileNotFound, ErrDisk,
// ErrExecParse) for the caller.
func NewExecError(id int, kind error, cause error) *TaskError {
	return &TaskError{Kind: kind, ID: id, Err: cause}
}
