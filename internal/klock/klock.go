// Package klock implements the kernel's single process-wide big lock:
// a spinlock with interrupt-aware reentrant nesting and a
// wait-for-interrupt completion channel -- a spinlock paired with a
// condition variable over interrupts.
package klock

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/copland-os/copland/internal/cpu"
)

// KernelLock is the single global big lock. Reentrancy and the
// interrupt-enable save/restore are delegated to the calling hart's
// cpu.State: every Lock call pushes one interrupt-disable nesting
// level, every Unlock pops one, so a hart that calls Lock twice and
// Unlock once still has interrupts disabled.
type KernelLock struct {
	locked   atomic.Bool
	complete atomic.Bool

	meta  sync.Mutex
	held  bool
	owner int
	depth int
}

// New returns an unlocked KernelLock.
func New() *KernelLock {
	return &KernelLock{}
}

// Lock acquires the big lock, spinning on the underlying flag until it
// succeeds. If the calling hart already holds the lock, this is a
// no-op except for pushing another interrupt-disable nesting level.
func (k *KernelLock) Lock(cs *cpu.State) {
	me := cs.CPUID()

	k.meta.Lock()
	if k.held && k.owner == me {
		k.depth++
		k.meta.Unlock()
		cs.InterruptPush()
		return
	}
	k.meta.Unlock()

	for !k.locked.CompareAndSwap(false, true) {
		runtime.Gosched()
	}

	cs.InterruptPush()

	k.meta.Lock()
	k.owner = me
	k.held = true
	k.depth = 1
	k.meta.Unlock()
}

// Unlock releases one nesting level. Only the owning hart may unlock;
// a double-unlock from a non-owning hart is silently ignored.
func (k *KernelLock) Unlock(cs *cpu.State) {
	me := cs.CPUID()

	k.meta.Lock()
	if !k.held || k.owner != me {
		k.meta.Unlock()
		return
	}
	k.depth--
	last := k.depth == 0
	if last {
		k.held = false
	}
	k.meta.Unlock()

	cs.InterruptPop()

	if last {
		k.locked.Store(false)
	}
}

// HeldByCurrent reports whether cs's hart currently holds the lock, for
// assertions.
func (k *KernelLock) HeldByCurrent(cs *cpu.State) bool {
	k.meta.Lock()
	defer k.meta.Unlock()
	return k.held && k.owner == cs.CPUID()
}

// CompleteIntr sets the "interrupt observed" flag. Callable from the
// trap path; idempotent within a wait cycle.
func (k *KernelLock) CompleteIntr() {
	k.complete.Store(true)
}

// WaitIntr atomically (from the caller's perspective) restores
// interrupts-on, busy-waits until CompleteIntr is observed, then
// disables interrupts again and clears the flag. Used by a driver that
// wants to sleep pending an external IRQ without giving up the lock's
// semantic ownership -- no other hart can take the big lock while this
// one is spinning here, so "sleeping" just means "not doing useful
// work".
func (k *KernelLock) WaitIntr(cs *cpu.State) {
	cs.InterruptOn()
	for !k.complete.Load() {
		runtime.Gosched()
	}
	cs.InterruptOff()
	k.complete.Store(false)
}
