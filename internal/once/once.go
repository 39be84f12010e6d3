// Package once implements a generic "one instance, initialized exactly
// once before first use" cell for module-scope singletons, so every
// caller sees the same fully-initialized instance regardless of which
// one triggers the initializer.
package once

import "sync"

// Cell holds a value that is constructed exactly once, the first time
// Get is called, and shared by every caller after that.
type Cell[T any] struct {
	once sync.Once
	val  T
}

// Get returns the cell's value, running init the first time (across
// all callers) and caching the result for every subsequent call.
func (c *Cell[T]) Get(init func() T) T {
	c.once.Do(func() {
		c.val = init()
	})
	return c.val
}

// MustSet installs val directly, bypassing the lazy initializer. It
// panics if the cell has already been initialized -- re-seeding a
// singleton after first use is a programming error, not a supported
// reset path.
func (c *Cell[T]) MustSet(val T) {
	ran := false
	c.once.Do(func() {
		c.val = val
		ran = true
	})
	if !ran {
		panic("once: Cell already initialized")
	}
}
