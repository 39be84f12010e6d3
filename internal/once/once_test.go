package once

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetRunsInitOnlyOnce(t *testing.T) {
	var c Cell[int]
	calls := 0
	init := func() int { calls++; return 42 }

	var wg sync.WaitGroup
	results := make([]int, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Get(init)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
	for _, r := range results {
		assert.Equal(t, 42, r)
	}
}

func TestMustSetPanicsOnSecondCall(t *testing.T) {
	var c Cell[string]
	c.MustSet("first")
	assert.Panics(t, func() { c.MustSet("second") })
}

func TestMustSetValueIsVisibleToGet(t *testing.T) {
	var c Cell[int]
	c.MustSet(7)
	assert.Equal(t, 7, c.Get(func() int { return -1 }))
}
