package coros

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestComputePoolReclaimQueuedOnlyTakesOwnEntries verifies reclaimQueued
// pulls out exactly the entries belonging to the requesting scheduler,
// leaving coroutines owned by other schedulers queued (spec.md §4.5:
// queued-but-not-started coroutines are cancelled in their *owning*
// scheduler's Cleanup pass, not in whichever scheduler happens to call
// shutdown first).
func TestComputePoolReclaimQueuedOnlyTakesOwnEntries(t *testing.T) {
	s1 := newTestScheduler(t)
	s2 := newTestScheduler(t)

	// An isolated pool with zero worker threads: nothing drains it on its
	// own, so the queue contents are fully under this test's control.
	pool := newComputePool(0)

	var released atomic.Bool
	t.Cleanup(func() { released.Store(true) })
	spawn := func(s *Scheduler) *Coroutine {
		c := Create(s, func(self *Coroutine) {
			for !released.Load() {
				self.Nice()
			}
		}, nil)
		require.NotNil(t, c)
		return c
	}
	c1 := spawn(s1)
	c2 := spawn(s2)

	pool.mu.Lock()
	pool.queue = append(pool.queue, c1, c2)
	pool.mu.Unlock()

	reclaimed := pool.reclaimQueued(s1)
	require.Len(t, reclaimed, 1)
	assert.Same(t, c1, reclaimed[0])

	pool.mu.Lock()
	remaining := append([]*Coroutine(nil), pool.queue...)
	pool.mu.Unlock()
	require.Len(t, remaining, 1)
	assert.Same(t, c2, remaining[0])

	// A second reclaim for the same scheduler finds nothing left to take.
	assert.Empty(t, pool.reclaimQueued(s1))
}
