package coros

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stopDefault drains and closes a pool's default scheduler, which
// NewSchedulerPool never drives itself (that is left to the caller).
func stopDefault(t *testing.T, pool *SchedulerPool) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.GetDefault().Run()
	}()
	pool.GetDefault().Stop(false)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("default scheduler did not stop")
	}
}

func TestSchedulerPoolRoundRobinsAcrossWorkers(t *testing.T) {
	pool, err := NewSchedulerPool(3)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pool.Stop())
		stopDefault(t, pool)
	})

	seen := map[*Scheduler]int{}
	for i := 0; i < 6; i++ {
		seen[pool.GetNext()]++
	}
	assert.Len(t, seen, 3)
	for _, count := range seen {
		assert.Equal(t, 2, count)
	}
}

// TestSchedulerPoolGracefulShutdownDrainsWork mirrors spec.md §8 scenario 4:
// a worker scheduler with an in-flight coroutine keeps running until that
// coroutine finishes, even after Stop(graceful) is requested.
func TestSchedulerPoolGracefulShutdownDrainsWork(t *testing.T) {
	pool, err := NewSchedulerPool(1)
	require.NoError(t, err)
	t.Cleanup(func() { stopDefault(t, pool) })

	worker := pool.GetNext()
	finished := make(chan struct{})
	c := Create(worker, func(self *Coroutine) {
		self.Wait(100_000)
		close(finished)
	}, nil)
	require.NotNil(t, c)

	// A coroutine parked WAITING, not one merely looping READY, is what
	// spec.md §4.3 step 5's graceful-shutdown check actually tracks.
	require.Eventually(t, func() bool { return c.State() == Waiting }, time.Second, time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- pool.Stop() }()

	select {
	case <-stopped:
		t.Fatal("pool stopped before its in-flight coroutine finished")
	case <-time.After(100 * time.Millisecond):
	}

	c.Wakeup(Wakeup)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("in-flight coroutine never finished")
	}
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pool never finished stopping after its work drained")
	}
}
