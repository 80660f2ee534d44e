package coros

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestScheduler builds a non-default scheduler and starts its reactor in
// the background, stopping it (non-gracefully, since tests rarely care to
// drain in-flight work) when the test ends.
func newTestScheduler(t *testing.T, opts ...SchedulerOption) *Scheduler {
	t.Helper()
	s, err := NewScheduler(false, opts...)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run()
	}()
	t.Cleanup(func() {
		s.Stop(false)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop in time")
		}
	})
	return s
}

func TestCoroutineReachesDoneAndRunsExitOnce(t *testing.T) {
	s := newTestScheduler(t)

	var exits atomic.Int32
	ran := make(chan struct{})
	c := Create(s, func(self *Coroutine) {
		close(ran)
	}, func() { exits.Add(1) })
	require.NotNil(t, c)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("coroutine never ran")
	}
	// Done becomes visible before Destroy runs the exit callback, so wait for
	// both.
	require.Eventually(t, func() bool { return c.State() == Done && exits.Load() >= 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), exits.Load())
}

func TestCancelUnwindsAndRunsExitExactlyOnce(t *testing.T) {
	s := newTestScheduler(t)

	var exits atomic.Int32
	started := make(chan struct{})
	c := Create(s, func(self *Coroutine) {
		close(started)
		self.Wait(60_000)
		t.Error("coroutine resumed normally after cancellation instead of unwinding")
	}, func() { exits.Add(1) })
	require.NotNil(t, c)

	<-started
	require.Eventually(t, func() bool { return c.State() == Waiting }, time.Second, time.Millisecond)

	c.Cancel()
	require.Eventually(t, func() bool { return exits.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, Done, c.State())
}

func TestJoinWaitsForTargetDone(t *testing.T) {
	s := newTestScheduler(t)

	var release atomic.Bool
	target := Create(s, func(self *Coroutine) {
		for !release.Load() {
			self.Nice()
		}
	}, nil)
	require.NotNil(t, target)

	joined := make(chan error, 1)
	joiner := Create(s, func(self *Coroutine) {
		joined <- self.Join(target)
	}, nil)
	require.NotNil(t, joiner)

	select {
	case <-joined:
		t.Fatal("joiner returned before the target coroutine finished")
	case <-time.After(100 * time.Millisecond):
	}

	release.Store(true)
	select {
	case err := <-joined:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("joiner never woke after target finished")
	}
}

func TestJoinDetectsDeadlock(t *testing.T) {
	s := newTestScheduler(t)

	var a, b *Coroutine
	var readyForJoin atomic.Bool
	bJoinErr := make(chan error, 1)

	b = Create(s, func(self *Coroutine) {
		for !readyForJoin.Load() {
			self.Nice()
		}
		bJoinErr <- self.Join(a)
	}, nil)
	require.NotNil(t, b)

	aJoinErr := make(chan error, 1)
	a = Create(s, func(self *Coroutine) {
		aJoinErr <- self.Join(b)
	}, nil)
	require.NotNil(t, a)

	require.Eventually(t, func() bool { return a.State() == Waiting }, time.Second, time.Millisecond)
	readyForJoin.Store(true)

	select {
	case err := <-bJoinErr:
		assert.ErrorIs(t, err, ErrDeadlock)
	case <-time.After(time.Second):
		t.Fatal("b.Join(a) never returned")
	}
}

func TestWaitTimesOut(t *testing.T) {
	s := newTestScheduler(t)

	start := time.Now()
	woke := make(chan WakeEvent, 1)
	c := Create(s, func(self *Coroutine) {
		woke <- self.Wait(50)
	}, nil)
	require.NotNil(t, c)

	select {
	case e := <-woke:
		assert.Equal(t, Timeout, e)
		assert.WithinDuration(t, start.Add(50*time.Millisecond), time.Now(), 200*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("Wait never timed out")
	}
}

// TestNiceLoopDoesNotStarveWait mirrors spec.md §8 scenario 5: a coroutine
// that only ever yields via Nice must not prevent a second coroutine's
// timed Wait from firing: the 200ms Wait must report Timeout within 2s.
func TestNiceLoopDoesNotStarveWait(t *testing.T) {
	s := newTestScheduler(t, WithTightLoop(50))

	var stop atomic.Bool
	t.Cleanup(func() { stop.Store(true) })
	busy := Create(s, func(self *Coroutine) {
		for !stop.Load() {
			self.Nice()
		}
	}, nil)
	require.NotNil(t, busy)

	start := time.Now()
	woke := make(chan WakeEvent, 1)
	waiter := Create(s, func(self *Coroutine) {
		woke <- self.Wait(200)
	}, nil)
	require.NotNil(t, waiter)

	select {
	case e := <-woke:
		assert.Equal(t, Timeout, e)
		assert.Less(t, time.Since(start), 2*time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("a tight Nice loop starved a concurrent Wait")
	}
}

func TestComputeOffloadDoesNotBlockSchedulerIdentity(t *testing.T) {
	s := newTestScheduler(t)

	done := make(chan struct{})
	var schedBefore, schedDuring, schedAfter *Scheduler
	c := Create(s, func(self *Coroutine) {
		schedBefore = self.Scheduler()
		self.BeginCompute()
		time.Sleep(30 * time.Millisecond)
		schedDuring = self.Scheduler()
		self.EndCompute()
		schedAfter = self.Scheduler()
		close(done)
	}, nil)
	require.NotNil(t, c)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("compute segment never completed")
	}
	assert.Same(t, s, schedBefore)
	assert.Same(t, s, schedDuring)
	assert.Same(t, s, schedAfter)
}

// TestComputeOffloadDoesNotStarveReactor covers spec.md §8 scenario 2's
// observable contract in Go terms: while one coroutine is blocked inside a
// BeginCompute/EndCompute segment on a compute worker, the scheduler's
// reactor keeps servicing an unrelated coroutine on the same scheduler.
func TestComputeOffloadDoesNotStarveReactor(t *testing.T) {
	s := newTestScheduler(t)

	computeDone := make(chan struct{})
	Create(s, func(self *Coroutine) {
		self.BeginCompute()
		time.Sleep(200 * time.Millisecond)
		self.EndCompute()
		close(computeDone)
	}, nil)

	waitDone := make(chan time.Duration, 1)
	start := time.Now()
	Create(s, func(self *Coroutine) {
		self.Wait(50)
		waitDone <- time.Since(start)
	}, nil)

	select {
	case elapsed := <-waitDone:
		assert.Less(t, elapsed, 150*time.Millisecond, "the waiter should finish well before the 200ms compute segment")
	case <-time.After(time.Second):
		t.Fatal("concurrent Wait starved by compute segment")
	}

	select {
	case <-computeDone:
	case <-time.After(time.Second):
		t.Fatal("compute segment never completed")
	}
}
