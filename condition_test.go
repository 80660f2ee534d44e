package coros

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionNotifyOneWakesFIFO(t *testing.T) {
	s := newTestScheduler(t)
	cv := NewCondition(s)

	order := make(chan int, 2)
	first := Create(s, func(self *Coroutine) {
		cv.Wait(self)
		order <- 1
	}, nil)
	second := Create(s, func(self *Coroutine) {
		cv.Wait(self)
		order <- 2
	}, nil)
	require.NotNil(t, first)
	require.NotNil(t, second)

	require.Eventually(t, func() bool {
		return first.State() == Waiting && second.State() == Waiting
	}, time.Second, time.Millisecond)

	// NotifyOne/NotifyAll must run on the scheduler's own thread; route it
	// through a third coroutine rather than calling it from the test
	// goroutine directly.
	Create(s, func(self *Coroutine) { cv.NotifyOne() }, nil)

	select {
	case woke := <-order:
		assert.Equal(t, 1, woke)
	case <-time.After(time.Second):
		t.Fatal("NotifyOne never woke the first waiter")
	}

	select {
	case <-order:
		t.Fatal("NotifyOne woke a second waiter")
	case <-time.After(50 * time.Millisecond):
	}
	require.Eventually(t, func() bool { return second.State() == Waiting }, time.Second, time.Millisecond)
}

func TestConditionNotifyAllWakesEveryWaiter(t *testing.T) {
	s := newTestScheduler(t)
	cv := NewCondition(s)

	const n = 3
	woken := make(chan WakeEvent, n)
	coros := make([]*Coroutine, n)
	for i := 0; i < n; i++ {
		coros[i] = Create(s, func(self *Coroutine) {
			woken <- cv.Wait(self)
		}, nil)
		require.NotNil(t, coros[i])
	}

	require.Eventually(t, func() bool {
		for _, c := range coros {
			if c.State() != Waiting {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)

	Create(s, func(self *Coroutine) { cv.NotifyAll() }, nil)

	for i := 0; i < n; i++ {
		select {
		case e := <-woken:
			assert.Equal(t, Cond, e)
		case <-time.After(time.Second):
			t.Fatal("NotifyAll did not wake every waiter")
		}
	}
}
