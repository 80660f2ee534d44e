package coros

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClsIsSizedPerScheduler(t *testing.T) {
	s := newTestScheduler(t, WithClsBytes(32))

	var size int
	var zeroed bool
	done := make(chan struct{})
	Create(s, func(self *Coroutine) {
		cls := self.Cls()
		size = len(cls)
		zeroed = true
		for _, b := range cls {
			if b != 0 {
				zeroed = false
			}
		}
		close(done)
	}, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("coroutine never ran")
	}
	assert.Equal(t, 32, size)
	assert.True(t, zeroed)
}

func TestClsDefaultsToEmpty(t *testing.T) {
	s := newTestScheduler(t)

	var cls []byte
	done := make(chan struct{})
	c := Create(s, func(self *Coroutine) {
		cls = self.Cls()
		close(done)
	}, nil)
	require.NotNil(t, c)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("coroutine never ran")
	}
	assert.Empty(t, cls)
}

// CurrentScheduler called from inside a coroutine's entry function returns
// the coroutine's owning scheduler, the same one (*Coroutine).Scheduler
// reports.
func TestCurrentSchedulerMatchesOwner(t *testing.T) {
	s := newTestScheduler(t)

	var fromRegistry *Scheduler
	var fromField *Scheduler
	done := make(chan struct{})
	Create(s, func(self *Coroutine) {
		fromRegistry = CurrentScheduler()
		fromField = self.Scheduler()
		close(done)
	}, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("coroutine never ran")
	}
	assert.Same(t, s, fromRegistry)
	assert.Same(t, s, fromField)
}
