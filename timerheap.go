package coros

import (
	"container/heap"
	"time"
)

// timerEntry is one scheduled callback, adapted from eventloop's timerHeap
// (loop.go): a min-heap ordered by fire time, driving one-shot waits
// (spec.md §4.2 Wait). The periodic deadline sweep is not on this heap;
// Scheduler.sweep checks its own lastSweep time on every tick.
type timerEntry struct {
	when time.Time
	fn   func()
}

type timerHeap []timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)         { *h = append(*h, x.(timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// scheduleAt pushes fn to run at when. Only safe to call from the
// scheduler's own thread.
func (s *Scheduler) scheduleAt(when time.Time, fn func()) {
	heap.Push(&s.timers, timerEntry{when: when, fn: fn})
}

// runDueTimers pops and runs every timer whose fire time has passed.
// Returns the duration until the next timer, or -1 if the heap is empty.
func (s *Scheduler) runDueTimers(now time.Time) time.Duration {
	for len(s.timers) > 0 {
		next := s.timers[0]
		if next.when.After(now) {
			return next.when.Sub(now)
		}
		heap.Pop(&s.timers)
		next.fn()
	}
	return -1
}
