package coros

import "sync/atomic"

var coroutineIDCounter atomic.Uint64

// nextCoroutineID returns a process-unique, monotonically increasing
// coroutine identity (spec.md §3 "Coroutine: Identity").
func nextCoroutineID() uint64 {
	return coroutineIDCounter.Add(1)
}

var schedulerIDCounter atomic.Uint64

// nextSchedulerID returns a process-unique scheduler identity (spec.md §3
// "Scheduler: Identity").
func nextSchedulerID() uint64 {
	return schedulerIDCounter.Add(1)
}
