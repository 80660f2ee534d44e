package coros

// Condition is a first-in-first-wake rendezvous for coroutines on one
// scheduler; there is no cross-thread notification (spec.md §4.8),
// adapted from the Mesa-style FIFO waiter-list discipline of nsync's
// condition variable.
type Condition struct {
	sched   *Scheduler
	waiters []*Coroutine
}

// NewCondition binds a Condition to sched. Wait/NotifyOne/NotifyAll must
// only be called by coroutines owned by sched, on sched's own thread.
func NewCondition(sched *Scheduler) *Condition {
	return &Condition{sched: sched}
}

// Wait enqueues self as a waiter, in arrival order, and suspends it WAITING
// until a Notify call wakes it with event=COND (spec.md §4.8 Wait).
func (cv *Condition) Wait(self *Coroutine) WakeEvent {
	cv.waiters = append(cv.waiters, self)
	return self.Suspend(Waiting)
}

// NotifyOne wakes the longest-waiting coroutine, if any, with event=COND. A
// waiter cancelled off-thread since it called Wait is skipped rather than
// woken — Cancel doesn't know to remove it from cv.waiters, so this is the
// one place that notices it has already left WAITING.
func (cv *Condition) NotifyOne() {
	for len(cv.waiters) > 0 {
		c := cv.waiters[0]
		cv.waiters = cv.waiters[1:]
		if cv.wake(c) {
			return
		}
	}
}

// NotifyAll wakes every currently waiting coroutine, in arrival order, with
// event=COND, skipping any already cancelled off-thread since they called
// Wait.
func (cv *Condition) NotifyAll() {
	waiters := cv.waiters
	cv.waiters = nil
	for _, c := range waiters {
		cv.wake(c)
	}
}

// wake transitions c to READY with event=Cond unless it has already left
// WAITING (e.g. a concurrent Cancel). Reports whether it woke c. Condition
// is same-scheduler-thread-only by contract, so this moves c onto the
// ready list directly rather than going through Wakeup's cross-thread
// mailbox routing.
func (cv *Condition) wake(c *Coroutine) bool {
	if !c.tryTransitionFromWaiting(Cond, nil) {
		return false
	}
	cv.sched.moveWaitingToReady(c)
	return true
}

// Waiters reports how many coroutines are currently parked on cv.
func (cv *Condition) Waiters() int { return len(cv.waiters) }
