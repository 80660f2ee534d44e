package coros

import (
	"sync"

	"github.com/coros-dev/coros/internal/stackpool"
)

// cancelSignal is the sentinel panic value Suspend raises when it observes a
// pending cancellation. It is recovered exactly once, by the goroutine
// wrapper installed in Create; any other panic value propagates and crashes
// the process (spec.md §7, "fatal... conditions").
type cancelSignal struct{}

// resumeMsg is sent from a Scheduler (on its own thread) to a parked
// coroutine goroutine to wake it.
type resumeMsg struct {
	event WakeEvent
}

// yieldMsg is sent from a coroutine goroutine back to its Scheduler when it
// suspends or finishes.
type yieldMsg struct {
	state State
}

// Coroutine is a unit of user code bound to a goroutine, cooperating with
// its owning Scheduler through a lock-step channel handshake that stands in
// for the raw context-switch primitive of spec.md §4.1. See SPEC_FULL.md's
// "GO-NATIVE MAPPING" section for the rationale.
type Coroutine struct {
	id     uint64
	sched  *Scheduler
	stack  *stackpool.Descriptor
	entry  func(*Coroutine)
	exitFn func()

	resumeCh chan resumeMsg
	yieldCh  chan yieldMsg

	// mu guards the fields below, which may be touched from a thread other
	// than the owning scheduler's (Cancel, Join registration).
	mu        sync.Mutex
	state      State
	wake       WakeEvent
	cancelled  bool
	joiner     *Coroutine
	waitingFor *Coroutine // set only while inside Join, for wouldDeadlock's cycle walk
	started    bool

	// deadline, budget, and waitEpoch are touched only by the owning
	// scheduler's thread (deadline/budget) or by the coroutine itself while
	// it is the one running (deadline via Wait/SetDeadline) — both cases
	// are mutually exclusive under the lock-step handshake, so no lock is
	// needed for them.
	deadline  int
	budget    int
	waitEpoch uint64
}

// Create reserves a stack, builds a Coroutine bound to sched, and queues it
// to run: directly on sched's ready list if called from sched's own thread,
// or via its cross-thread mailbox otherwise (spec.md §4.2 Create).
//
// entry is invoked at most once, with the Coroutine itself so it can call
// Suspend/Wait/Nice/etc. exitFn, if non-nil, is invoked at most once when
// the coroutine reaches DONE (spec.md §3 "User code").
func Create(sched *Scheduler, entry func(*Coroutine), exitFn func(), stackBytes ...int) *Coroutine {
	if sched == nil {
		panic("coros: Create requires a non-nil Scheduler")
	}
	size := sched.cfg.stackBytes
	if len(stackBytes) > 0 && stackBytes[0] > 0 {
		size = stackBytes[0]
	}
	desc, err := sched.stacks.Allocate(size)
	if err != nil {
		logf(LevelWarn, "coros: stack allocation failed for new coroutine: %v", err)
		return nil
	}

	c := &Coroutine{
		id:       nextCoroutineID(),
		sched:    sched,
		stack:    desc,
		entry:    entry,
		exitFn:   exitFn,
		state:    Ready,
		resumeCh: make(chan resumeMsg),
		yieldCh:  make(chan yieldMsg),
	}

	go c.run()

	if sched.onOwnThread() {
		sched.adoptReady(c)
	} else {
		if !sched.mailbox.post(c) {
			// Scheduler already shut down before we could hand this
			// coroutine off; it was never adopted onto any ready/waiting
			// list, so this goroutine is the only thing that will ever
			// resume it. Cancel() alone only takes effect on a coroutine's
			// *next* resume — one this coroutine would never get — so
			// drive it directly to DONE instead, mirroring the
			// cancel-resume loop in Scheduler.cleanup().
			c.mu.Lock()
			c.cancelled = true
			c.mu.Unlock()
			if state := c.Resume(Cancel); state == Done {
				c.Destroy()
			} else {
				logf(LevelError, "coros: coroutine %d did not unwind after a dropped Create", c.ID())
			}
			return nil
		}
		sched.wakeup()
	}
	return c
}

// run is the body of the goroutine backing this coroutine. It blocks until
// the first Resume, runs entry to completion (or until it unwinds via
// Cancel), and always reports DONE exactly once. A coroutine already
// cancelled on its very first resume (Create's dropped-mailbox-post path)
// never calls entry at all — Suspend's cancellation check can't run before
// entry gets a chance to call it, so run checks once itself right after the
// initial park. While it runs, this goroutine is registered with the owning
// scheduler so CurrentScheduler works from inside entry.
func (c *Coroutine) run() {
	gid := getGoroutineID()
	schedulerRegistry.Store(gid, c.sched)
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(cancelSignal); !ok {
				panic(r)
			}
		}
		c.yieldCh <- yieldMsg{state: Done}
	}()
	defer schedulerRegistry.Delete(gid)

	<-c.resumeCh
	c.mu.Lock()
	cancelled := c.cancelled
	c.mu.Unlock()
	if cancelled {
		panic(cancelSignal{})
	}
	c.entry(c)
}

// ID returns the coroutine's process-unique identity.
func (c *Coroutine) ID() uint64 { return c.id }

// Scheduler returns the coroutine's fixed owning scheduler.
func (c *Coroutine) Scheduler() *Scheduler { return c.sched }

// State returns the coroutine's current lifecycle state.
func (c *Coroutine) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cls returns the coroutine-local-storage region carved out at Create time.
// It is empty unless the owning Scheduler was configured with a nonzero CLS
// size (spec.md §4.2 Cls()).
func (c *Coroutine) Cls() []byte {
	if c.stack == nil {
		return nil
	}
	return c.stack.CLS
}

// Resume transitions the coroutine to RUNNING and jumps into it, carrying
// event as the reason it was woken. Must be called only by the owning
// scheduler's own thread, with one documented exception: while a coroutine
// is in COMPUTE state, a ComputePool worker thread calls Resume in its
// place (spec.md §4.5). Returns the state the coroutine reported after it
// next suspends or finishes.
func (c *Coroutine) Resume(event WakeEvent) State {
	c.mu.Lock()
	c.state = Running
	started := c.started
	c.started = true
	c.mu.Unlock()

	if !started {
		// First resume: unblock the goroutine out of its initial park; run
		// discards the event carried on the very first resume.
	}

	c.resumeCh <- resumeMsg{event: event}
	msg := <-c.yieldCh

	c.mu.Lock()
	c.state = msg.state
	c.mu.Unlock()
	return msg.state
}

// Suspend transitions the coroutine to newState and jumps back to the
// scheduler. Must be called only by the coroutine itself. On resume, if a
// cancellation is pending, Suspend panics with cancelSignal instead of
// returning, unwinding the coroutine's call stack up to run's recover
// (spec.md §4.2 Suspend).
func (c *Coroutine) Suspend(newState State) WakeEvent {
	c.mu.Lock()
	c.state = newState
	c.mu.Unlock()

	c.yieldCh <- yieldMsg{state: newState}
	msg := <-c.resumeCh

	c.mu.Lock()
	cancelled := c.cancelled
	c.wake = msg.event
	c.mu.Unlock()

	if cancelled {
		panic(cancelSignal{})
	}
	return msg.event
}

// Wait arms a one-shot timer on the owning reactor for millis milliseconds,
// then suspends WAITING. On timeout, Resume is called with event=Timeout
// (spec.md §4.2 Wait).
func (c *Coroutine) Wait(millis int) WakeEvent {
	c.mu.Lock()
	c.waitEpoch++
	epoch := c.waitEpoch
	c.mu.Unlock()
	c.sched.armOneShotTimer(c, millis, epoch)
	return c.Suspend(Waiting)
}

// Nice yields cooperatively: the coroutine goes back to READY and control
// returns to the scheduler, which will resume it again within the same tick
// subject to the tight-loop/budget fairness discipline (spec.md §4.2 Nice).
func (c *Coroutine) Nice() {
	c.Suspend(Ready)
}

// Join suspends the calling coroutine until other reaches DONE, unless
// other is already DONE, in which case Join returns immediately. Returns
// ErrDeadlock if waiting on other would create a cycle among coroutines on
// the same scheduler (spec.md §4.2 Join).
func (c *Coroutine) Join(other *Coroutine) error {
	if other == nil || other == c {
		return nil
	}
	if other.sched == c.sched && other.sched.wouldDeadlock(c, other) {
		return ErrDeadlock
	}

	other.mu.Lock()
	if other.state == Done {
		other.mu.Unlock()
		return nil
	}
	other.joiner = c
	other.mu.Unlock()

	c.mu.Lock()
	c.waitingFor = other
	c.mu.Unlock()
	event := c.Suspend(Waiting)
	c.mu.Lock()
	c.waitingFor = nil
	c.mu.Unlock()
	if event == Cancel {
		return ErrCancelled
	}
	return nil
}

// Cancel marks the coroutine for cancellation: the next time it resumes (or
// if it is currently WAITING, as soon as its owning scheduler observes the
// flip), Suspend raises the unwind. Safe to call from any thread (spec.md
// §4.2 Cancel, §5 "Cancellation and timeouts").
func (c *Coroutine) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	prev := c.state
	if prev == Waiting {
		c.state = Ready
	}
	c.mu.Unlock()

	if prev == Done || prev != Waiting {
		return
	}
	if c.sched.onOwnThread() {
		c.sched.moveWaitingToReady(c)
	} else {
		c.sched.mailbox.post(c)
		c.sched.wakeup()
	}
}

// tryTransitionFromWaiting flips c from WAITING to READY with the given
// event, unless it has already left WAITING by some other path or extra
// (when non-nil) reports the wake source itself is stale (e.g. a timer
// epoch that no longer matches). Reports whether the transition happened.
// Used by same-thread wake sources — timers, socket readiness, condition
// notifications — that must silently ignore a coroutine that moved on some
// other way instead of treating it as a caller error, unlike the exported
// Wakeup below.
func (c *Coroutine) tryTransitionFromWaiting(event WakeEvent, extra func() bool) bool {
	c.mu.Lock()
	stale := c.state != Waiting || (extra != nil && extra())
	if !stale {
		c.state = Ready
		c.wake = event
	}
	c.mu.Unlock()
	return !stale
}

// route moves a coroutine that has just transitioned out of WAITING onto
// its scheduler's ready list, directly if called from the scheduler's own
// thread or via the cross-thread mailbox otherwise.
func (c *Coroutine) route() {
	if c.sched.onOwnThread() {
		c.sched.moveWaitingToReady(c)
	} else {
		c.sched.mailbox.post(c)
		c.sched.wakeup()
	}
}

// Wakeup transitions a WAITING coroutine to READY with the given wake
// event. Only legal when the coroutine is currently WAITING; panics
// otherwise. Safe to call from any thread, routing through the owning
// scheduler's mailbox when called off its own thread (spec.md §4.2 Wakeup).
func (c *Coroutine) Wakeup(event WakeEvent) {
	if !c.tryTransitionFromWaiting(event, nil) {
		panic("coros: Wakeup called on a coroutine that is not WAITING")
	}
	c.route()
}

// tryWakeup is Wakeup's non-panicking counterpart: it reports whether c was
// still WAITING instead of asserting it, for wake sources — like Destroy
// waking a registered joiner — that can legitimately race a concurrent
// Cancel on the target and must not crash the process when they lose it.
func (c *Coroutine) tryWakeup(event WakeEvent) bool {
	if !c.tryTransitionFromWaiting(event, nil) {
		return false
	}
	c.route()
	return true
}

// BeginCompute suspends the coroutine with state=COMPUTE. Its owning
// scheduler's RunCoros observes the COMPUTE transition and hands the
// coroutine off to the process-wide ComputePool, whose worker Resumes it on
// a worker thread — the one documented exception to "only the owning
// scheduler resumes a coroutine" (spec.md §4.2, §4.5). BeginCompute must be
// paired with a later EndCompute.
func (c *Coroutine) BeginCompute() {
	c.Suspend(Compute)
}

// EndCompute is a Suspend back to READY called from within a BeginCompute
// segment. The compute worker that is resuming the coroutine observes the
// READY transition and posts the coroutine back to its owning scheduler's
// mailbox as compute-done (spec.md §4.2, §4.5).
func (c *Coroutine) EndCompute() {
	c.Suspend(Ready)
}

// Destroy runs exit_fn exactly once, wakes the joiner (if any) — with
// event=Cancel if this coroutine was itself cancelled rather than finishing
// normally, so Join can report ErrCancelled — and releases the coroutine's
// stack. Must be called only by the owning scheduler, only once the
// coroutine has reached DONE (spec.md §4.2 Destroy).
func (c *Coroutine) Destroy() {
	c.mu.Lock()
	joiner := c.joiner
	c.joiner = nil
	wasCancelled := c.cancelled
	c.mu.Unlock()

	if joiner != nil {
		// The joiner may have been cancelled and destroyed independently
		// (its own scheduler's Cleanup, say) before this coroutine got
		// here; tryWakeup silently no-ops instead of Wakeup's panic if the
		// registration is no longer live.
		event := Join
		if wasCancelled {
			event = Cancel
		}
		joiner.tryWakeup(event)
	}
	if c.exitFn != nil {
		c.exitFn()
	}
	c.sched.stacks.Free(c.stack)
}
