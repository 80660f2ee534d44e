package coros

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coros-dev/coros/internal/stackpool"
)

// schedulerRegistry maps a goroutine's id to the Scheduler it belongs to: a
// scheduler's own driver goroutine (registered by Run) and each live
// coroutine's goroutine (registered by Coroutine.run) both map to their
// owning Scheduler.
var schedulerRegistry sync.Map // uint64 -> *Scheduler

// getGoroutineID parses the current goroutine's id out of runtime.Stack's
// header line. Go has no supported public API for this, and the scheduler
// only needs it for a same-thread fast check.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

// CurrentScheduler returns the Scheduler the calling goroutine belongs to:
// the scheduler whose reactor loop runs on it (poller and timer callbacks
// run inline there), or the owning scheduler when called from inside a
// coroutine's entry function. It returns nil on any other goroutine. The
// lookup is O(1); (*Coroutine).Scheduler gives coroutine code the same
// answer as a plain field read.
func CurrentScheduler() *Scheduler {
	v, ok := schedulerRegistry.Load(getGoroutineID())
	if !ok {
		return nil
	}
	return v.(*Scheduler)
}

// Scheduler is a single-threaded reactor driving a ready list, a waiting
// set, a cross-thread mailbox, and a timer heap (spec.md §3, §4.3).
//
// Every method except the ones explicitly documented as cross-thread-safe
// (Stop, and the mailbox-routed paths inside Coroutine) must only be called
// from the goroutine that is running Run.
type Scheduler struct {
	id  uint64
	cfg schedulerConfig

	poller *poller
	wakeFd int

	stacks  *stackpool.Pool
	mailbox *mailbox
	timers  timerHeap

	ready   []*Coroutine
	waiting map[*Coroutine]struct{}

	outstanding int // coroutines currently on or in flight to the compute pool

	isDefault bool
	compute   *ComputePool

	goroutineID atomic.Uint64

	shuttingDown atomic.Bool
	graceful     atomic.Bool
	stopOnce     sync.Once
	runOnce      sync.Once
	done         chan struct{}

	lastSweep time.Time
}

// NewScheduler constructs a Scheduler with its reactor handles open, but not
// yet running; call Run to drive it. isDefault marks the scheduler eligible
// for the §4.3 step-5 "no WAITING, no outstanding compute" auto-termination.
// Every Scheduler, default or not, shares the one process-wide ComputePool,
// lazily created by whichever scheduler starts first.
func NewScheduler(isDefault bool, opts ...SchedulerOption) (*Scheduler, error) {
	cfg := resolveSchedulerOptions(opts)

	p, err := newPoller()
	if err != nil {
		return nil, wrapf("coros: reactor initialization failed", err)
	}
	wakeFd, err := createWakeFd()
	if err != nil {
		_ = p.close()
		return nil, wrapf("coros: reactor initialization failed", err)
	}

	s := &Scheduler{
		id:        nextSchedulerID(),
		cfg:       cfg,
		poller:    p,
		wakeFd:    wakeFd,
		stacks:    stackpool.New(0, cfg.clsBytes),
		mailbox:   &mailbox{},
		waiting:   make(map[*Coroutine]struct{}),
		isDefault: isDefault,
		done:      make(chan struct{}),
	}

	if err := p.register(wakeFd, EventRead, func(IOEvents) { drainWakeFd(wakeFd) }); err != nil {
		_ = p.close()
		_ = closeWakeFd(wakeFd)
		return nil, wrapf("coros: reactor initialization failed", err)
	}
	s.compute = ensureComputePool(s, cfg.computeThreads)
	return s, nil
}

// ID returns the scheduler's process-unique identity.
func (s *Scheduler) ID() uint64 { return s.id }

// onOwnThread reports whether the calling goroutine is this scheduler's
// driver goroutine.
func (s *Scheduler) onOwnThread() bool {
	id := s.goroutineID.Load()
	return id != 0 && getGoroutineID() == id
}

// adoptReady appends c directly to the ready list. Only valid from the
// scheduler's own thread (called by Create when already on-thread).
func (s *Scheduler) adoptReady(c *Coroutine) {
	s.ready = append(s.ready, c)
}

// moveWaitingToReady transitions c out of the waiting set (if present) and
// onto the ready list. c.state/c.wake must already reflect the transition;
// this only manages the scheduler's bookkeeping collections. Only valid from
// the scheduler's own thread.
func (s *Scheduler) moveWaitingToReady(c *Coroutine) {
	delete(s.waiting, c)
	s.ready = append(s.ready, c)
}

// wakeup signals the reactor's async-wakeup fd so a blocked poll call
// returns and the next tick drains the mailbox. Safe from any thread.
func (s *Scheduler) wakeup() {
	if err := writeWakeFd(s.wakeFd); err != nil {
		logf(LevelWarn, "coros: wakeup write failed for scheduler %d: %v", s.id, err)
	}
}

// armOneShotTimer schedules c to wake with event=Timeout in millis
// milliseconds, guarded by epoch so a timer that fires after c has already
// been woken or cancelled by something else is a no-op (spec.md §4.2 Wait).
func (s *Scheduler) armOneShotTimer(c *Coroutine, millis int, epoch uint64) {
	when := time.Now().Add(time.Duration(millis) * time.Millisecond)
	s.scheduleAt(when, func() {
		if !c.tryTransitionFromWaiting(Timeout, func() bool { return c.waitEpoch != epoch }) {
			return
		}
		s.moveWaitingToReady(c)
	})
}

// wouldDeadlock reports whether a joining b would close a wait-for cycle
// among coroutines already pinned to this scheduler: true if b is already
// (transitively, through its own in-flight Join) waiting on a.
func (s *Scheduler) wouldDeadlock(a, b *Coroutine) bool {
	for cur := b; cur != nil; {
		if cur == a {
			return true
		}
		cur.mu.Lock()
		next := cur.waitingFor
		cur.mu.Unlock()
		cur = next
	}
	return false
}

// Run drives the scheduler's reactor loop on the calling goroutine until
// Stop is observed and every surviving coroutine has been cancelled,
// resumed to unwind, and destroyed (spec.md §4.3 Stop semantics). Run must
// be called exactly once per Scheduler and returns only at that point.
func (s *Scheduler) Run() error {
	s.runOnce.Do(func() {
		gid := getGoroutineID()
		s.goroutineID.Store(gid)
		schedulerRegistry.Store(gid, s)
		defer schedulerRegistry.Delete(gid)
		defer s.goroutineID.Store(0)
		defer close(s.done)

		s.lastSweep = time.Now()
		for {
			s.tick()
			if s.shouldTerminate() {
				break
			}
		}
		s.cleanup()
	})
	return nil
}

// Wait blocks until Run has returned.
func (s *Scheduler) Wait() {
	<-s.done
}

// Stop requests the scheduler to shut down. Safe from any thread. If
// graceful, the scheduler finishes all WAITING and outstanding-compute work
// before tearing down; otherwise it unwinds everything on its next tick.
func (s *Scheduler) Stop(graceful bool) {
	s.stopOnce.Do(func() {
		s.graceful.Store(graceful)
		s.shuttingDown.Store(true)
	})
	s.wakeup()
}

// tick runs one prepare/runCoros/poll/sweep/terminate pass (spec.md §4.3).
func (s *Scheduler) tick() {
	s.drainMailbox()
	s.runCoros()

	timeout := s.pollTimeout()
	if err := s.poller.poll(timeout); err != nil {
		logf(LevelError, "coros: poller error on scheduler %d: %v", s.id, err)
	}

	s.drainMailbox()
	s.runDueTimers(time.Now())
	s.sweep()
}

// drainMailbox moves posted and compute-done coroutines onto the ready
// list, decrementing outstanding for every compute-done entry (spec.md §4.3
// step 3). A coroutine arriving this way may still be tracked in s.waiting
// (Cancel and Wakeup both route cross-thread calls through the mailbox
// instead of touching s.waiting directly, since only the owning thread may
// safely mutate it) — drop the stale entry so it isn't double-resumed and
// doesn't keep a graceful shutdown waiting on a coroutine that already left.
func (s *Scheduler) drainMailbox() {
	before := len(s.ready)
	n := s.mailbox.drain(&s.ready)
	s.outstanding -= n
	for _, c := range s.ready[before:] {
		delete(s.waiting, c)
	}
}

// runCoros drains the ready list under the bounded-fairness discipline of
// spec.md §4.3 step 2: each ready coroutine gets coro_budget tokens, the
// whole batch gets tight_loop*len(ready) outer passes. A coroutine that
// yields READY with budget left is resumed again in the next outer pass; one
// whose budget has run out is set aside and rejoins the ready list after the
// batch, so it next runs on the following tick.
func (s *Scheduler) runCoros() {
	if len(s.ready) == 0 {
		return
	}
	for _, c := range s.ready {
		c.budget = s.cfg.coroBudget
	}

	// exhausted collects coroutines whose budget ran out while still READY;
	// they rejoin s.ready only after this batch, with a fresh budget next
	// tick, rather than being re-resumed again right now.
	var exhausted []*Coroutine

	loopLimit := s.cfg.tightLoop * len(s.ready)
	for loopLimit > 0 && len(s.ready) > 0 {
		loopLimit--

		i := 0
		for i < len(s.ready) {
			c := s.ready[i]
			c.budget--

			// c is exclusively owned by this driving goroutine while it sits
			// on s.ready (the only other writers of c.wake — Cancel/Wakeup/
			// the poller callback — all route through moveWaitingToReady or
			// the mailbox first, neither of which can target an already-
			// ready coroutine), so reading c.wake ahead of the lock below is
			// safe; the lock only serializes the clear-to-NoEvent against
			// those other writers for the *next* time c leaves s.ready.
			c.mu.Lock()
			event := c.wake
			c.wake = NoEvent
			c.mu.Unlock()

			switch c.Resume(event) {
			case Done:
				c.Destroy()
				s.removeReadyAt(i)
			case Waiting:
				s.waiting[c] = struct{}{}
				s.removeReadyAt(i)
			case Compute:
				s.outstanding++
				s.removeReadyAt(i)
				if !s.compute.submit(c) {
					// The process-wide pool already shut down (its owning
					// scheduler exited while this scheduler — e.g. a
					// SchedulerPool worker — kept running). Cancel c
					// ourselves instead of leaving it parked in COMPUTE
					// with nothing left to ever resume it.
					s.outstanding--
					c.mu.Lock()
					c.cancelled = true
					c.wake = Cancel
					c.mu.Unlock()
					s.ready = append(s.ready, c)
				}
			case Ready:
				if c.budget <= 0 {
					exhausted = append(exhausted, c)
					s.removeReadyAt(i)
					continue
				}
				i++
			default:
				panic("coros: coroutine reported an impossible state on resume")
			}
		}
	}

	s.ready = append(s.ready, exhausted...)
}

// removeReadyAt does a fast swap-remove of s.ready[i] (spec.md §9 note 3):
// the last element takes i's slot, changing resume order within a batch but
// not the external fairness contract.
func (s *Scheduler) removeReadyAt(i int) {
	last := len(s.ready) - 1
	s.ready[i] = s.ready[last]
	s.ready[last] = nil
	s.ready = s.ready[:last]
}

// pollTimeout computes how long the reactor may block: 0 if there is more
// ready work already, the time to the next timer/sweep otherwise, or -1 (no
// deadline) if the scheduler has nothing pending and isn't shutting down.
func (s *Scheduler) pollTimeout() int {
	if len(s.ready) > 0 {
		return 0
	}

	now := time.Now()
	best := -1
	if len(s.timers) > 0 {
		if d := s.timers[0].when.Sub(now); d > 0 {
			best = int(d.Milliseconds()) + 1
		} else {
			best = 0
		}
	}

	sweepDue := s.cfg.sweepPeriod - now.Sub(s.lastSweep)
	if sweepDue < 0 {
		sweepDue = 0
	}
	if len(s.waiting) > 0 && (best < 0 || int(sweepDue.Milliseconds()) < best) {
		best = int(sweepDue.Milliseconds())
	}

	if s.shuttingDown.Load() && best < 0 {
		best = 0
	}
	return best
}

// sweep decrements the deadline of every WAITING coroutine with a positive
// deadline once per cfg.sweepPeriod, waking any that reach zero with
// event=Timeout (spec.md §4.3 step 4).
func (s *Scheduler) sweep() {
	now := time.Now()
	if now.Sub(s.lastSweep) < s.cfg.sweepPeriod {
		return
	}
	s.lastSweep = now

	var fired []*Coroutine
	for c := range s.waiting {
		c.mu.Lock()
		if c.deadline > 0 {
			c.deadline--
			if c.deadline == 0 {
				c.state = Ready
				c.wake = Timeout
				fired = append(fired, c)
			}
		}
		c.mu.Unlock()
	}
	for _, c := range fired {
		s.moveWaitingToReady(c)
	}
}

// shouldTerminate implements spec.md §4.3 step 5.
func (s *Scheduler) shouldTerminate() bool {
	if s.shuttingDown.Load() {
		if s.graceful.Load() {
			return len(s.waiting) == 0 && s.outstanding == 0
		}
		return true
	}
	if s.isDefault {
		return len(s.waiting) == 0 && s.outstanding == 0
	}
	return false
}

// cleanup implements Run's post-loop Cleanup: every surviving coroutine is
// cancelled, resumed so it unwinds, and destroyed; reactor handles are
// closed (spec.md §4.3 Stop semantics).
func (s *Scheduler) cleanup() {
	s.drainMailbox()

	// Coroutines submitted to the shared ComputePool but not yet picked up
	// by a worker belong to this scheduler and are cancelled here rather
	// than left for a worker to resume to completion after Run has already
	// returned (spec.md §4.5).
	for _, c := range s.compute.reclaimQueued(s) {
		c.mu.Lock()
		c.cancelled = true
		c.wake = Cancel
		c.mu.Unlock()
		s.outstanding--
		s.ready = append(s.ready, c)
	}

	// A compute coroutine already dispatched to a worker (not caught by
	// reclaimQueued above, which only catches ones still sitting in the
	// queue) is mid-segment on another thread right now; wait for it to
	// finish and report back through this still-open mailbox rather than
	// closing the mailbox out from under it, which would silently strand it
	// in COMPUTE forever (spec.md §4.5).
	for i := 0; s.outstanding > 0 && i < computeDrainAttempts; i++ {
		time.Sleep(computeDrainPollInterval)
		s.drainMailbox()
	}
	if s.outstanding > 0 {
		logf(LevelError, "coros: %d compute coroutine(s) still outstanding at shutdown, abandoning", s.outstanding)
	}

	for c := range s.waiting {
		c.mu.Lock()
		c.cancelled = true
		c.state = Ready
		c.wake = Cancel
		c.mu.Unlock()
		delete(s.waiting, c)
		s.ready = append(s.ready, c)
	}

	for len(s.ready) > 0 {
		c := s.ready[0]
		c.mu.Lock()
		c.cancelled = true
		c.mu.Unlock()
		state := c.Resume(Cancel)
		s.removeReadyAt(0)
		if state == Done {
			c.Destroy()
		} else {
			// A coroutine that ignores cancellation and suspends again is an
			// implementation bug in user code, not in the scheduler; drop it
			// rather than loop forever so shutdown still completes.
			logf(LevelError, "coros: coroutine %d did not unwind on cancel", c.ID())
		}
	}

	s.mailbox.close()
	_ = s.poller.unregister(s.wakeFd)
	_ = s.poller.close()
	_ = closeWakeFd(s.wakeFd)

	if computePoolOwner == s {
		s.compute.shutdown()
	}
}
