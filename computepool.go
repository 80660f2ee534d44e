package coros

import "sync"

// ComputePool is the process-wide set of worker threads that run coroutine
// segments between BeginCompute and EndCompute, so a blocking DNS lookup,
// file read, or CPU-bound computation never stalls a scheduler's reactor
// (spec.md §4.5). There is exactly one ComputePool per process, created
// lazily by whichever Scheduler starts first; its thread count is fixed at
// that point.
type ComputePool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Coroutine
	closed bool
	wg     sync.WaitGroup
}

var (
	computePoolOnce      sync.Once
	computePoolInst      *ComputePool
	computePoolOwner     *Scheduler
	computePoolOwnerOnce sync.Once
)

// ensureComputePool returns the process-wide ComputePool, creating it with
// threads workers the first time any Scheduler calls this. Later calls
// (from other schedulers, with possibly different configured thread counts)
// just return the existing instance. Pool creation and owner assignment are
// tracked separately: whichever Scheduler happens to call this first might
// not be a default one (a SchedulerPool starts its workers before its
// default scheduler's Run loop ever ticks), and spec.md §4.5 ties the
// pool's teardown specifically to "the first default scheduler" ending, not
// to whoever incidentally triggered lazy creation.
func ensureComputePool(s *Scheduler, threads int) *ComputePool {
	computePoolOnce.Do(func() {
		if threads <= 0 {
			threads = DefaultComputeThreads
		}
		computePoolInst = newComputePool(threads)
	})
	if s.isDefault {
		computePoolOwnerOnce.Do(func() {
			computePoolOwner = s
		})
	}
	return computePoolInst
}

func newComputePool(threads int) *ComputePool {
	p := &ComputePool{}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < threads; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// submit enqueues a coroutine that has just suspended with state=COMPUTE.
// Safe to call from any scheduler's own thread. Returns false if the pool
// has already been shut down (its owning scheduler exited); the caller must
// reclaim the coroutine itself rather than leave it parked in COMPUTE with
// nothing left to resume it.
func (p *ComputePool) submit(c *Coroutine) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.queue = append(p.queue, c)
	p.cond.Signal()
	return true
}

// work is a compute worker's main loop: pop a coroutine, Resume it (the
// BeginCompute..EndCompute body runs on the coroutine's own goroutine while
// this worker, not the scheduler, blocks waiting for it), and post it back
// to its owning scheduler once it reaches EndCompute.
func (p *ComputePool) work() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		c := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		// The resumed segment runs from just after BeginCompute's Suspend
		// call to EndCompute's Suspend(Ready); the wake event carried in
		// is never inspected by that segment.
		state := c.Resume(Wakeup)
		if state != Ready {
			logf(LevelError, "coros: coroutine %d left COMPUTE in state %s, expected READY", c.ID(), state)
			continue
		}

		sched := c.Scheduler()
		if sched.mailbox.postComputeDone(c) {
			sched.wakeup()
		} else {
			logf(LevelWarn, "coros: compute-done post dropped, scheduler %d already closed", sched.ID())
		}
	}
}

// reclaimQueued removes and returns every coroutine belonging to sched that
// is still sitting in p.queue, i.e. submitted but not yet picked up by a
// worker. A Scheduler calls this during its own Cleanup pass (spec.md §4.5:
// "queued-but-not-started coroutines are cancelled in their owning scheduler
// at Run exit via the same Cleanup path") so it can cancel-and-resume them
// itself instead of leaving them for a worker to run to completion after
// the scheduler has already stopped.
func (p *ComputePool) reclaimQueued(sched *Scheduler) []*Coroutine {
	p.mu.Lock()
	defer p.mu.Unlock()
	var kept, reclaimed []*Coroutine
	for _, c := range p.queue {
		if c.Scheduler() == sched {
			reclaimed = append(reclaimed, c)
		} else {
			kept = append(kept, c)
		}
	}
	p.queue = kept
	return reclaimed
}

// shutdown wakes every worker and waits for in-progress segments to finish.
// Any coroutine still queued but not yet picked up by a worker at this point
// — left behind by a scheduler that exited without calling reclaimQueued, or
// belonging to a scheduler other than the pool owner calling shutdown — is
// cancelled and handed back to its owning scheduler's mailbox rather than
// resumed to completion by a worker (spec.md §4.5).
func (p *ComputePool) shutdown() {
	p.mu.Lock()
	p.closed = true
	queued := p.queue
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, c := range queued {
		c.mu.Lock()
		c.cancelled = true
		c.wake = Cancel
		c.mu.Unlock()

		sched := c.Scheduler()
		if sched.mailbox.postComputeDone(c) {
			sched.wakeup()
		} else {
			logf(LevelWarn, "coros: cancelled compute coroutine %d dropped, scheduler %d already closed", c.ID(), sched.ID())
		}
	}

	p.wg.Wait()
}
