package coros

import "time"

// Boundary constants from spec.md §6.
const (
	// DefaultSweepPeriod is how often a Scheduler decrements WAITING
	// coroutines' deadlines.
	DefaultSweepPeriod = time.Second

	// DefaultTightLoop is the outer-iteration multiplier used to compute a
	// tick's loop_limit = DefaultTightLoop * ready.size.
	DefaultTightLoop = 512

	// DefaultCoroBudget is the number of resumes a coroutine gets within one
	// RunCoros batch before it is treated as if it yielded.
	DefaultCoroBudget = 32

	// DefaultStackBytes is used as the cooperative-scheduling "stack size"
	// hint plumbed through Coroutine.Create; see SPEC_FULL.md for why Go
	// goroutines don't need (or support) a literal guard-paged allocation.
	DefaultStackBytes = 32 * 1024

	// DefaultComputeThreads is the number of worker threads a default
	// Scheduler lazily starts its process-wide ComputePool with.
	DefaultComputeThreads = 2

	// computeDrainPollInterval and computeDrainAttempts bound how long
	// Scheduler.cleanup waits for in-flight compute segments to report back
	// before giving up on them (1s total).
	computeDrainPollInterval = 10 * time.Millisecond
	computeDrainAttempts     = 100
)

// schedulerConfig holds resolved Scheduler construction options.
type schedulerConfig struct {
	stackBytes     int
	clsBytes       int
	tightLoop      int
	coroBudget     int
	sweepPeriod    time.Duration
	computeThreads int
}

func defaultSchedulerConfig() schedulerConfig {
	return schedulerConfig{
		stackBytes:     DefaultStackBytes,
		clsBytes:       0,
		tightLoop:      DefaultTightLoop,
		coroBudget:     DefaultCoroBudget,
		sweepPeriod:    DefaultSweepPeriod,
		computeThreads: DefaultComputeThreads,
	}
}

// SchedulerOption configures a Scheduler at construction.
type SchedulerOption interface {
	applyScheduler(*schedulerConfig)
}

type schedulerOptionFunc func(*schedulerConfig)

func (f schedulerOptionFunc) applyScheduler(c *schedulerConfig) { f(c) }

// WithStackBytes sets the per-coroutine stack-size hint (spec.md §4.1).
func WithStackBytes(n int) SchedulerOption {
	return schedulerOptionFunc(func(c *schedulerConfig) { c.stackBytes = n })
}

// WithClsBytes sizes the coroutine-local-storage region every coroutine on
// this scheduler gets carved out of its stack descriptor (spec.md §4.2
// Cls()). Zero, the default, means Cls() returns an empty slice.
func WithClsBytes(n int) SchedulerOption {
	return schedulerOptionFunc(func(c *schedulerConfig) { c.clsBytes = n })
}

// WithTightLoop overrides the tight-loop fairness multiplier (spec.md §4.3).
func WithTightLoop(n int) SchedulerOption {
	return schedulerOptionFunc(func(c *schedulerConfig) { c.tightLoop = n })
}

// WithCoroBudget overrides the per-coroutine per-batch resume budget
// (spec.md §4.3).
func WithCoroBudget(n int) SchedulerOption {
	return schedulerOptionFunc(func(c *schedulerConfig) { c.coroBudget = n })
}

// WithSweepPeriod overrides the deadline-sweep tick period (spec.md §4.3,
// §6). The default matches the 1000ms boundary constant; shortening it
// reduces deadline jitter at the cost of more wakeups.
func WithSweepPeriod(d time.Duration) SchedulerOption {
	return schedulerOptionFunc(func(c *schedulerConfig) { c.sweepPeriod = d })
}

// WithComputeThreads sets how many worker threads the default scheduler's
// process-wide ComputePool starts with (spec.md §4.5, §6).
func WithComputeThreads(n int) SchedulerOption {
	return schedulerOptionFunc(func(c *schedulerConfig) { c.computeThreads = n })
}

func resolveSchedulerOptions(opts []SchedulerOption) schedulerConfig {
	cfg := defaultSchedulerConfig()
	for _, o := range opts {
		if o == nil {
			continue
		}
		o.applyScheduler(&cfg)
	}
	return cfg
}
