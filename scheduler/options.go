// Package scheduler ties the cycle, taskdef, prereq, pool, fsm, broadcast,
// runner, command, store, emit, metrics and xtrigger packages into the
// single main-loop tick spec.md §4.9 describes. It keeps the teacher's
// functional-options engine construction idiom (graph.Options/Option) down
// to the EngineError-shaped error type, generalised to a fixed domain
// state (task proxies) instead of a type parameter.
package scheduler

import (
	"time"

	"github.com/cylc/flowcore/metrics"
	"github.com/cylc/flowcore/pool"
)

// SchedulerError is returned by option validation and by Run for
// unrecoverable conditions, mirroring the teacher's EngineError.
type SchedulerError struct {
	Message string
	Code    string
}

func (e *SchedulerError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Options holds every tunable the scheduler accepts. Zero-value fields are
// replaced by defaults in New; callers normally set these through the
// With* constructors rather than populating Options directly.
type Options struct {
	RunaheadLimit pool.RunaheadLimit

	// TickInterval upper-bounds how long step 9 waits when no timer,
	// xtrigger, or command is pending.
	TickInterval time.Duration

	CommandQueueCapacity int
	CommandDrainBudget   int
	JobEventCapacity     int
	JobEventDrainBudget  int

	// TaskEventDrainBudget bounds how many task_events rows step 8 drains
	// from the transactional outbox to the emitter per tick.
	TaskEventDrainBudget int

	// AbortOnStallTimeout aborts the run once the pool has been
	// continuously stalled for this long. The default of zero aborts on the
	// first tick a stall is observed, which is what PT0S means in the
	// source configuration language.
	AbortOnStallTimeout time.Duration

	// AbortOnInactivityTimeout aborts the run if no task leaves a
	// non-terminal state for this long, independent of the stall
	// condition (spec.md §7).
	AbortOnInactivityTimeout time.Duration

	// RunWallClockBudget bounds the total run, zero means unbounded.
	RunWallClockBudget time.Duration

	// ContactDir is the directory the contact file is written under
	// (spec.md §6 ".service/contact"), relative to the working directory.
	ContactDir string

	Metrics *metrics.Scheduler
}

// Option mutates a schedulerConfig during New. An Option returning an error
// aborts construction with that error.
type Option func(*schedulerConfig) error

type schedulerConfig struct {
	opts Options
}

func defaultOptions() Options {
	return Options{
		RunaheadLimit:        pool.RunaheadLimit{Count: 4},
		TickInterval:         time.Second,
		CommandQueueCapacity: 256,
		CommandDrainBudget:   64,
		JobEventCapacity:     256,
		JobEventDrainBudget:  128,
		TaskEventDrainBudget: 64,
		ContactDir:           ".service",
	}
}

// WithRunaheadLimit sets the runahead window (spec.md §4.3).
func WithRunaheadLimit(limit pool.RunaheadLimit) Option {
	return func(c *schedulerConfig) error {
		if limit.Count <= 0 && (limit.Duration == nil || limit.Duration.IsZero()) {
			return &SchedulerError{Message: "runahead limit must set Count or Duration", Code: "INVALID_RUNAHEAD"}
		}
		c.opts.RunaheadLimit = limit
		return nil
	}
}

// WithTickInterval sets the maximum idle wait in step 9.
func WithTickInterval(d time.Duration) Option {
	return func(c *schedulerConfig) error {
		if d <= 0 {
			return &SchedulerError{Message: "tick interval must be positive", Code: "INVALID_TICK_INTERVAL"}
		}
		c.opts.TickInterval = d
		return nil
	}
}

// WithCommandQueueCapacity bounds the command queue's buffer.
func WithCommandQueueCapacity(n int) Option {
	return func(c *schedulerConfig) error {
		if n <= 0 {
			return &SchedulerError{Message: "command queue capacity must be positive", Code: "INVALID_QUEUE_CAPACITY"}
		}
		c.opts.CommandQueueCapacity = n
		return nil
	}
}

// WithCommandDrainBudget bounds how many commands step 1 applies per tick.
func WithCommandDrainBudget(n int) Option {
	return func(c *schedulerConfig) error {
		if n <= 0 {
			return &SchedulerError{Message: "command drain budget must be positive", Code: "INVALID_DRAIN_BUDGET"}
		}
		c.opts.CommandDrainBudget = n
		return nil
	}
}

// WithJobEventCapacity bounds the dispatcher's event channel buffer.
func WithJobEventCapacity(n int) Option {
	return func(c *schedulerConfig) error {
		if n <= 0 {
			return &SchedulerError{Message: "job event capacity must be positive", Code: "INVALID_EVENT_CAPACITY"}
		}
		c.opts.JobEventCapacity = n
		return nil
	}
}

// WithJobEventDrainBudget bounds how many job events step 2 applies per
// tick.
func WithJobEventDrainBudget(n int) Option {
	return func(c *schedulerConfig) error {
		if n <= 0 {
			return &SchedulerError{Message: "job event drain budget must be positive", Code: "INVALID_DRAIN_BUDGET"}
		}
		c.opts.JobEventDrainBudget = n
		return nil
	}
}

// WithTaskEventDrainBudget bounds how many pending task_events rows step 8
// drains to the emitter per tick.
func WithTaskEventDrainBudget(n int) Option {
	return func(c *schedulerConfig) error {
		if n <= 0 {
			return &SchedulerError{Message: "task event drain budget must be positive", Code: "INVALID_DRAIN_BUDGET"}
		}
		c.opts.TaskEventDrainBudget = n
		return nil
	}
}

// WithAbortOnStallTimeout sets how long a stall may persist before Run
// returns ErrStalled. Zero means abort on the first tick the stall is
// observed.
func WithAbortOnStallTimeout(d time.Duration) Option {
	return func(c *schedulerConfig) error {
		if d < 0 {
			return &SchedulerError{Message: "abort-on-stall timeout cannot be negative", Code: "INVALID_TIMEOUT"}
		}
		c.opts.AbortOnStallTimeout = d
		return nil
	}
}

// WithAbortOnInactivityTimeout sets how long the pool may go without any
// task leaving a non-terminal state before Run returns ErrInactivity.
func WithAbortOnInactivityTimeout(d time.Duration) Option {
	return func(c *schedulerConfig) error {
		if d < 0 {
			return &SchedulerError{Message: "abort-on-inactivity timeout cannot be negative", Code: "INVALID_TIMEOUT"}
		}
		c.opts.AbortOnInactivityTimeout = d
		return nil
	}
}

// WithRunWallClockBudget bounds the total wall-clock duration of Run.
func WithRunWallClockBudget(d time.Duration) Option {
	return func(c *schedulerConfig) error {
		if d < 0 {
			return &SchedulerError{Message: "wall clock budget cannot be negative", Code: "INVALID_TIMEOUT"}
		}
		c.opts.RunWallClockBudget = d
		return nil
	}
}

// WithContactDir overrides the directory the contact file is written
// under.
func WithContactDir(dir string) Option {
	return func(c *schedulerConfig) error {
		if dir == "" {
			return &SchedulerError{Message: "contact dir cannot be empty", Code: "INVALID_CONTACT_DIR"}
		}
		c.opts.ContactDir = dir
		return nil
	}
}

// WithMetrics wires a Prometheus metrics collector; omitted, the scheduler
// runs with metrics disabled (teacher's opt-in observability idiom).
func WithMetrics(m *metrics.Scheduler) Option {
	return func(c *schedulerConfig) error {
		c.opts.Metrics = m
		return nil
	}
}
