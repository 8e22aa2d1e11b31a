// Package fsm implements the task proxy state machine: the states a single
// job attempt moves through from waiting to a terminal outcome, the
// submit_num/try_num bookkeeping, and the ordered-delay retry policy that
// decides whether a failure loops back to waiting or becomes terminal
// (spec.md §4.4).
package fsm

import (
	"errors"
	"fmt"
	"time"

	"github.com/cylc/flowcore/taskdef"
)

// State is one node of the task state machine.
type State int

const (
	Waiting State = iota
	Preparing
	Submitted
	Running
	Succeeded
	Failed
	SubmitFailed
	Expired
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Preparing:
		return "preparing"
	case Submitted:
		return "submitted"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case SubmitFailed:
		return "submit-failed"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("fsm.State(%d)", int(s))
	}
}

// IsTerminal reports whether s is an end state of the current attempt.
// Succeeded and Expired have no outgoing transitions; Failed and
// SubmitFailed may still move back to Waiting when a retry remains.
func (s State) IsTerminal() bool {
	switch s {
	case Succeeded, Failed, SubmitFailed, Expired:
		return true
	default:
		return false
	}
}

// ErrInvalidTransition is returned by Machine.Transition when the requested
// edge does not exist in the state table.
var ErrInvalidTransition = errors.New("fsm: invalid state transition")

var transitions = map[State]map[State]bool{
	Waiting:      {Preparing: true, Expired: true},
	Preparing:    {Submitted: true, SubmitFailed: true},
	Submitted:    {Running: true, Failed: true, SubmitFailed: true},
	Running:      {Succeeded: true, Failed: true},
	SubmitFailed: {Waiting: true},
	Failed:       {Waiting: true},
}

// ExitReason annotates why a Running proxy left that state, matching the
// exit-code mapping in spec.md §4.4.
type ExitReason string

const (
	ReasonNone             ExitReason = ""
	ReasonExecutionTimeout ExitReason = "execution timeout"
	ReasonLostContact      ExitReason = "lost contact"
)

// Counters tracks the monotonic submit_num and the two try_num axes.
// submit_num increases on every submission regardless of retry kind.
// TrySubmit resets whenever an execution retry occurs (a fresh submission
// attempt for the same overall job); TryExecute never resets a submission
// retry's count, matching spec.md §4.4's "try_num_submit resets on
// execution retry but not vice versa".
type Counters struct {
	SubmitNum  int
	TrySubmit  int
	TryExecute int
}

// Machine drives one task proxy's attempt through the state table, applying
// the retry policy declared by its task definition.
type Machine struct {
	state    State
	counters Counters
	retries  taskdef.RetryDelays
}

// New returns a Machine in Waiting with zeroed counters.
func New(retries taskdef.RetryDelays) *Machine {
	return &Machine{state: Waiting, retries: retries}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Counters returns the current submit/try counters.
func (m *Machine) Counters() Counters { return m.counters }

func (m *Machine) transition(to State) error {
	allowed, ok := transitions[m.state]
	if !ok || !allowed[to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}
	m.state = to
	return nil
}

// Prepare moves Waiting -> Preparing: prerequisites satisfied, proxy not
// held, within runahead, not queue-limited. The pool is responsible for
// checking those conditions before calling Prepare.
func (m *Machine) Prepare() error {
	return m.transition(Preparing)
}

// Submit records a successful hand-off to the job runner: Preparing ->
// Submitted, bumping submit_num and TrySubmit.
func (m *Machine) Submit() error {
	if err := m.transition(Submitted); err != nil {
		return err
	}
	m.counters.SubmitNum++
	m.counters.TrySubmit++
	return nil
}

// SubmitFail records a submission failure: Submitted -> SubmitFailed (or
// Preparing -> SubmitFailed if the runner rejected before returning a job
// id). Returns whether a submission retry delay remains.
func (m *Machine) SubmitFail() (delay time.Duration, willRetry bool, err error) {
	if err := m.transition(SubmitFailed); err != nil {
		return 0, false, err
	}
	d, ok := m.retries.NextSubmission(m.counters.TrySubmit - 1)
	return d, ok, nil
}

// Start records the `started` message: Submitted -> Running.
func (m *Machine) Start() error {
	return m.transition(Running)
}

// Succeed records a successful exit: Running -> Succeeded.
func (m *Machine) Succeed() error {
	return m.transition(Succeeded)
}

// ExecFail records an execution failure: Running -> Failed. Returns
// whether an execution retry delay remains.
func (m *Machine) ExecFail() (delay time.Duration, willRetry bool, err error) {
	if err := m.transition(Failed); err != nil {
		return 0, false, err
	}
	d, ok := m.retries.NextExecution(m.counters.TryExecute)
	m.counters.TryExecute++
	return d, ok, nil
}

// RetryToWaiting re-enters Waiting after a retryable SubmitFailed or Failed
// outcome. Per spec.md §4.4, an execution retry resets TrySubmit (a fresh
// submission attempt follows); a submission retry does not touch
// TryExecute.
func (m *Machine) RetryToWaiting(fromExecFailure bool) error {
	if err := m.transition(Waiting); err != nil {
		return err
	}
	if fromExecFailure {
		m.counters.TrySubmit = 0
	}
	return nil
}

// Expire records a clock-expire: Waiting -> Expired, skipping remaining
// attempts entirely.
func (m *Machine) Expire() error {
	return m.transition(Expired)
}
