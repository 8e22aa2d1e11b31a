// Package taskdef holds the immutable per-task-name definition table that
// the rest of the scheduler reads from but never mutates at runtime: the
// set of recurrences a task runs on, its prerequisites, its declared
// outputs, its retry policy, and the platform it submits to.
package taskdef

import (
	"fmt"
	"time"

	"github.com/cylc/flowcore/cycle"
)

// Standard output labels every task definition carries implicitly, in
// addition to any user-declared custom outputs.
const (
	OutputSubmitted    = "submitted"
	OutputStarted      = "started"
	OutputSucceeded    = "succeeded"
	OutputFailed       = "failed"
	OutputSubmitFailed = "submit-failed"
	OutputExpired      = "expired"
)

// Prereq names which output of the upstream task a prerequisite clause
// references, combined with the upstream name/offset to form an atomic
// proposition in the prerequisite solver.
type Prereq struct {
	Upstream string
	// Offset is added to the target point to find the upstream point. A
	// nil Offset means "same point". Offset may itself be a sentinel
	// duration produced by cycle.Calendar for "^"-relative prerequisites.
	Offset cycle.Duration
	Output string
}

// RetryDelays holds the ordered list of delays consumed in sequence on
// submission and execution failure respectively (§4.4). The last interval
// is not repeated for retries — once the list is exhausted the attempt is
// terminal; this is the deliberate divergence from exponential backoff
// noted in SPEC_FULL.md §4.5.
type RetryDelays struct {
	Submission []time.Duration
	Execution  []time.Duration
}

// next returns the delay for the given zero-based attempt index and
// whether any delay remains. attempt is try_num-1 (try_num starts at 1).
func (r RetryDelays) next(delays []time.Duration, attempt int) (time.Duration, bool) {
	if attempt < 0 || attempt >= len(delays) {
		return 0, false
	}
	return delays[attempt], true
}

// NextSubmission returns the submission retry delay for the given attempt.
func (r RetryDelays) NextSubmission(attempt int) (time.Duration, bool) {
	return r.next(r.Submission, attempt)
}

// NextExecution returns the execution retry delay for the given attempt.
func (r RetryDelays) NextExecution(attempt int) (time.Duration, bool) {
	return r.next(r.Execution, attempt)
}

// PlatformSelector resolves a platform id from the submission attempt
// number (1-based), enabling "try this platform, then fall back" chains.
type PlatformSelector func(attempt int) string

// Definition is the immutable template for a named task. It is built once
// (typically by the out-of-scope configuration parser) and frozen before
// being handed to the scheduler; nothing in this package mutates it after
// construction.
type Definition struct {
	Name string

	// Sequences are the recurrences this task runs on, e.g. "R1/P1/^" or
	// "R/P1D/2013-01-01T00Z". Represented opaquely as cycle.Sequence-like
	// generators; the scheduler package owns the concrete cycle.Calendar
	// and wires matching Sequence generators in.
	Sequences []Sequence

	// FamilyLineage lists this task's family namespaces from most to
	// least specific, used by broadcast lookup and event handler
	// inheritance. Does not include the task's own name.
	FamilyLineage []string

	Prerequisites []PrereqClause

	// Outputs maps a user-visible label to the message text emitted for
	// it. The standard labels are always present; custom labels are
	// whatever the definition declares.
	Outputs map[string]string

	// CompletionExpression names the output (or boolean combination,
	// represented as a slice of required output labels, ANDed) that marks
	// the task complete. Defaults to {OutputSucceeded}.
	CompletionExpression []string

	RetryDelays RetryDelays

	Platform PlatformSelector

	// EventHandlers maps an event name (e.g. "failed", "retry",
	// "succeeded") to command templates invoked when it fires. The
	// templates themselves are opaque strings; execution is an external
	// collaborator (§6).
	EventHandlers map[string][]string

	// ClockExpireOffset, if non-nil, causes the proxy to transition to
	// `expired` if the wall clock passes point+offset before submission.
	ClockExpireOffset cycle.Duration

	// ExecutionTimeLimit bounds wall-clock execution time; exceeding it is
	// mapped to a `failed` outcome with reason "execution timeout" by the
	// job dispatcher (§4.4).
	ExecutionTimeLimit time.Duration
}

// Sequence is the recurrence behaviour the scheduler needs from a task
// definition: the ability to find the next point after a given point.
// cycle.IntSequence and cycle.ISOSequence have calendar-specific Next
// methods and do not implement this interface themselves.
type Sequence interface {
	// NextPoint returns the next point in the sequence strictly after
	// `after`, or ok=false if the sequence is exhausted at or before that
	// point.
	NextPoint(after cycle.Point) (cycle.Point, bool)
}

// PrereqClause is one disjunct-free conjunction of Prereq atoms: all atoms
// must be satisfied for the clause to hold. A Definition's full
// prerequisite expression is the OR of its PrereqClauses (DNF), matching
// how graph-string "&"/"|" combinations normalise once parsed externally.
type PrereqClause struct {
	Atoms []Prereq
}

// completionSet returns the completion expression, defaulting to
// {succeeded} when unset.
func (d *Definition) completionSet() []string {
	if len(d.CompletionExpression) == 0 {
		return []string{OutputSucceeded}
	}
	return d.CompletionExpression
}

// IsComplete reports whether the given set of completed output labels
// satisfies this definition's completion expression.
func (d *Definition) IsComplete(completed map[string]bool) bool {
	for _, label := range d.completionSet() {
		if !completed[label] {
			return false
		}
	}
	return true
}

// OutputMessage returns the message text for a label, falling back to the
// label itself if undeclared (custom outputs without an explicit message
// are legal — the label doubles as the message).
func (d *Definition) OutputMessage(label string) string {
	if d.Outputs != nil {
		if msg, ok := d.Outputs[label]; ok {
			return msg
		}
	}
	return label
}

// Table is the immutable, read-only set of task definitions a workflow
// comprises, keyed by name. Built with NewTable and frozen; subsequent
// lookups are safe for unsynchronised concurrent reads because the
// underlying map is never again written to.
type Table struct {
	defs map[string]*Definition
}

// NewTable freezes a slice of definitions into a lookup table. Returns an
// error if any name is duplicated or a prerequisite references a name not
// present anywhere in defs (a configuration error per §7, fatal at
// startup).
func NewTable(defs []*Definition) (*Table, error) {
	t := &Table{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		if _, exists := t.defs[d.Name]; exists {
			return nil, fmt.Errorf("taskdef: duplicate task name %q", d.Name)
		}
		t.defs[d.Name] = d
	}
	for _, d := range defs {
		for _, clause := range d.Prerequisites {
			for _, atom := range clause.Atoms {
				if _, ok := t.defs[atom.Upstream]; !ok {
					return nil, fmt.Errorf("taskdef: %s: prerequisite references undefined task %q", d.Name, atom.Upstream)
				}
			}
		}
	}
	return t, nil
}

// Get returns the definition for name, or nil, false if undefined.
func (t *Table) Get(name string) (*Definition, bool) {
	d, ok := t.defs[name]
	return d, ok
}

// Names returns every task name in the table, order unspecified.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.defs))
	for name := range t.defs {
		names = append(names, name)
	}
	return names
}

// Len returns the number of definitions in the table.
func (t *Table) Len() int { return len(t.defs) }
