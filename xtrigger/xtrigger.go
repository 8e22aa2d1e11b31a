// Package xtrigger abstracts external triggers (clock, custom scripts,
// other workflows' outputs) that a task's prerequisites can depend on
// alongside upstream task outputs. Grounded on the teacher's
// graph/tool.Tool shape: a narrow, context-first, side-effecting
// interface the main loop polls on a schedule.
package xtrigger

import (
	"context"
	"sync"
	"time"
)

// Func polls one external condition. satisfied reports whether the
// trigger has fired; results carries the key=value sequence outputs
// downstream tasks' environments can reference once satisfied.
type Func func(ctx context.Context) (satisfied bool, results map[string]string, err error)

// Spec binds a trigger function to its polling interval.
type Spec struct {
	Label    string
	Poll     Func
	Interval time.Duration
}

// Poller memoizes xtrigger results across ticks: once a label is
// satisfied, it is never polled again, matching spec.md's sequence
// output immutability.
type Poller struct {
	mu       sync.Mutex
	specs    map[string]Spec
	due      map[string]time.Time
	results  map[string]map[string]string
	satisfied map[string]bool
}

func NewPoller() *Poller {
	return &Poller{
		specs:     make(map[string]Spec),
		due:       make(map[string]time.Time),
		results:   make(map[string]map[string]string),
		satisfied: make(map[string]bool),
	}
}

// Register adds or replaces a trigger spec. Registering a label that
// was already satisfied is a no-op: satisfied xtriggers never re-arm.
func (p *Poller) Register(spec Spec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.satisfied[spec.Label] {
		return
	}
	p.specs[spec.Label] = spec
	if _, ok := p.due[spec.Label]; !ok {
		p.due[spec.Label] = time.Time{}
	}
}

// Satisfied reports whether label has already fired, and its results
// if so.
func (p *Poller) Satisfied(label string) (map[string]string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.satisfied[label] {
		return nil, false
	}
	return p.results[label], true
}

// Tick polls every registered, unsatisfied trigger whose interval has
// elapsed since its last poll, at time now. Returns the labels newly
// satisfied this tick.
func (p *Poller) Tick(ctx context.Context, now time.Time) ([]string, error) {
	p.mu.Lock()
	due := make([]Spec, 0, len(p.specs))
	for label, spec := range p.specs {
		if p.satisfied[label] {
			continue
		}
		if next := p.due[label]; next.IsZero() || !now.Before(next) {
			due = append(due, spec)
		}
	}
	p.mu.Unlock()

	var newlySatisfied []string
	for _, spec := range due {
		satisfied, results, err := spec.Poll(ctx)
		if err != nil {
			return newlySatisfied, err
		}
		p.mu.Lock()
		p.due[spec.Label] = now.Add(spec.Interval)
		if satisfied {
			p.satisfied[spec.Label] = true
			p.results[spec.Label] = results
			delete(p.specs, spec.Label)
			newlySatisfied = append(newlySatisfied, spec.Label)
		}
		p.mu.Unlock()
	}
	return newlySatisfied, nil
}

// Pending reports whether any registered trigger is still unsatisfied,
// for stall detection (spec.md §4.3 "no xtrigger pending").
func (p *Poller) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.specs) > 0
}
