// Package pool implements the live task proxy set: spawn-on-demand
// creation, the runahead window, flow merge, stall detection, and pruning
// of terminal proxies (spec.md §4.3).
package pool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cylc/flowcore/cycle"
	"github.com/cylc/flowcore/flow"
	"github.com/cylc/flowcore/fsm"
	"github.com/cylc/flowcore/prereq"
	"github.com/cylc/flowcore/taskdef"
)

// Proxy is one live instance of a task at a cycle point, possibly shared
// across several flows that have merged.
type Proxy struct {
	Name     string
	Point    cycle.Point
	FlowSet  flow.Set
	Held     bool
	Machine  *fsm.Machine
	Expr     prereq.Expression
	Outputs  map[string]bool // outputs already completed by this proxy
	Unsat    []prereq.Atom   // most recently computed unsatisfied atoms
}

func indexKey(name string, point cycle.Point) string {
	return name + "@" + point.String()
}

// RunaheadLimit configures the runahead window either as a count of active
// cycles or as a duration past the oldest active point, never both.
type RunaheadLimit struct {
	Count    int
	Duration cycle.Duration
}

// Pool holds the live proxy set plus the waiting-beyond-runahead sub-pool.
// All mutation happens from the single main-loop goroutine; Pool itself
// does no internal locking beyond what's needed to let read-only queries
// (e.g. broadcast family lineage lookups from workers) be safe, matching
// spec.md §5's single-writer discipline.
type Pool struct {
	mu sync.RWMutex

	table *taskdef.Table
	cal   cycle.Calendar
	bound cycle.Bound

	limit RunaheadLimit

	// active holds proxies within the runahead window, keyed by
	// (name,point) then by flow-set key, since two non-intersecting flows
	// may coexist at the same (name, point) without merging (scenario S6).
	active map[string]map[string]*Proxy

	// waiting holds proxies spawned for points beyond the runahead window;
	// released into active as the oldest active cycle completes.
	waiting map[string]map[string]*Proxy

	// completed records every output ever produced, keyed by
	// name@point:output, surviving proxy pruning so downstream prereqs
	// referencing pruned upstreams still resolve.
	completed map[string]bool

	// reverse maps an upstream task name to every downstream definition
	// that names it in a prerequisite, precomputed from table so
	// NotifyOutput can find spawn candidates in O(matching edges).
	reverse map[string][]downstreamRef

	flows *flow.Generator

	stalled bool
}

type downstreamRef struct {
	Name   string
	Offset cycle.Duration
	Output string
}

// New builds an empty pool over table, using cal for point arithmetic and
// bound as the workflow's [icp, fcp].
func New(table *taskdef.Table, cal cycle.Calendar, bound cycle.Bound, limit RunaheadLimit) *Pool {
	p := &Pool{
		table:     table,
		cal:       cal,
		bound:     bound,
		limit:     limit,
		active:    make(map[string]map[string]*Proxy),
		waiting:   make(map[string]map[string]*Proxy),
		completed: make(map[string]bool),
		reverse:   make(map[string][]downstreamRef),
		flows:     flow.NewGenerator(),
	}
	// Flow 1 is the scheduler's default flow; consume it so NextFlowID
	// never hands it out again.
	p.flows.Next()
	for _, name := range table.Names() {
		def, _ := table.Get(name)
		for _, clause := range def.Prerequisites {
			for _, atom := range clause.Atoms {
				p.reverse[atom.Upstream] = append(p.reverse[atom.Upstream], downstreamRef{
					Name: name, Offset: atom.Offset, Output: atom.Output,
				})
			}
		}
	}
	return p
}

// HasOutput implements prereq.CompletedSet.
func (p *Pool) HasOutput(name string, point cycle.Point, output string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.completed[completedKey(name, point, output)]
}

func completedKey(name string, point cycle.Point, output string) string {
	return name + "@" + point.String() + ":" + output
}

// Get returns the proxy for (name, point, flowSet) if one is active or
// waiting-beyond-runahead.
func (p *Pool) Get(name string, point cycle.Point, flowSet flow.Set) (*Proxy, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	key := indexKey(name, point)
	if byFlow, ok := p.active[key]; ok {
		if proxy, ok := byFlow[flowSet.Key()]; ok {
			return proxy, true
		}
	}
	if byFlow, ok := p.waiting[key]; ok {
		if proxy, ok := byFlow[flowSet.Key()]; ok {
			return proxy, true
		}
	}
	return nil, false
}

// findAny returns any proxy at (name, point) regardless of flow set, used
// by Spawn's merge check.
func (p *Pool) findAny(bucket map[string]map[string]*Proxy, name string, point cycle.Point) *Proxy {
	byFlow, ok := bucket[indexKey(name, point)]
	if !ok {
		return nil
	}
	for _, proxy := range byFlow {
		return proxy
	}
	return nil
}

// Spawn creates, or merges into, a proxy for (name, point, fs) via the
// ordinary spawn-on-demand path: it merges with any pre-existing proxy at
// (name, point) regardless of that proxy's own flow membership (spec.md
// §4.3's general merge rule). Returns the resulting proxy and whether a
// brand new proxy was created.
func (p *Pool) Spawn(name string, point cycle.Point, fs flow.Set) (*Proxy, bool, error) {
	return p.spawn(name, point, fs, true)
}

// SpawnIsolated creates a proxy for (name, point, fs) that never merges
// with any proxy already present at (name, point), even if one exists. It
// backs `Trigger{flow: NEW}`, which intentionally starts an independent
// flow that must not be folded into whatever is already running at that
// point (spec.md §8 scenario S6). If a proxy already carries exactly fs,
// it is returned unchanged.
func (p *Pool) SpawnIsolated(name string, point cycle.Point, fs flow.Set) (*Proxy, bool, error) {
	return p.spawn(name, point, fs, false)
}

func (p *Pool) spawn(name string, point cycle.Point, fs flow.Set, mergeWithAny bool) (*Proxy, bool, error) {
	def, ok := p.table.Get(name)
	if !ok {
		return nil, false, fmt.Errorf("pool: spawn: undefined task %q", name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	bucket, _ := p.bucketFor(point)
	key := indexKey(name, point)

	if bucket[key] != nil {
		if exact, ok := bucket[key][fs.Key()]; ok {
			return exact, false, nil
		}
		if mergeWithAny {
			if existing := p.findAny(bucket, name, point); existing != nil {
				merged := existing.FlowSet.Union(fs)
				if !merged.Equal(existing.FlowSet) {
					delete(bucket[key], existing.FlowSet.Key())
					existing.FlowSet = merged
					bucket[key][merged.Key()] = existing
				}
				return existing, false, nil
			}
		}
	}

	expr, err := prereq.Materialise(def, point, p.cal, p.bound)
	if err != nil {
		return nil, false, err
	}
	proxy := &Proxy{
		Name:    name,
		Point:   point,
		FlowSet: fs,
		Machine: fsm.New(def.RetryDelays),
		Expr:    expr,
		Outputs: make(map[string]bool),
	}
	if bucket[key] == nil {
		bucket[key] = make(map[string]*Proxy)
	}
	bucket[key][fs.Key()] = proxy
	return proxy, true, nil
}

// bucketFor decides whether a point at spawn time belongs in active or the
// waiting-beyond-runahead sub-pool, per the configured RunaheadLimit.
func (p *Pool) bucketFor(point cycle.Point) (bucket map[string]map[string]*Proxy, beyondRunahead bool) {
	if p.withinRunahead(point) {
		return p.active, false
	}
	return p.waiting, true
}

func (p *Pool) withinRunahead(point cycle.Point) bool {
	oldest := p.oldestActiveLocked()
	if oldest == nil {
		return true
	}
	if p.limit.Duration != nil && !p.limit.Duration.IsZero() {
		limitPoint, err := p.cal.Add(oldest, p.limit.Duration, cycle.Bound{})
		if err != nil {
			return false
		}
		return !cycle.After(point, limitPoint)
	}
	if p.limit.Count > 0 {
		points := p.activePointsLocked()
		if len(points) < p.limit.Count {
			return true
		}
		return !cycle.After(point, points[len(points)-1])
	}
	return true
}

func (p *Pool) oldestActiveLocked() cycle.Point {
	points := p.activePointsLocked()
	if len(points) == 0 {
		return nil
	}
	return points[0]
}

func (p *Pool) activePointsLocked() []cycle.Point {
	seen := make(map[string]cycle.Point)
	for _, byFlow := range p.active {
		for _, proxy := range byFlow {
			seen[proxy.Point.String()] = proxy.Point
		}
	}
	points := make([]cycle.Point, 0, len(seen))
	for _, pt := range seen {
		points = append(points, pt)
	}
	sort.Slice(points, func(i, j int) bool { return cycle.Before(points[i], points[j]) })
	return points
}

// ReleaseRunahead moves every waiting-beyond-runahead proxy that now falls
// within the window into active. Called after pruning advances the oldest
// active cycle (spec.md §4.3 "released as the oldest active cycle
// completes").
func (p *Pool) ReleaseRunahead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, byFlow := range p.waiting {
		for fsKey, proxy := range byFlow {
			if p.withinRunahead(proxy.Point) {
				if p.active[key] == nil {
					p.active[key] = make(map[string]*Proxy)
				}
				p.active[key][fsKey] = proxy
				delete(byFlow, fsKey)
			}
		}
		if len(byFlow) == 0 {
			delete(p.waiting, key)
		}
	}
}

// NotifyOutput records that (name, point) completed output, re-evaluates
// every proxy that has an interest in it, and spawns new downstream
// proxies on demand for prerequisites newly partially satisfied.
func (p *Pool) NotifyOutput(name string, point cycle.Point, output string, producedBy flow.Set) []*Proxy {
	p.mu.Lock()
	p.completed[completedKey(name, point, output)] = true
	refs := p.reverse[name]
	p.mu.Unlock()

	var touched []*Proxy
	for _, ref := range refs {
		if ref.Output != output {
			continue
		}
		var downstreamPoint cycle.Point
		if ref.Offset == nil || ref.Offset.IsZero() {
			downstreamPoint = point
		} else {
			dp, err := p.cal.Add(point, ref.Offset.Negate(), cycle.Bound{})
			if err != nil {
				continue
			}
			downstreamPoint = dp
		}
		proxy, _, err := p.Spawn(ref.Name, downstreamPoint, producedBy)
		if err != nil {
			continue
		}
		p.reevaluate(proxy)
		touched = append(touched, proxy)
	}
	return touched
}

// reevaluate recomputes a proxy's prerequisite satisfaction against the
// pool's completed-outputs view.
func (p *Pool) reevaluate(proxy *Proxy) {
	result := prereq.Evaluate(proxy.Expr, p)
	p.mu.Lock()
	proxy.Unsat = result.Unsatisfied
	p.mu.Unlock()
}

// ReadyToPrepare returns every active proxy whose prerequisites are fully
// satisfied, not held, and currently Waiting — the candidates for main
// loop step 4 (`waiting -> preparing`).
func (p *Pool) ReadyToPrepare() []*Proxy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var ready []*Proxy
	for _, byFlow := range p.active {
		for _, proxy := range byFlow {
			if proxy.Held || proxy.Machine.State() != fsm.Waiting {
				continue
			}
			if prereq.Evaluate(proxy.Expr, p).Satisfied {
				ready = append(ready, proxy)
			}
		}
	}
	return ready
}

// Prune removes every terminal proxy whose every downstream has already
// been spawned or is definitively unreachable. downstreamSettled reports
// whether that holds for a given proxy (true means prune it; a nil
// function prunes every terminal proxy); callers
// (the scheduler) supply this because "definitively unreachable" depends
// on completion-expression analysis across the whole graph, not on pool
// state alone.
func (p *Pool) Prune(downstreamSettled func(*Proxy) bool) []*Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	var pruned []*Proxy
	for key, byFlow := range p.active {
		for fsKey, proxy := range byFlow {
			if !proxy.Machine.State().IsTerminal() {
				continue
			}
			if downstreamSettled == nil || downstreamSettled(proxy) {
				pruned = append(pruned, proxy)
				delete(byFlow, fsKey)
			}
		}
		if len(byFlow) == 0 {
			delete(p.active, key)
		}
	}
	return pruned
}

// NextFlowID hands out a fresh, never-reused flow number for a `Trigger
// {flow: NEW}` command (spec.md glossary: "flow numbers are never
// reused").
func (p *Pool) NextFlowID() flow.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flows.Next()
}

// RefreshUnsatisfied recomputes the unsatisfied-atom set for every active
// Waiting proxy. NotifyOutput only refreshes proxies with an interest in
// the specific output that just fired, so a proxy blocked on an output
// that never arrives (the stall case) would otherwise carry a stale, empty
// Unsat forever. The scheduler calls this once per tick before running
// stall detection.
func (p *Pool) RefreshUnsatisfied() {
	p.mu.RLock()
	waiting := make([]*Proxy, 0)
	for _, byFlow := range p.active {
		for _, proxy := range byFlow {
			if proxy.Machine.State() == fsm.Waiting {
				waiting = append(waiting, proxy)
			}
		}
	}
	p.mu.RUnlock()
	for _, proxy := range waiting {
		p.reevaluate(proxy)
	}
}

// Stalled reports whether the pool currently meets the stall condition:
// no proxy active/preparing/submitted/running, and at least one waiting
// proxy has unsatisfied prerequisites. Timer/xtrigger pendingness is
// tracked outside the pool (by the scheduler) and supplied via
// pendingTimers/pendingXtriggers.
func (p *Pool) Stalled(pendingTimers, pendingXtriggers bool) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if pendingTimers || pendingXtriggers {
		return false
	}
	var anyInFlight, anyBlocked bool
	for _, byFlow := range p.active {
		for _, proxy := range byFlow {
			switch proxy.Machine.State() {
			case fsm.Preparing, fsm.Submitted, fsm.Running:
				anyInFlight = true
			case fsm.Waiting:
				if len(proxy.Unsat) > 0 {
					anyBlocked = true
				}
			}
		}
	}
	return !anyInFlight && anyBlocked
}

// ActiveCount returns the number of proxies currently in the active
// sub-pool (for diagnostics/metrics).
func (p *Pool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, byFlow := range p.active {
		n += len(byFlow)
	}
	return n
}

// WaitingBeyondRunaheadCount returns the number of proxies parked beyond
// the runahead window.
func (p *Pool) WaitingBeyondRunaheadCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, byFlow := range p.waiting {
		n += len(byFlow)
	}
	return n
}
