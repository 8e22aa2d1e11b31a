package pool

import (
	"testing"

	"github.com/cylc/flowcore/cycle"
	"github.com/cylc/flowcore/flow"
	"github.com/cylc/flowcore/taskdef"
)

func chainTable(t *testing.T) *taskdef.Table {
	t.Helper()
	defs := []*taskdef.Definition{
		{Name: "foo"},
		{Name: "bar", Prerequisites: []taskdef.PrereqClause{
			{Atoms: []taskdef.Prereq{{Upstream: "foo", Output: taskdef.OutputSucceeded}}},
		}},
		{Name: "baz", Prerequisites: []taskdef.PrereqClause{
			{Atoms: []taskdef.Prereq{{Upstream: "bar", Output: taskdef.OutputSucceeded}}},
		}},
	}
	table, err := taskdef.NewTable(defs)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func TestSpawnOnDemand(t *testing.T) {
	table := chainTable(t)
	cal := cycle.IntegerCalendar{}
	p := New(table, cal, cycle.Bound{}, RunaheadLimit{})

	point := cycle.NewIntPoint(1)
	fs := flow.Of(1)

	// bar does not exist yet: nothing has produced foo's succeeded output.
	if _, ok := p.Get("bar", point, fs); ok {
		t.Fatal("expected bar to not be spawned before foo completes")
	}

	touched := p.NotifyOutput("foo", point, taskdef.OutputSucceeded, fs)
	if len(touched) != 1 || touched[0].Name != "bar" {
		t.Fatalf("expected bar spawned on demand, got %+v", touched)
	}
	if _, ok := p.Get("bar", point, fs); !ok {
		t.Fatal("expected bar now present in the pool")
	}
}

func TestFlowMergeCommutative(t *testing.T) {
	table := chainTable(t)
	cal := cycle.IntegerCalendar{}
	point := cycle.NewIntPoint(1)

	p1 := New(table, cal, cycle.Bound{}, RunaheadLimit{})
	p1.Spawn("foo", point, flow.Of(1))
	p1.Spawn("foo", point, flow.Of(2))

	p2 := New(table, cal, cycle.Bound{}, RunaheadLimit{})
	p2.Spawn("foo", point, flow.Of(2))
	p2.Spawn("foo", point, flow.Of(1))

	proxy1, ok1 := p1.Get("foo", point, flow.Of(1, 2))
	proxy2, ok2 := p2.Get("foo", point, flow.Of(1, 2))
	if !ok1 || !ok2 {
		t.Fatal("expected merged flow set {1,2} regardless of spawn order")
	}
	if !proxy1.FlowSet.Equal(proxy2.FlowSet) {
		t.Fatalf("expected identical merged flow sets, got %v vs %v", proxy1.FlowSet, proxy2.FlowSet)
	}
}

func TestSpawnIsolatedNeverMerges(t *testing.T) {
	table := chainTable(t)
	cal := cycle.IntegerCalendar{}
	point := cycle.NewIntPoint(1)
	p := New(table, cal, cycle.Bound{}, RunaheadLimit{})

	p.Spawn("foo", point, flow.Of(1))
	p.SpawnIsolated("foo", point, flow.Of(2))

	proxy1, ok1 := p.Get("foo", point, flow.Of(1))
	proxy2, ok2 := p.Get("foo", point, flow.Of(2))
	if !ok1 || !ok2 {
		t.Fatal("expected two distinct proxies to coexist")
	}
	if proxy1 == proxy2 {
		t.Fatal("expected isolated spawn to not merge with existing proxy")
	}
}

func TestRunaheadWindowByCount(t *testing.T) {
	table := chainTable(t)
	cal := cycle.IntegerCalendar{}
	p := New(table, cal, cycle.Bound{}, RunaheadLimit{Count: 2})

	p.Spawn("foo", cycle.NewIntPoint(1), flow.Of(1))
	p.Spawn("foo", cycle.NewIntPoint(2), flow.Of(1))
	p.Spawn("foo", cycle.NewIntPoint(3), flow.Of(1))

	if p.ActiveCount() != 2 {
		t.Errorf("expected 2 active proxies within runahead count, got %d", p.ActiveCount())
	}
	if p.WaitingBeyondRunaheadCount() != 1 {
		t.Errorf("expected 1 proxy parked beyond runahead, got %d", p.WaitingBeyondRunaheadCount())
	}
}

func TestReadyToPrepareRespectsHeld(t *testing.T) {
	table := chainTable(t)
	cal := cycle.IntegerCalendar{}
	p := New(table, cal, cycle.Bound{}, RunaheadLimit{})

	point := cycle.NewIntPoint(1)
	proxy, _, _ := p.Spawn("foo", point, flow.Of(1))
	ready := p.ReadyToPrepare()
	if len(ready) != 1 {
		t.Fatalf("expected foo ready to prepare (no prereqs), got %d", len(ready))
	}

	proxy.Held = true
	if ready := p.ReadyToPrepare(); len(ready) != 0 {
		t.Fatalf("expected held proxy excluded, got %d", len(ready))
	}
}

func TestPruneTerminalProxy(t *testing.T) {
	table := chainTable(t)
	cal := cycle.IntegerCalendar{}
	p := New(table, cal, cycle.Bound{}, RunaheadLimit{})

	point := cycle.NewIntPoint(1)
	proxy, _, _ := p.Spawn("foo", point, flow.Of(1))
	_ = proxy.Machine.Prepare()
	_ = proxy.Machine.Submit()
	_ = proxy.Machine.Start()
	_ = proxy.Machine.Succeed()

	pruned := p.Prune(func(*Proxy) bool { return true })
	if len(pruned) != 1 {
		t.Fatalf("expected 1 pruned proxy, got %d", len(pruned))
	}
	if p.ActiveCount() != 0 {
		t.Errorf("expected pool empty after prune, got %d", p.ActiveCount())
	}
}

func TestStalledDetection(t *testing.T) {
	table := chainTable(t)
	cal := cycle.IntegerCalendar{}
	p := New(table, cal, cycle.Bound{}, RunaheadLimit{})

	point := cycle.NewIntPoint(1)
	p.Spawn("bar", point, flow.Of(1)) // waiting on foo, which never runs
	p.reevaluate(mustGet(t, p, "bar", point, flow.Of(1)))

	if !p.Stalled(false, false) {
		t.Fatal("expected stall: bar blocked forever, nothing in flight")
	}
	if p.Stalled(true, false) {
		t.Fatal("expected no stall while a retry timer is pending")
	}
}

func TestRefreshUnsatisfiedDetectsStallWithoutNotify(t *testing.T) {
	table := chainTable(t)
	cal := cycle.IntegerCalendar{}
	p := New(table, cal, cycle.Bound{}, RunaheadLimit{})

	point := cycle.NewIntPoint(1)
	p.Spawn("bar", point, flow.Of(1))

	if p.Stalled(false, false) {
		t.Fatal("expected no stall before Unsat is ever computed")
	}

	p.RefreshUnsatisfied()

	if !p.Stalled(false, false) {
		t.Fatal("expected stall once RefreshUnsatisfied populates bar's blocked atoms")
	}
}

func mustGet(t *testing.T, p *Pool, name string, point cycle.Point, fs flow.Set) *Proxy {
	t.Helper()
	proxy, ok := p.Get(name, point, fs)
	if !ok {
		t.Fatalf("expected proxy %s@%s to exist", name, point)
	}
	return proxy
}
