package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cylc/flowcore/command"
	"github.com/cylc/flowcore/cycle"
	"github.com/cylc/flowcore/emit"
	"github.com/cylc/flowcore/flow"
	"github.com/cylc/flowcore/runner"
	"github.com/cylc/flowcore/store"
	"github.com/cylc/flowcore/taskdef"
)

// onceAtInitial fires a single point immediately after the calendar's
// initial sentinel, modelling an "R1" recurrence without pulling in the
// full cycle.IntSequence machinery this package's tests don't need.
type onceAtInitial struct {
	point cycle.Point
	fired bool
}

func (s *onceAtInitial) NextPoint(after cycle.Point) (cycle.Point, bool) {
	if s.fired || !after.IsInitial() {
		return nil, false
	}
	s.fired = true
	return s.point, true
}

func chainTable(t *testing.T) *taskdef.Table {
	t.Helper()
	point := cycle.NewIntPoint(1)
	fixedPlatform := func(int) string { return "localhost" }
	defs := []*taskdef.Definition{
		{
			Name:      "foo",
			Sequences: []taskdef.Sequence{&onceAtInitial{point: point}},
			Platform:  fixedPlatform,
		},
		{
			Name: "bar",
			Prerequisites: []taskdef.PrereqClause{
				{Atoms: []taskdef.Prereq{{Upstream: "foo", Output: taskdef.OutputSucceeded}}},
			},
			Platform: fixedPlatform,
		},
	}
	table, err := taskdef.NewTable(defs)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

// instantRunner completes every submission synchronously and successfully,
// and reports every polled job as succeeded. It never touches scheduler or
// pool state directly, only what the Runner interface allows, the same
// boundary runner.Dispatcher enforces for real platform runners.
type instantRunner struct {
	mu       sync.Mutex
	submits  int
	killed   []runner.JobRef
}

func (r *instantRunner) Submit(_ context.Context, jc runner.JobContext) runner.SubmitOutcome {
	r.mu.Lock()
	r.submits++
	r.mu.Unlock()
	return runner.SubmitOutcome{JobID: "job-1"}
}

func (r *instantRunner) Poll(_ context.Context, refs []runner.JobRef) []runner.PollResult {
	out := make([]runner.PollResult, 0, len(refs))
	for _, ref := range refs {
		out = append(out, runner.PollResult{Ref: ref, State: "succeeded"})
	}
	return out
}

func (r *instantRunner) Kill(_ context.Context, ref runner.JobRef) runner.Outcome {
	r.mu.Lock()
	r.killed = append(r.killed, ref)
	r.mu.Unlock()
	return runner.Outcome{}
}

func (r *instantRunner) Supports(string) bool { return false }

func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	sched, _ := newTestSchedulerWithStore(t, opts...)
	return sched
}

// newTestSchedulerWithStore is newTestScheduler but also hands back the
// backing MemStore, for tests that assert on persisted task_jobs/task_events
// rows rather than just Run's return value.
func newTestSchedulerWithStore(t *testing.T, opts ...Option) (*Scheduler, *store.MemStore) {
	t.Helper()
	table := chainTable(t)
	cal := cycle.IntegerCalendar{}
	st := store.NewMemStore()
	emitter := emit.NewBufferedEmitter()
	sched, err := New(table, cal, cycle.Bound{}, st, emitter, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return sched, st
}

func TestNewRejectsNilArguments(t *testing.T) {
	table := chainTable(t)
	cal := cycle.IntegerCalendar{}
	st := store.NewMemStore()
	emitter := emit.NewNullEmitter()

	if _, err := New(nil, cal, cycle.Bound{}, st, emitter); err == nil {
		t.Fatal("expected error for nil table")
	}
	if _, err := New(table, nil, cycle.Bound{}, st, emitter); err == nil {
		t.Fatal("expected error for nil calendar")
	}
	if _, err := New(table, cal, cycle.Bound{}, nil, emitter); err == nil {
		t.Fatal("expected error for nil store")
	}
	// nil emitter is tolerated, substituted with a NullEmitter.
	if _, err := New(table, cal, cycle.Bound{}, st, nil); err != nil {
		t.Fatalf("expected nil emitter to be accepted, got %v", err)
	}
}

func TestBootstrapPreSpawnsInitialPoint(t *testing.T) {
	sched := newTestScheduler(t)
	if err := sched.bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	point := cycle.NewIntPoint(1)
	if _, ok := sched.pool.Get("foo", point, flow.Of(1)); !ok {
		t.Fatal("expected foo pre-spawned at its first recurrence point")
	}
	// bar has no Sequences of its own: it only ever appears via spawn-on-demand.
	if _, ok := sched.pool.Get("bar", point, flow.Of(1)); ok {
		t.Fatal("expected bar to not be pre-spawned: it has no declared sequence")
	}
}

// TestStallDetectionRequiresRefresh exercises scenario S5: bar is blocked
// forever on an output foo never produces (foo fails with no retries left),
// and the stall must be observable only after RefreshUnsatisfied runs, not
// spontaneously.
func TestStallDetectionRequiresRefresh(t *testing.T) {
	sched := newTestScheduler(t, WithAbortOnStallTimeout(0))
	point := cycle.NewIntPoint(1)
	sched.pool.Spawn("bar", point, flow.Of(1))

	if err := sched.checkHealth(time.Now()); err != nil {
		t.Fatalf("expected no stall before Unsat has ever been computed, got %v", err)
	}

	sched.pool.RefreshUnsatisfied()
	if err := sched.checkHealth(time.Now()); err != ErrStalled {
		t.Fatalf("expected ErrStalled once RefreshUnsatisfied populates bar's blocked atoms, got %v", err)
	}
}

func TestCheckHealthRespectsStallTimeout(t *testing.T) {
	sched := newTestScheduler(t, WithAbortOnStallTimeout(time.Minute))
	point := cycle.NewIntPoint(1)
	sched.pool.Spawn("bar", point, flow.Of(1))
	sched.pool.RefreshUnsatisfied()

	now := time.Now()
	if err := sched.checkHealth(now); err != nil {
		t.Fatalf("expected stall grace period to suppress abort, got %v", err)
	}
	if sched.stallSince.IsZero() {
		t.Fatal("expected stallSince to be recorded once the stall is first observed")
	}

	later := now.Add(2 * time.Minute)
	if err := sched.checkHealth(later); err != ErrStalled {
		t.Fatalf("expected ErrStalled once the stall outlives AbortOnStallTimeout, got %v", err)
	}
}

func TestCheckHealthInactivityTimeout(t *testing.T) {
	sched := newTestScheduler(t, WithAbortOnInactivityTimeout(time.Minute))
	sched.lastActivity = time.Now().Add(-2 * time.Minute)

	if err := sched.checkHealth(time.Now()); err != ErrInactivityTimeout {
		t.Fatalf("expected ErrInactivityTimeout, got %v", err)
	}
}

func TestCmdHoldRelease(t *testing.T) {
	sched := newTestScheduler(t)
	point := cycle.NewIntPoint(1)
	proxy, _, _ := sched.pool.Spawn("foo", point, flow.Of(1))

	sel := command.Selector{PointGlob: "1", NameGlob: "foo"}
	if err := sched.cmdHoldRelease(command.Command{Selector: sel}, true); err != nil {
		t.Fatal(err)
	}
	if !proxy.Held {
		t.Fatal("expected proxy held after cmdHoldRelease(hold=true)")
	}

	if err := sched.cmdHoldRelease(command.Command{Selector: sel}, false); err != nil {
		t.Fatal(err)
	}
	if proxy.Held {
		t.Fatal("expected proxy released after cmdHoldRelease(hold=false)")
	}
}

func TestCmdHoldReleaseNoMatch(t *testing.T) {
	sched := newTestScheduler(t)
	sel := command.Selector{PointGlob: "99", NameGlob: "foo"}
	if err := sched.cmdHoldRelease(command.Command{Selector: sel}, true); err == nil {
		t.Fatal("expected error when selector matches no proxy")
	}
}

// TestCmdTriggerFlowNewIsolates exercises scenario S6: triggering with
// TriggerFlowMode=FlowNew must spawn an isolated proxy carrying a flow
// number never handed out before, coexisting with any existing proxy at
// the same name/point instead of merging into it.
func TestCmdTriggerFlowNewIsolates(t *testing.T) {
	sched := newTestScheduler(t)
	point := cycle.NewIntPoint(1)
	sched.pool.Spawn("foo", point, flow.Of(1))

	cmd := command.Command{
		Kind:            command.KindTrigger,
		Selector:        command.Selector{PointGlob: "1", NameGlob: "foo"},
		TriggerFlowMode: command.FlowNew,
	}
	// matchSelector in cmdTrigger's pre-check only looks for the existing
	// flow-1 proxy, which is Waiting, so the trigger is permitted.
	if err := sched.cmdTrigger(context.Background(), cmd); err != nil {
		t.Fatal(err)
	}

	original, ok := sched.pool.Get("foo", point, flow.Of(1))
	if !ok {
		t.Fatal("expected original flow-1 proxy to still exist")
	}
	isolated, ok := sched.pool.Get("foo", point, flow.Of(2))
	if !ok {
		t.Fatal("expected a new isolated proxy carrying flow id 2")
	}
	if original == isolated {
		t.Fatal("expected the isolated trigger to not merge with the existing proxy")
	}
}

func TestCmdTriggerRejectsAlreadyActive(t *testing.T) {
	sched := newTestScheduler(t)
	point := cycle.NewIntPoint(1)
	proxy, _, _ := sched.pool.Spawn("foo", point, flow.Of(1))
	if err := proxy.Machine.Prepare(); err != nil {
		t.Fatal(err)
	}

	cmd := command.Command{
		Kind:     command.KindTrigger,
		Selector: command.Selector{PointGlob: "1", NameGlob: "foo"},
	}
	if err := sched.cmdTrigger(context.Background(), cmd); err != command.ErrAlreadyActive {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
}

func TestMatchSelectorLiteralPoint(t *testing.T) {
	sched := newTestScheduler(t)
	point := cycle.NewIntPoint(1)
	sched.pool.Spawn("foo", point, flow.Of(1))

	matched := sched.matchSelector(command.Selector{PointGlob: "1", NameGlob: "foo"})
	if len(matched) != 1 {
		t.Fatalf("expected exactly 1 match, got %d", len(matched))
	}

	none := sched.matchSelector(command.Selector{PointGlob: "2", NameGlob: "foo"})
	if len(none) != 0 {
		t.Fatalf("expected no match at an unspawned point, got %d", len(none))
	}
}

func TestProxyKeyAndJobKeyAreStable(t *testing.T) {
	sched := newTestScheduler(t)
	point := cycle.NewIntPoint(1)
	proxy, _, _ := sched.pool.Spawn("foo", point, flow.Of(1))

	k1 := proxyKey(proxy)
	k2 := proxyKey(proxy)
	if k1 != k2 {
		t.Fatalf("expected proxyKey to be stable across calls, got %q vs %q", k1, k2)
	}

	ref := runner.JobRef{Point: jobPoint(proxy), Name: proxy.Name, SubmitNum: 1}
	if jobKey(ref) != jobKey(ref) {
		t.Fatal("expected jobKey to be deterministic for identical refs")
	}
}

// TestJobPointIsolatesFlows confirms scenario S6's correlation requirement:
// two isolated flows at the same name/point must never produce the same
// jobPoint string, or their outstanding submissions would alias.
func TestJobPointIsolatesFlows(t *testing.T) {
	sched := newTestScheduler(t)
	point := cycle.NewIntPoint(1)
	p1, _, _ := sched.pool.Spawn("foo", point, flow.Of(1))
	p2, _, _ := sched.pool.SpawnIsolated("foo", point, flow.Of(2))

	if jobPoint(p1) == jobPoint(p2) {
		t.Fatal("expected distinct jobPoint values for isolated flows at the same point")
	}
}

// TestRunSimpleChainCompletes exercises scenario S1: a two-task chain runs
// to completion, the pool empties, and Run returns nil. The instantRunner
// resolves every submission and poll synchronously, and a background
// goroutine issues a Poll command once a job has had time to be submitted,
// mirroring an external poller driving job state discovery.
func TestRunSimpleChainCompletes(t *testing.T) {
	sched := newTestScheduler(t, WithTickInterval(10*time.Millisecond))
	rn := &instantRunner{}
	sched.RegisterPlatform("localhost", rn, 2, runner.PlatformSchedules{}, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	// Poll repeatedly until the workflow settles or the context expires;
	// each poll only affects jobs currently submitted, so early polls
	// before a submission lands are harmless no-ops.
	pollTicker := time.NewTicker(20 * time.Millisecond)
	defer pollTicker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Run returned unexpected error: %v", err)
			}
			if got := rn.submits; got == 0 {
				t.Fatal("expected at least one submission")
			}
			return
		case <-pollTicker.C:
			sched.SubmitCommand(command.Command{
				Kind:     command.KindPoll,
				Selector: command.Selector{PointGlob: "*", NameGlob: "*"},
			})
			// matchSelector does not expand "*" points; poll foo/bar directly.
			for _, name := range []string{"foo", "bar"} {
				sched.SubmitCommand(command.Command{
					Kind:     command.KindPoll,
					Selector: command.Selector{PointGlob: "1", NameGlob: name},
				})
			}
		case <-ctx.Done():
			t.Fatal("workflow did not complete before the test deadline")
		}
	}
}

// TestRunRecordsOneTaskJobRowPerAttempt exercises spec.md §8 testable
// property 1: submit_num is strictly increasing across task_jobs, one row
// per submission attempt, with submit_status recording the submit outcome
// and run_status recording the run outcome, never two rows for one attempt.
func TestRunRecordsOneTaskJobRowPerAttempt(t *testing.T) {
	sched, st := newTestSchedulerWithStore(t, WithTickInterval(10*time.Millisecond))
	rn := &instantRunner{}
	sched.RegisterPlatform("localhost", rn, 2, runner.PlatformSchedules{}, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	pollTicker := time.NewTicker(20 * time.Millisecond)
	defer pollTicker.Stop()
loop:
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Run returned unexpected error: %v", err)
			}
			break loop
		case <-pollTicker.C:
			for _, name := range []string{"foo", "bar"} {
				sched.SubmitCommand(command.Command{
					Kind:     command.KindPoll,
					Selector: command.Selector{PointGlob: "1", NameGlob: name},
				})
			}
		case <-ctx.Done():
			t.Fatal("workflow did not complete before the test deadline")
		}
	}

	for _, name := range []string{"foo", "bar"} {
		rows, err := st.TaskJobs(ctx, "1", name)
		if err != nil {
			t.Fatalf("TaskJobs(%s): %v", name, err)
		}
		if len(rows) != 1 {
			t.Fatalf("task %s: got %d task_jobs rows, want exactly 1 (one per attempt): %+v", name, len(rows), rows)
		}
		row := rows[0]
		if row.SubmitNum != 1 {
			t.Fatalf("task %s: submit_num = %d, want 1", name, row.SubmitNum)
		}
		if row.SubmitStatus != "0" {
			t.Fatalf("task %s: submit_status = %q, want %q (submission succeeded)", name, row.SubmitStatus, "0")
		}
		if row.RunStatus != "0" {
			t.Fatalf("task %s: run_status = %q, want %q (execution succeeded)", name, row.RunStatus, "0")
		}
	}
}
