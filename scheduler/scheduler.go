package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cylc/flowcore/broadcast"
	"github.com/cylc/flowcore/command"
	"github.com/cylc/flowcore/cycle"
	"github.com/cylc/flowcore/emit"
	"github.com/cylc/flowcore/flow"
	"github.com/cylc/flowcore/fsm"
	"github.com/cylc/flowcore/metrics"
	"github.com/cylc/flowcore/pool"
	"github.com/cylc/flowcore/runner"
	"github.com/cylc/flowcore/store"
	"github.com/cylc/flowcore/taskdef"
	"github.com/cylc/flowcore/xtrigger"
)

// Version is reported in the contact file, mirroring spec.md §6's
// "host, port, pid, version, uuid" fields.
const Version = "0.1.0"

// ErrStalled is returned by Run when the pool has been continuously
// stalled for longer than Options.AbortOnStallTimeout.
var ErrStalled = errors.New("scheduler: workflow stalled")

// ErrInactivityTimeout is returned by Run when no task has left a
// non-terminal state for longer than Options.AbortOnInactivityTimeout.
var ErrInactivityTimeout = errors.New("scheduler: inactivity timeout exceeded")

// ErrStoreUnavailable is returned by Run once a durable write has failed
// twice in a row (spec.md §7: "repeated failure aborts the scheduler to
// preserve durability invariants").
var ErrStoreUnavailable = errors.New("scheduler: durable store unavailable")

type retryTimer struct {
	fireAt          time.Time
	proxy           *pool.Proxy
	fromExecFailure bool
}

type platformSpec struct {
	name          string
	runner        runner.Runner
	maxConcurrent int
	schedules     runner.PlatformSchedules
	queueCapacity int
}

// Scheduler ties the task definition table, prerequisite solver, task
// pool, state machine, broadcast overlay, job dispatcher, command queue
// and durable store into the single-threaded main-loop tick spec.md §4.9
// describes. Built with functional options the way the teacher's Engine
// is, but fixed to the scheduler's own domain state rather than generic
// over one.
type Scheduler struct {
	mu sync.Mutex

	table *taskdef.Table
	cal   cycle.Calendar
	bound cycle.Bound

	pool       *pool.Pool
	broadcast  *broadcast.Store
	commands   *command.Queue
	dispatcher *runner.Dispatcher
	xtriggers  *xtrigger.Poller
	store      store.Store
	emitter    emit.Emitter
	metrics    *metrics.Scheduler

	opts Options

	platformSpecs []platformSpec
	retryTimers   map[string]retryTimer
	outstanding   map[string]*pool.Proxy
	firstSeen     map[string]time.Time

	stallSince    time.Time
	lastActivity  time.Time
	stopRequested bool
	stopMode      command.StopMode
	storeFailed   bool

	contactPath string
}

// New builds a Scheduler over table, using cal for cycle-point arithmetic
// and bound as the workflow's [initial, final] cycle point range. st must
// be non-nil; a nil emitter is replaced by emit.NewNullEmitter().
func New(table *taskdef.Table, cal cycle.Calendar, bound cycle.Bound, st store.Store, emitter emit.Emitter, opts ...Option) (*Scheduler, error) {
	if table == nil {
		return nil, &SchedulerError{Message: "task definition table is nil", Code: "NIL_TABLE"}
	}
	if cal == nil {
		return nil, &SchedulerError{Message: "calendar is nil", Code: "NIL_CALENDAR"}
	}
	if st == nil {
		return nil, &SchedulerError{Message: "store is nil", Code: "NIL_STORE"}
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}

	cfg := &schedulerConfig{opts: defaultOptions()}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	s := &Scheduler{
		table:       table,
		cal:         cal,
		bound:       bound,
		pool:        pool.New(table, cal, bound, cfg.opts.RunaheadLimit),
		commands:    command.NewQueue(cfg.opts.CommandQueueCapacity),
		dispatcher:  runner.NewDispatcher(cfg.opts.JobEventCapacity),
		xtriggers:   xtrigger.NewPoller(),
		store:       st,
		emitter:     emitter,
		metrics:     cfg.opts.Metrics,
		opts:        cfg.opts,
		retryTimers: make(map[string]retryTimer),
		outstanding: make(map[string]*pool.Proxy),
		firstSeen:   make(map[string]time.Time),
	}
	s.broadcast = broadcast.NewStore(s)
	return s, nil
}

// Broadcast exposes the runtime settings overlay for command application
// and test inspection.
func (s *Scheduler) Broadcast() *broadcast.Store { return s.broadcast }

// SubmitCommand enqueues cmd for application on the next tick's step 1.
func (s *Scheduler) SubmitCommand(cmd command.Command) command.Result {
	return s.commands.Submit(cmd)
}

// RegisterPlatform records a job platform's runner, concurrency cap and
// polling schedules. Platforms are actually wired to the dispatcher's
// worker pool when Run starts, since the worker goroutines' lifetime is
// bound to Run's context.
func (s *Scheduler) RegisterPlatform(name string, r runner.Runner, maxConcurrent int, schedules runner.PlatformSchedules, queueCapacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.platformSpecs = append(s.platformSpecs, platformSpec{
		name: name, runner: r, maxConcurrent: maxConcurrent,
		schedules: schedules, queueCapacity: queueCapacity,
	})
}

// RecordBroadcastEvent implements broadcast.EventSink, persisting every
// broadcast mutation to the durable store (spec.md §4.5).
func (s *Scheduler) RecordBroadcastEvent(ev broadcast.Event) {
	row := store.BroadcastEventRow{
		Time: time.Now(), Change: string(ev.Change), Point: ev.PointLit,
		Namespace: ev.Namespace, Key: ev.SettingPath, Value: ev.Value,
	}
	_ = s.storeWrite(context.Background(), func(ctx context.Context) error {
		return s.store.RecordBroadcastEvent(ctx, row)
	})
}

// Run drives the main loop until ctx is cancelled, Run's wall-clock budget
// elapses, a clean shutdown completes, or a stall/inactivity abort fires.
// A nil return means clean shutdown with the task pool empty.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.RunWallClockBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RunWallClockBudget)
		defer cancel()
	}

	s.mu.Lock()
	specs := s.platformSpecs
	s.mu.Unlock()
	for _, ps := range specs {
		s.dispatcher.RegisterPlatform(ctx, ps.name, ps.runner, ps.maxConcurrent, ps.schedules, ps.queueCapacity)
	}

	if err := s.writeContactFile(); err != nil {
		return err
	}
	defer s.removeContactFile()

	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	s.lastActivity = time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, cmd := range s.commands.Drain(s.opts.CommandDrainBudget) {
			s.applyCommand(ctx, cmd)
		}

		s.drainJobEvents(ctx)

		now := time.Now()
		s.fireTimers(ctx, now)
		if labels, err := s.xtriggers.Tick(ctx, now); err != nil {
			s.emitRaw(emit.Event{Msg: "xtrigger-error", Meta: map[string]interface{}{"error": err.Error()}})
		} else {
			for _, label := range labels {
				s.emitRaw(emit.Event{Msg: "xtrigger-satisfied", Meta: map[string]interface{}{"label": label}})
			}
		}

		s.prepareAndDispatch(ctx)

		if pruned := s.pool.Prune(nil); len(pruned) > 0 {
			s.pool.ReleaseRunahead()
			for _, proxy := range pruned {
				s.forgetProxy(ctx, proxy)
			}
		}

		s.pool.RefreshUnsatisfied()
		if err := s.checkHealth(now); err != nil {
			return err
		}

		if s.stopRequested && s.pool.ActiveCount() == 0 {
			return nil
		}
		if !s.stopRequested && s.pool.ActiveCount() == 0 && s.pool.WaitingBeyondRunaheadCount() == 0 &&
			len(s.retryTimers) == 0 && !s.xtriggers.Pending() {
			return nil
		}

		s.drainTaskEvents(ctx)
		_ = s.emitter.Flush(ctx)

		if err := s.wait(ctx); err != nil {
			return err
		}
	}
}

// bootstrap spawns every task definition's first schedulable point,
// mirroring Cylc's n=0 window: R1 tasks are all pre-spawned regardless of
// whether their own prerequisites are yet satisfied, so a task blocked
// forever on an upstream failure still shows up as `waiting` (spec.md §8
// scenario S5), not merely absent.
func (s *Scheduler) bootstrap(ctx context.Context) error {
	for _, name := range s.table.Names() {
		def, ok := s.table.Get(name)
		if !ok {
			continue
		}
		for _, seq := range def.Sequences {
			point, ok := seq.NextPoint(s.cal.Initial())
			if !ok {
				continue
			}
			if !s.bound.Contains(point) {
				continue
			}
			proxy, created, err := s.pool.Spawn(name, point, flow.Of(flow.ID(1)))
			if err != nil {
				return &SchedulerError{Message: err.Error(), Code: "BOOTSTRAP_SPAWN_FAILED"}
			}
			if created {
				s.persistProxy(ctx, proxy)
			}
		}
	}
	return nil
}

// proxyKey uniquely identifies a live proxy across its (name, point,
// flow set), used for timer/outstanding-submission correlation.
func proxyKey(proxy *pool.Proxy) string {
	return proxy.Name + "@" + proxy.Point.String() + "#" + proxy.FlowSet.Key()
}

// jobPoint is the string placed in runner.JobRef.Point. It embeds the
// flow-set key alongside the literal cycle point so that two isolated
// flows triggered at the same point and name (spec.md §8 scenario S6)
// never alias to the same outstanding-submission key; the runner package
// treats this as an opaque identifier, never parsing it.
func jobPoint(proxy *pool.Proxy) string {
	return proxy.Point.String() + "#" + proxy.FlowSet.Key()
}

func jobKey(ref runner.JobRef) string {
	return ref.Point + "/" + ref.Name + "/" + strconv.Itoa(ref.SubmitNum)
}

func (s *Scheduler) prepareAndDispatch(ctx context.Context) {
	for _, proxy := range s.pool.ReadyToPrepare() {
		if err := proxy.Machine.Prepare(); err != nil {
			s.emitProxy(proxy, "prepare-failed", err.Error())
			continue
		}
		def, ok := s.table.Get(proxy.Name)
		if !ok {
			continue
		}
		attempt := proxy.Machine.Counters().TrySubmit + 1
		platform := def.Platform(attempt)
		ref := runner.JobRef{
			Point:     jobPoint(proxy),
			Name:      proxy.Name,
			SubmitNum: proxy.Machine.Counters().SubmitNum + 1,
			Platform:  platform,
		}
		s.mu.Lock()
		s.outstanding[jobKey(ref)] = proxy
		s.mu.Unlock()

		jc := runner.JobContext{Ref: ref}
		if err := s.dispatcher.Submit(ctx, platform, jc); err != nil {
			s.onSubmitFailed(ctx, proxy, ref, err)
			continue
		}
		s.lastActivity = time.Now()
	}
}

// drainJobEvents applies up to JobEventDrainBudget dispatcher outcomes
// without blocking (main-loop step 2).
func (s *Scheduler) drainJobEvents(ctx context.Context) {
	events := s.dispatcher.Events()
	for i := 0; i < s.opts.JobEventDrainBudget; i++ {
		select {
		case ev := <-events:
			s.applyJobEvent(ctx, ev)
		default:
			return
		}
	}
}

func (s *Scheduler) applyJobEvent(ctx context.Context, ev runner.JobEvent) {
	s.mu.Lock()
	proxy, ok := s.outstanding[jobKey(ev.Ref)]
	s.mu.Unlock()
	if !ok {
		return
	}

	switch ev.Kind {
	case "submitted":
		s.onSubmitSucceeded(ctx, proxy, ev.Ref)
	case "submit-failed":
		s.onSubmitFailed(ctx, proxy, ev.Ref, ev.Outcome.Err)
	case "poll":
		s.onPollResult(ctx, proxy, ev.Ref, ev.Poll)
	case "killed":
		s.emitProxy(proxy, "killed", "")
	}
}

func (s *Scheduler) onSubmitSucceeded(ctx context.Context, proxy *pool.Proxy, ref runner.JobRef) {
	if err := proxy.Machine.Submit(); err != nil {
		return
	}
	s.lastActivity = time.Now()
	if s.metrics != nil {
		s.metrics.IncrementSubmits(proxy.Name, ref.Platform)
	}
	s.recordSubmitAttempt(ctx, proxy, ref, proxy.Machine.Counters().TrySubmit, "0", "")
	s.persistProxy(ctx, proxy)
	s.emitProxy(proxy, "submitted", "")
}

func (s *Scheduler) onSubmitFailed(ctx context.Context, proxy *pool.Proxy, ref runner.JobRef, cause error) {
	delay, willRetry, err := proxy.Machine.SubmitFail()
	if err != nil {
		return
	}
	s.lastActivity = time.Now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	s.recordSubmitAttempt(ctx, proxy, ref, proxy.Machine.Counters().TrySubmit+1, "1", msg)
	if willRetry {
		if s.metrics != nil {
			s.metrics.IncrementRetries(proxy.Name, "submission")
		}
		s.scheduleRetry(proxy, delay, false)
		s.emitProxy(proxy, "submission-failed-retrying", msg)
		return
	}
	s.persistProxy(ctx, proxy)
	s.emitProxy(proxy, "submit-failed", msg)
}

func (s *Scheduler) onPollResult(ctx context.Context, proxy *pool.Proxy, ref runner.JobRef, poll runner.PollResult) {
	s.lastActivity = time.Now()
	switch poll.State {
	case "running":
		if proxy.Machine.State() == fsm.Submitted {
			_ = proxy.Machine.Start()
			s.persistProxy(ctx, proxy)
			s.emitProxy(proxy, "started", "")
		}
	case "succeeded":
		if proxy.Machine.State() == fsm.Submitted {
			_ = proxy.Machine.Start()
		}
		if proxy.Machine.State() == fsm.Running {
			if err := proxy.Machine.Succeed(); err == nil {
				s.recordRunOutcome(ctx, proxy, ref, "0", "")
				s.persistProxy(ctx, proxy)
				s.emitProxy(proxy, "succeeded", "")
				s.fireOutput(ctx, proxy, taskdef.OutputSucceeded)
			}
		}
	case "failed", "gone":
		s.onExecutionFailure(ctx, proxy, ref, poll)
	}
}

func (s *Scheduler) onExecutionFailure(ctx context.Context, proxy *pool.Proxy, ref runner.JobRef, poll runner.PollResult) {
	if proxy.Machine.State() == fsm.Submitted {
		_ = proxy.Machine.Start()
	}
	if proxy.Machine.State() != fsm.Running {
		return
	}
	delay, willRetry, err := proxy.Machine.ExecFail()
	if err != nil {
		return
	}
	reason := ""
	if poll.State == "gone" {
		reason = string(fsm.ReasonLostContact)
	}
	s.recordRunOutcome(ctx, proxy, ref, "1", reason)
	if willRetry {
		if s.metrics != nil {
			s.metrics.IncrementRetries(proxy.Name, "execution")
		}
		s.scheduleRetry(proxy, delay, true)
		s.emitProxy(proxy, "execution-failed-retrying", reason)
		return
	}
	s.persistProxy(ctx, proxy)
	s.emitProxy(proxy, "failed", reason)
	s.fireOutput(ctx, proxy, taskdef.OutputFailed)
}

func (s *Scheduler) scheduleRetry(proxy *pool.Proxy, delay time.Duration, fromExecFailure bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryTimers[proxyKey(proxy)] = retryTimer{
		fireAt: time.Now().Add(delay), proxy: proxy, fromExecFailure: fromExecFailure,
	}
}

func (s *Scheduler) fireTimers(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []retryTimer
	for key, t := range s.retryTimers {
		if !now.Before(t.fireAt) {
			due = append(due, t)
			delete(s.retryTimers, key)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		if err := t.proxy.Machine.RetryToWaiting(t.fromExecFailure); err != nil {
			continue
		}
		s.lastActivity = now
		s.persistProxy(ctx, t.proxy)
		s.emitProxy(t.proxy, "retrying", "")
	}
}

// fireOutput records a completed output, spawns/reevaluates downstream
// proxies, and persists their refreshed state.
func (s *Scheduler) fireOutput(ctx context.Context, proxy *pool.Proxy, output string) {
	for _, touched := range s.pool.NotifyOutput(proxy.Name, proxy.Point, output, proxy.FlowSet) {
		s.persistProxy(ctx, touched)
	}
}

func (s *Scheduler) forgetProxy(ctx context.Context, proxy *pool.Proxy) {
	key := proxyKey(proxy)
	s.mu.Lock()
	delete(s.firstSeen, key)
	for k, t := range s.retryTimers {
		if proxyKey(t.proxy) == key {
			delete(s.retryTimers, k)
		}
	}
	s.mu.Unlock()
	_ = s.storeWrite(ctx, func(ctx context.Context) error {
		return s.store.DeleteTaskPool(ctx, proxy.Point.String(), proxy.Name, proxy.FlowSet.Key())
	})
}

func (s *Scheduler) checkHealth(now time.Time) error {
	s.mu.Lock()
	storeFailed := s.storeFailed
	s.mu.Unlock()
	if storeFailed {
		return ErrStoreUnavailable
	}

	pendingTimers := len(s.retryTimers) > 0
	pendingXtriggers := s.xtriggers.Pending()
	stalled := s.pool.Stalled(pendingTimers, pendingXtriggers)

	if stalled {
		if s.stallSince.IsZero() {
			s.stallSince = now
			s.emitRaw(emit.Event{Msg: "stall"})
			if s.metrics != nil {
				s.metrics.IncrementStalls()
			}
		}
		if now.Sub(s.stallSince) >= s.opts.AbortOnStallTimeout {
			return ErrStalled
		}
	} else {
		s.stallSince = time.Time{}
	}

	if s.opts.AbortOnInactivityTimeout > 0 && !s.lastActivity.IsZero() &&
		now.Sub(s.lastActivity) >= s.opts.AbortOnInactivityTimeout {
		return ErrInactivityTimeout
	}
	return nil
}

// wait implements main-loop step 9: sleep until the earliest pending retry
// timer, a command arrival, or the tick interval, whichever comes first.
// Job-dispatcher events are left for the next tick's step 2 rather than
// selected on here, bounding worst-case event latency by TickInterval.
func (s *Scheduler) wait(ctx context.Context) error {
	timer := time.NewTimer(s.nextWake(time.Now()))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.commands.Wake():
		return nil
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) nextWake(now time.Time) time.Duration {
	wait := s.opts.TickInterval
	s.mu.Lock()
	for _, t := range s.retryTimers {
		if d := t.fireAt.Sub(now); d < wait {
			if d < 0 {
				d = 0
			}
			wait = d
		}
	}
	s.mu.Unlock()
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

func (s *Scheduler) persistProxy(ctx context.Context, proxy *pool.Proxy) {
	key := proxyKey(proxy)
	now := time.Now()
	s.mu.Lock()
	created, ok := s.firstSeen[key]
	if !ok {
		created = now
		s.firstSeen[key] = now
	}
	s.mu.Unlock()

	flowNums := proxy.FlowSet.Key()
	_ = s.storeWrite(ctx, func(ctx context.Context) error {
		return s.store.UpsertTaskPool(ctx, store.TaskPoolRow{
			Cycle: proxy.Point.String(), Name: proxy.Name, FlowNums: flowNums,
			Status: proxy.Machine.State().String(), IsHeld: proxy.Held,
		})
	})
	_ = s.storeWrite(ctx, func(ctx context.Context) error {
		return s.store.UpsertTaskState(ctx, store.TaskStateRow{
			Cycle: proxy.Point.String(), Name: proxy.Name, FlowNums: flowNums,
			Status: proxy.Machine.State().String(), SubmitNum: proxy.Machine.Counters().SubmitNum,
			TimeCreated: created, TimeUpdated: now,
		})
	})
}

// recordSubmitAttempt inserts the task_jobs row for one submission attempt,
// at the point its submit outcome is known. ref.SubmitNum is the attempt's
// number regardless of whether the submission itself succeeded: Machine's
// counters only bump on a successful Submit(), so a failed submission is
// keyed by the prospective tryNum/submitNum the caller computed before the
// outcome was known, not by the (stale) Counters() snapshot.
func (s *Scheduler) recordSubmitAttempt(ctx context.Context, proxy *pool.Proxy, ref runner.JobRef, tryNum int, submitStatus, message string) {
	row := store.TaskJobRow{
		Cycle: proxy.Point.String(), Name: proxy.Name,
		SubmitNum: ref.SubmitNum, TryNum: tryNum,
		SubmitStatus: submitStatus, PlatformName: ref.Platform,
		TimeSubmit: time.Now(),
	}
	_ = s.storeWrite(ctx, func(ctx context.Context) error {
		return s.store.InsertTaskJob(ctx, row)
	})
	if message != "" {
		s.recordTaskEvent(ctx, proxy, submitStatus, message)
	}
}

// recordRunOutcome updates the attempt's existing task_jobs row with its
// terminal run outcome. A row only reaches this path after a successful
// submission (Running is only reachable via Submitted), so submit_status
// is never at stake here.
func (s *Scheduler) recordRunOutcome(ctx context.Context, proxy *pool.Proxy, ref runner.JobRef, runStatus, message string) {
	cycle, name := proxy.Point.String(), proxy.Name
	_ = s.storeWrite(ctx, func(ctx context.Context) error {
		return s.store.UpdateTaskJob(ctx, cycle, name, ref.SubmitNum, runStatus, time.Now())
	})
	if message != "" {
		s.recordTaskEvent(ctx, proxy, runStatus, message)
	}
}

func (s *Scheduler) recordTaskEvent(ctx context.Context, proxy *pool.Proxy, event, message string) {
	row := store.TaskEventRow{
		Cycle: proxy.Point.String(), Name: proxy.Name,
		SubmitNum: proxy.Machine.Counters().SubmitNum, Event: event,
		Message: message, Time: time.Now(),
	}
	_ = s.storeWrite(ctx, func(ctx context.Context) error {
		_, err := s.store.RecordTaskEvent(ctx, row)
		return err
	})
}

// drainTaskEvents implements the outbox side of recordTaskEvent (main-loop
// step 8): rows recordTaskEvent wrote survive a crash between write and
// delivery, so this drains whatever is still pending to the emitter and
// only then marks the rows emitted, giving mail/custom event handlers
// at-least-once delivery across a scheduler restart (spec.md §7).
func (s *Scheduler) drainTaskEvents(ctx context.Context) {
	rows, err := s.store.PendingTaskEvents(ctx, s.opts.TaskEventDrainBudget)
	if err != nil || len(rows) == 0 {
		return
	}
	events := make([]emit.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, emit.Event{
			Point: r.Cycle, Name: r.Name, SubmitNum: r.SubmitNum,
			Msg: r.Event, Meta: map[string]interface{}{"message": r.Message},
		})
	}
	if err := s.emitter.EmitBatch(ctx, events); err != nil {
		return
	}
	_ = s.storeWrite(ctx, func(ctx context.Context) error {
		return s.store.MarkTaskEventsEmitted(ctx, rows)
	})
}

// storeWrite implements spec.md §7's store error policy: retry once, then
// treat repeated failure as fatal. The second failure is both logged
// through the emitter and latched onto storeFailed, which the next tick's
// checkHealth observes to abort Run with ErrStoreUnavailable — callers of
// storeWrite are scattered across synchronous helpers and an EventSink
// callback with no error return of its own, so a shared latch checked once
// per tick is simpler and more consistent than threading an error return
// through every call site.
func (s *Scheduler) storeWrite(ctx context.Context, write func(context.Context) error) error {
	err := write(ctx)
	if err == nil {
		return nil
	}
	err = write(ctx)
	if err != nil {
		s.emitRaw(emit.Event{Msg: "store-write-failed", Meta: map[string]interface{}{"error": err.Error()}})
		s.mu.Lock()
		s.storeFailed = true
		s.mu.Unlock()
	}
	return err
}

func (s *Scheduler) emitProxy(proxy *pool.Proxy, msg, cause string) {
	meta := map[string]interface{}{}
	if cause != "" {
		meta["error"] = cause
	}
	s.emitter.Emit(emit.Event{
		Point: proxy.Point.String(), Name: proxy.Name,
		SubmitNum: proxy.Machine.Counters().SubmitNum, Msg: msg, Meta: meta,
	})
}

func (s *Scheduler) emitRaw(ev emit.Event) {
	s.emitter.Emit(ev)
}

func (s *Scheduler) writeContactFile() error {
	dir := s.opts.ContactDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &SchedulerError{Message: err.Error(), Code: "CONTACT_DIR"}
	}
	host, _ := os.Hostname()
	contents := fmt.Sprintf(
		"CYLC_WORKFLOW_HOST=%s\nCYLC_WORKFLOW_PID=%d\nCYLC_VERSION=%s\nCYLC_WORKFLOW_UUID=%s\n",
		host, os.Getpid(), Version, uuid.NewString(),
	)
	path := filepath.Join(dir, "contact")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return &SchedulerError{Message: err.Error(), Code: "CONTACT_WRITE"}
	}
	s.mu.Lock()
	s.contactPath = path
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) removeContactFile() {
	s.mu.Lock()
	path := s.contactPath
	s.contactPath = ""
	s.mu.Unlock()
	if path != "" {
		_ = os.Remove(path)
	}
}

// applyCommand dispatches one queued command to the pool/broadcast/
// dispatcher, acknowledging it via ReplyTo if the caller supplied one.
func (s *Scheduler) applyCommand(ctx context.Context, cmd command.Command) {
	var err error
	switch cmd.Kind {
	case command.KindHold:
		err = s.cmdHoldRelease(cmd, true)
	case command.KindRelease:
		err = s.cmdHoldRelease(cmd, false)
	case command.KindTrigger:
		err = s.cmdTrigger(ctx, cmd)
	case command.KindSetOutputs:
		err = s.cmdSetOutputs(ctx, cmd)
	case command.KindBroadcast:
		s.cmdBroadcast(cmd)
	case command.KindStop:
		s.mu.Lock()
		s.stopRequested = true
		s.stopMode = cmd.StopMode
		s.mu.Unlock()
	case command.KindPoll:
		s.cmdPoll(ctx, cmd)
	case command.KindKill:
		s.cmdKill(ctx, cmd)
	default:
		err = fmt.Errorf("command: unsupported kind %s", cmd.Kind)
	}
	if cmd.ReplyTo != nil {
		cmd.ReplyTo <- err
		close(cmd.ReplyTo)
	}
}

func (s *Scheduler) cmdHoldRelease(cmd command.Command, hold bool) error {
	matched := false
	for _, proxy := range s.matchSelector(cmd.Selector) {
		proxy.Held = hold
		matched = true
	}
	if !matched {
		return fmt.Errorf("command: no matching proxy for selector %+v", cmd.Selector)
	}
	return nil
}

func (s *Scheduler) cmdTrigger(ctx context.Context, cmd command.Command) error {
	for _, proxy := range s.matchSelector(cmd.Selector) {
		if proxy.Machine.State() != fsm.Waiting {
			return command.ErrAlreadyActive
		}
	}
	point, err := s.cal.ParsePoint(cmd.Selector.PointGlob)
	if err != nil {
		return err
	}
	var fs flow.Set
	switch cmd.TriggerFlowMode {
	case command.FlowNew:
		fs = flow.Of(s.pool.NextFlowID())
	case command.FlowNone:
		fs = flow.Set{}
	case command.FlowList:
		fs = flow.Of(cmd.TriggerFlowIDs...)
	default:
		fs = flow.Of(flow.ID(1))
	}

	var proxy *pool.Proxy
	if cmd.TriggerFlowMode == command.FlowNew {
		proxy, _, err = s.pool.SpawnIsolated(cmd.Selector.NameGlob, point, fs)
	} else {
		proxy, _, err = s.pool.Spawn(cmd.Selector.NameGlob, point, fs)
	}
	if err != nil {
		return err
	}
	proxy.Held = false
	s.persistProxy(ctx, proxy)
	return nil
}

func (s *Scheduler) cmdSetOutputs(ctx context.Context, cmd command.Command) error {
	for _, proxy := range s.matchSelector(cmd.Selector) {
		for _, label := range cmd.Labels {
			s.fireOutput(ctx, proxy, label)
		}
	}
	return nil
}

func (s *Scheduler) cmdBroadcast(cmd command.Command) {
	if cmd.BroadcastClear {
		s.broadcast.Clear(broadcast.Selector{
			PointLit: cmd.BroadcastPointPat, Namespace: cmd.BroadcastNamespace, SettingPath: cmd.BroadcastSettingPath,
		})
		return
	}
	s.broadcast.Set(cmd.BroadcastPointPat, cmd.BroadcastNamespace, cmd.BroadcastSettingPath, cmd.BroadcastValue)
}

func (s *Scheduler) cmdPoll(ctx context.Context, cmd command.Command) {
	byPlatform := make(map[string][]runner.JobRef)
	for _, proxy := range s.matchSelector(cmd.Selector) {
		def, ok := s.table.Get(proxy.Name)
		if !ok {
			continue
		}
		platform := def.Platform(proxy.Machine.Counters().TrySubmit)
		ref := runner.JobRef{
			Point: jobPoint(proxy), Name: proxy.Name,
			SubmitNum: proxy.Machine.Counters().SubmitNum, Platform: platform,
		}
		byPlatform[platform] = append(byPlatform[platform], ref)
	}
	for platform, refs := range byPlatform {
		s.dispatcher.Poll(ctx, platform, refs)
	}
}

func (s *Scheduler) cmdKill(ctx context.Context, cmd command.Command) {
	for _, proxy := range s.matchSelector(cmd.Selector) {
		def, ok := s.table.Get(proxy.Name)
		if !ok {
			continue
		}
		platform := def.Platform(proxy.Machine.Counters().TrySubmit)
		ref := runner.JobRef{
			Point: jobPoint(proxy), Name: proxy.Name,
			SubmitNum: proxy.Machine.Counters().SubmitNum, Platform: platform,
		}
		s.dispatcher.Kill(ctx, platform, ref)
	}
}

// matchSelector resolves a Selector to concrete proxies. A "*" name matches
// every defined task; a "*" point matches nothing, as only literal points
// (parsed via the calendar) are looked up. Only proxies whose flow set is
// exactly flow 1 are returned. Richer glob matching
// belongs to the (out-of-scope) configuration layer, per spec.md §4.7.
func (s *Scheduler) matchSelector(sel command.Selector) []*pool.Proxy {
	var matched []*pool.Proxy
	for _, name := range s.table.Names() {
		if sel.NameGlob != "*" && sel.NameGlob != name {
			continue
		}
		if sel.PointGlob == "*" {
			continue // enumerating every active point requires a pool listing API; exact points only for now.
		}
		point, err := s.cal.ParsePoint(sel.PointGlob)
		if err != nil {
			continue
		}
		if proxy, ok := s.pool.Get(name, point, flow.Of(flow.ID(1))); ok {
			matched = append(matched, proxy)
		}
	}
	return matched
}
