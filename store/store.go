// Package store implements the durable relational store: the schema and
// operations spec.md §4.8 describes, with SQLite as the primary backend
// and MySQL as an alternate, behind one interface so the scheduler package
// never branches on backend kind (ported from the teacher's
// graph/store/{sqlite,mysql,memory}.go, re-schema'd for task-pool state
// instead of workflow-step checkpoints).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// WorkflowParamsRow is one row of workflow_params(key, value).
type WorkflowParamsRow struct {
	Key   string
	Value string
}

// TaskPoolRow mirrors task_pool(cycle, name, flow_nums, status, is_held).
type TaskPoolRow struct {
	Cycle    string
	Name     string
	FlowNums string
	Status   string
	IsHeld   bool
}

// TaskStateRow mirrors task_states(cycle, name, flow_nums, status,
// submit_num, time_created, time_updated).
type TaskStateRow struct {
	Cycle       string
	Name        string
	FlowNums    string
	Status      string
	SubmitNum   int
	TimeCreated time.Time
	TimeUpdated time.Time
}

// TaskJobRow mirrors task_jobs, one row per submission attempt.
type TaskJobRow struct {
	Cycle          string
	Name           string
	SubmitNum      int
	TryNum         int
	SubmitStatus   string
	RunStatus      string
	PlatformName   string
	JobRunnerName  string
	JobID          string
	TimeSubmit     time.Time
	TimeSubmitExit time.Time
	TimeRun        time.Time
	TimeRunExit    time.Time
	IsManualSubmit bool
}

// TaskEventRow mirrors task_events(cycle, name, submit_num, event,
// message, time). ID is assigned by the store on insert and is the handle
// PendingTaskEvents/MarkTaskEventsEmitted use for outbox bookkeeping; it is
// zero on rows not yet inserted.
type TaskEventRow struct {
	ID        int64
	Cycle     string
	Name      string
	SubmitNum int
	Event     string
	Message   string
	Time      time.Time
}

// BroadcastStateRow mirrors broadcast_states(point, namespace, key, value).
type BroadcastStateRow struct {
	Point     string
	Namespace string
	Key       string
	Value     string
}

// BroadcastEventRow mirrors broadcast_events(time, change, point,
// namespace, key, value).
type BroadcastEventRow struct {
	Time      time.Time
	Change    string
	Point     string
	Namespace string
	Key       string
	Value     string
}

// InheritanceRow mirrors inheritance(namespace, lineage_json).
type InheritanceRow struct {
	Namespace   string
	LineageJSON string
}

// Store is the durable backend every scheduler run writes through. Every
// mutating method commits before returning, per spec.md §4.8 "every
// main-loop tick that mutates state commits its writes before
// acknowledging messages externally".
type Store interface {
	Close() error

	SetWorkflowParam(ctx context.Context, key, value string) error
	WorkflowParams(ctx context.Context) ([]WorkflowParamsRow, error)

	UpsertTaskPool(ctx context.Context, row TaskPoolRow) error
	DeleteTaskPool(ctx context.Context, cycle, name, flowNums string) error
	TaskPool(ctx context.Context) ([]TaskPoolRow, error)

	UpsertTaskState(ctx context.Context, row TaskStateRow) error
	TaskStates(ctx context.Context) ([]TaskStateRow, error)

	// InsertTaskJob writes the row for a new submission attempt, at the
	// point the attempt's submit outcome (success or failure) is known.
	// UpdateTaskJob records that same attempt's terminal run outcome once
	// it's known, identifying the row by (cycle, name, submit_num) rather
	// than re-inserting, so one attempt never produces more than one row.
	InsertTaskJob(ctx context.Context, row TaskJobRow) error
	UpdateTaskJob(ctx context.Context, cycle, name string, submitNum int, runStatus string, timeRunExit time.Time) error
	TaskJobs(ctx context.Context, cycle, name string) ([]TaskJobRow, error)

	RecordTaskEvent(ctx context.Context, row TaskEventRow) (id int64, err error)

	UpsertBroadcastState(ctx context.Context, row BroadcastStateRow) error
	DeleteBroadcastState(ctx context.Context, point, namespace, key string) error
	BroadcastStates(ctx context.Context) ([]BroadcastStateRow, error)
	RecordBroadcastEvent(ctx context.Context, row BroadcastEventRow) error

	SetInheritance(ctx context.Context, namespace, lineageJSON string) error
	Inheritance(ctx context.Context) ([]InheritanceRow, error)

	// PendingTaskEvents and MarkTaskEventsEmitted implement the
	// transactional-outbox pattern the teacher uses for checkpoint events
	// (graph/store/sqlite.go PendingEvents/MarkEventsEmitted), retargeted
	// at task lifecycle events so mail/custom event handlers are notified
	// at-least-once even across a scheduler restart.
	PendingTaskEvents(ctx context.Context, limit int) ([]TaskEventRow, error)
	MarkTaskEventsEmitted(ctx context.Context, rows []TaskEventRow) error
}
