package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the primary Store backend: a single-file database, WAL
// mode for concurrent reads, transactional writes. Ported from the
// teacher's graph/store/sqlite.go, re-schema'd from workflow
// steps/checkpoints to task-pool rows.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if necessary) the database at path and
// migrates its schema. Pass ":memory:" for a transient database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // sqlite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_params (
			key TEXT NOT NULL PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_pool (
			cycle TEXT NOT NULL,
			name TEXT NOT NULL,
			flow_nums TEXT NOT NULL,
			status TEXT NOT NULL,
			is_held INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (cycle, name, flow_nums)
		)`,
		`CREATE TABLE IF NOT EXISTS task_states (
			cycle TEXT NOT NULL,
			name TEXT NOT NULL,
			flow_nums TEXT NOT NULL,
			status TEXT NOT NULL,
			submit_num INTEGER NOT NULL DEFAULT 0,
			time_created TIMESTAMP NOT NULL,
			time_updated TIMESTAMP NOT NULL,
			PRIMARY KEY (cycle, name, flow_nums)
		)`,
		`CREATE TABLE IF NOT EXISTS task_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle TEXT NOT NULL,
			name TEXT NOT NULL,
			submit_num INTEGER NOT NULL,
			try_num INTEGER NOT NULL,
			submit_status TEXT NOT NULL DEFAULT '',
			run_status TEXT NOT NULL DEFAULT '',
			platform_name TEXT NOT NULL DEFAULT '',
			job_runner_name TEXT NOT NULL DEFAULT '',
			job_id TEXT NOT NULL DEFAULT '',
			time_submit TIMESTAMP,
			time_submit_exit TIMESTAMP,
			time_run TIMESTAMP,
			time_run_exit TIMESTAMP,
			is_manual_submit INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_jobs_cycle_name ON task_jobs(cycle, name)`,
		`CREATE TABLE IF NOT EXISTS task_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle TEXT NOT NULL,
			name TEXT NOT NULL,
			submit_num INTEGER NOT NULL DEFAULT 0,
			event TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			time TIMESTAMP NOT NULL,
			emitted_at TIMESTAMP NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_pending ON task_events(emitted_at, id)`,
		`CREATE TABLE IF NOT EXISTS broadcast_states (
			point TEXT NOT NULL,
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (point, namespace, key)
		)`,
		`CREATE TABLE IF NOT EXISTS broadcast_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			time TIMESTAMP NOT NULL,
			change TEXT NOT NULL,
			point TEXT NOT NULL,
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS inheritance (
			namespace TEXT NOT NULL PRIMARY KEY,
			lineage_json TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path, for logging.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

func (s *SQLiteStore) SetWorkflowParam(ctx context.Context, key, value string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_params (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set workflow param: %w", err)
	}
	return nil
}

func (s *SQLiteStore) WorkflowParams(ctx context.Context) ([]WorkflowParamsRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM workflow_params`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow params: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []WorkflowParamsRow
	for rows.Next() {
		var r WorkflowParamsRow
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, fmt.Errorf("failed to scan workflow param row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertTaskPool(ctx context.Context, row TaskPoolRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_pool (cycle, name, flow_nums, status, is_held)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cycle, name, flow_nums) DO UPDATE SET
			status = excluded.status,
			is_held = excluded.is_held
	`, row.Cycle, row.Name, row.FlowNums, row.Status, boolToInt(row.IsHeld))
	if err != nil {
		return fmt.Errorf("failed to upsert task pool row: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteTaskPool(ctx context.Context, cycle, name, flowNums string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM task_pool WHERE cycle = ? AND name = ? AND flow_nums = ?`,
		cycle, name, flowNums)
	if err != nil {
		return fmt.Errorf("failed to delete task pool row: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TaskPool(ctx context.Context) ([]TaskPoolRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT cycle, name, flow_nums, status, is_held FROM task_pool`)
	if err != nil {
		return nil, fmt.Errorf("failed to query task pool: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskPoolRow
	for rows.Next() {
		var r TaskPoolRow
		var isHeld int
		if err := rows.Scan(&r.Cycle, &r.Name, &r.FlowNums, &r.Status, &isHeld); err != nil {
			return nil, fmt.Errorf("failed to scan task pool row: %w", err)
		}
		r.IsHeld = isHeld != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertTaskState(ctx context.Context, row TaskStateRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_states (cycle, name, flow_nums, status, submit_num, time_created, time_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cycle, name, flow_nums) DO UPDATE SET
			status = excluded.status,
			submit_num = excluded.submit_num,
			time_updated = excluded.time_updated
	`, row.Cycle, row.Name, row.FlowNums, row.Status, row.SubmitNum,
		timeOrNow(row.TimeCreated).Format(time.RFC3339Nano),
		timeOrNow(row.TimeUpdated).Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to upsert task state row: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TaskStates(ctx context.Context) ([]TaskStateRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT cycle, name, flow_nums, status, submit_num, time_created, time_updated FROM task_states
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query task states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskStateRow
	for rows.Next() {
		var r TaskStateRow
		var created, updated string
		if err := rows.Scan(&r.Cycle, &r.Name, &r.FlowNums, &r.Status, &r.SubmitNum, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan task state row: %w", err)
		}
		r.TimeCreated, _ = time.Parse(time.RFC3339Nano, created)
		r.TimeUpdated, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertTaskJob(ctx context.Context, row TaskJobRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_jobs (cycle, name, submit_num, try_num, submit_status, run_status,
			platform_name, job_runner_name, job_id, time_submit, time_submit_exit, time_run,
			time_run_exit, is_manual_submit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.Cycle, row.Name, row.SubmitNum, row.TryNum, row.SubmitStatus, row.RunStatus,
		row.PlatformName, row.JobRunnerName, row.JobID,
		formatOptionalTime(row.TimeSubmit), formatOptionalTime(row.TimeSubmitExit),
		formatOptionalTime(row.TimeRun), formatOptionalTime(row.TimeRunExit),
		boolToInt(row.IsManualSubmit))
	if err != nil {
		return fmt.Errorf("failed to insert task job row: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateTaskJob(ctx context.Context, cycle, name string, submitNum int, runStatus string, timeRunExit time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_jobs SET run_status = ?, time_run_exit = ?
		WHERE cycle = ? AND name = ? AND submit_num = ?
	`, runStatus, formatOptionalTime(timeRunExit), cycle, name, submitNum)
	if err != nil {
		return fmt.Errorf("failed to update task job row: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TaskJobs(ctx context.Context, cycle, name string) ([]TaskJobRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT cycle, name, submit_num, try_num, submit_status, run_status, platform_name,
			job_runner_name, job_id, time_submit, time_submit_exit, time_run, time_run_exit,
			is_manual_submit
		FROM task_jobs WHERE cycle = ? AND name = ? ORDER BY submit_num, try_num
	`, cycle, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query task jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskJobRow
	for rows.Next() {
		var r TaskJobRow
		var submit, submitExit, run, runExit sql.NullString
		var isManual int
		if err := rows.Scan(&r.Cycle, &r.Name, &r.SubmitNum, &r.TryNum, &r.SubmitStatus, &r.RunStatus,
			&r.PlatformName, &r.JobRunnerName, &r.JobID, &submit, &submitExit, &run, &runExit,
			&isManual); err != nil {
			return nil, fmt.Errorf("failed to scan task job row: %w", err)
		}
		r.TimeSubmit = parseOptionalTime(submit)
		r.TimeSubmitExit = parseOptionalTime(submitExit)
		r.TimeRun = parseOptionalTime(run)
		r.TimeRunExit = parseOptionalTime(runExit)
		r.IsManualSubmit = isManual != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordTaskEvent(ctx context.Context, row TaskEventRow) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_events (cycle, name, submit_num, event, message, time)
		VALUES (?, ?, ?, ?, ?, ?)
	`, row.Cycle, row.Name, row.SubmitNum, row.Event, row.Message, timeOrNow(row.Time).Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to record task event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read task event id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) UpsertBroadcastState(ctx context.Context, row BroadcastStateRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcast_states (point, namespace, key, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(point, namespace, key) DO UPDATE SET value = excluded.value
	`, row.Point, row.Namespace, row.Key, row.Value)
	if err != nil {
		return fmt.Errorf("failed to upsert broadcast state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteBroadcastState(ctx context.Context, point, namespace, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM broadcast_states WHERE point = ? AND namespace = ? AND key = ?`,
		point, namespace, key)
	if err != nil {
		return fmt.Errorf("failed to delete broadcast state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) BroadcastStates(ctx context.Context) ([]BroadcastStateRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT point, namespace, key, value FROM broadcast_states`)
	if err != nil {
		return nil, fmt.Errorf("failed to query broadcast states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []BroadcastStateRow
	for rows.Next() {
		var r BroadcastStateRow
		if err := rows.Scan(&r.Point, &r.Namespace, &r.Key, &r.Value); err != nil {
			return nil, fmt.Errorf("failed to scan broadcast state row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordBroadcastEvent(ctx context.Context, row BroadcastEventRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcast_events (time, change, point, namespace, key, value)
		VALUES (?, ?, ?, ?, ?, ?)
	`, timeOrNow(row.Time).Format(time.RFC3339Nano), row.Change, row.Point, row.Namespace, row.Key, row.Value)
	if err != nil {
		return fmt.Errorf("failed to record broadcast event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetInheritance(ctx context.Context, namespace, lineageJSON string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inheritance (namespace, lineage_json) VALUES (?, ?)
		ON CONFLICT(namespace) DO UPDATE SET lineage_json = excluded.lineage_json
	`, namespace, lineageJSON)
	if err != nil {
		return fmt.Errorf("failed to set inheritance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Inheritance(ctx context.Context) ([]InheritanceRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT namespace, lineage_json FROM inheritance`)
	if err != nil {
		return nil, fmt.Errorf("failed to query inheritance: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []InheritanceRow
	for rows.Next() {
		var r InheritanceRow
		if err := rows.Scan(&r.Namespace, &r.LineageJSON); err != nil {
			return nil, fmt.Errorf("failed to scan inheritance row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PendingTaskEvents(ctx context.Context, limit int) ([]TaskEventRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle, name, submit_num, event, message, time
		FROM task_events WHERE emitted_at IS NULL ORDER BY id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending task events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskEventRow
	for rows.Next() {
		var r TaskEventRow
		var t string
		if err := rows.Scan(&r.ID, &r.Cycle, &r.Name, &r.SubmitNum, &r.Event, &r.Message, &t); err != nil {
			return nil, fmt.Errorf("failed to scan task event row: %w", err)
		}
		r.Time, _ = time.Parse(time.RFC3339Nano, t)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkTaskEventsEmitted(ctx context.Context, rows []TaskEventRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`UPDATE task_events SET emitted_at = ? WHERE id = ?`,
			time.Now().UTC().Format(time.RFC3339Nano), r.ID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to mark task event emitted: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit marking task events emitted: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func formatOptionalTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseOptionalTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, ns.String)
	return t
}

var _ Store = (*SQLiteStore)(nil)
