package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is the alternate Store backend for production deployments
// that already run MySQL/MariaDB for their scheduler database, e.g. a
// shared metadata store across several workflow hosts. Ported from the
// teacher's graph/store/mysql.go; same schema as SQLiteStore, MySQL DDL
// and ON DUPLICATE KEY UPDATE in place of SQLite's ON CONFLICT.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens dsn (e.g. "user:pass@tcp(127.0.0.1:3306)/cylc?parseTime=true")
// and migrates its schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_params (
			param_key VARCHAR(255) NOT NULL PRIMARY KEY,
			value TEXT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS task_pool (
			cycle VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL,
			flow_nums VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			is_held TINYINT NOT NULL DEFAULT 0,
			PRIMARY KEY (cycle, name, flow_nums)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS task_states (
			cycle VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL,
			flow_nums VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			submit_num INT NOT NULL DEFAULT 0,
			time_created TIMESTAMP(6) NOT NULL,
			time_updated TIMESTAMP(6) NOT NULL,
			PRIMARY KEY (cycle, name, flow_nums)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS task_jobs (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			cycle VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL,
			submit_num INT NOT NULL,
			try_num INT NOT NULL,
			submit_status VARCHAR(32) NOT NULL DEFAULT '',
			run_status VARCHAR(32) NOT NULL DEFAULT '',
			platform_name VARCHAR(255) NOT NULL DEFAULT '',
			job_runner_name VARCHAR(255) NOT NULL DEFAULT '',
			job_id VARCHAR(255) NOT NULL DEFAULT '',
			time_submit TIMESTAMP(6) NULL,
			time_submit_exit TIMESTAMP(6) NULL,
			time_run TIMESTAMP(6) NULL,
			time_run_exit TIMESTAMP(6) NULL,
			is_manual_submit TINYINT NOT NULL DEFAULT 0,
			INDEX idx_task_jobs_cycle_name (cycle, name)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS task_events (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			cycle VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL,
			submit_num INT NOT NULL DEFAULT 0,
			event VARCHAR(64) NOT NULL,
			message TEXT,
			time TIMESTAMP(6) NOT NULL,
			emitted_at TIMESTAMP(6) NULL,
			INDEX idx_task_events_pending (emitted_at, id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS broadcast_states (
			point VARCHAR(64) NOT NULL,
			namespace VARCHAR(255) NOT NULL,
			setting_key VARCHAR(255) NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (point, namespace, setting_key)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS broadcast_events (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			time TIMESTAMP(6) NOT NULL,
			change_kind VARCHAR(8) NOT NULL,
			point VARCHAR(64) NOT NULL,
			namespace VARCHAR(255) NOT NULL,
			setting_key VARCHAR(255) NOT NULL,
			value TEXT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS inheritance (
			namespace VARCHAR(255) NOT NULL PRIMARY KEY,
			lineage_json TEXT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *MySQLStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *MySQLStore) SetWorkflowParam(ctx context.Context, key, value string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_params (param_key, value) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE value = VALUES(value)
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set workflow param: %w", err)
	}
	return nil
}

func (s *MySQLStore) WorkflowParams(ctx context.Context) ([]WorkflowParamsRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT param_key, value FROM workflow_params`)
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

func (s *MySQLStore) UpsertTaskPool(ctx context.Context, row TaskPoolRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_pool (cycle, name, flow_nums, status, is_held)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE status = VALUES(status), is_held = VALUES(is_held)
	`, row.Cycle, row.Name, row.FlowNums, row.Status, boolToInt(row.IsHeld))
	if err != nil {
		return fmt.Errorf("failed to upsert task pool row: %w", err)
	}
	return nil
}

func (s *MySQLStore) DeleteTaskPool(ctx context.Context, cycle, name, flowNums string) error {
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

func (s *MySQLStore) TaskPool(ctx context.Context) ([]TaskPoolRow, error) {
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

func (s *MySQLStore) UpsertTaskState(ctx context.Context, row TaskStateRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_states (cycle, name, flow_nums, status, submit_num, time_created, time_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE status = VALUES(status), submit_num = VALUES(submit_num),
			time_updated = VALUES(time_updated)
	`, row.Cycle, row.Name, row.FlowNums, row.Status, row.SubmitNum,
		timeOrNow(row.TimeCreated), timeOrNow(row.TimeUpdated))
	if err != nil {
		return fmt.Errorf("failed to upsert task state row: %w", err)
	}
	return nil
}

func (s *MySQLStore) TaskStates(ctx context.Context) ([]TaskStateRow, error) {
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
		if err := rows.Scan(&r.Cycle, &r.Name, &r.FlowNums, &r.Status, &r.SubmitNum, &r.TimeCreated, &r.TimeUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan task state row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *MySQLStore) InsertTaskJob(ctx context.Context, row TaskJobRow) error {
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
		mysqlOptionalTime(row.TimeSubmit), mysqlOptionalTime(row.TimeSubmitExit),
		mysqlOptionalTime(row.TimeRun), mysqlOptionalTime(row.TimeRunExit),
		boolToInt(row.IsManualSubmit))
	if err != nil {
		return fmt.Errorf("failed to insert task job row: %w", err)
	}
	return nil
}

func (s *MySQLStore) UpdateTaskJob(ctx context.Context, cycle, name string, submitNum int, runStatus string, timeRunExit time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_jobs SET run_status = ?, time_run_exit = ?
		WHERE cycle = ? AND name = ? AND submit_num = ?
	`, runStatus, mysqlOptionalTime(timeRunExit), cycle, name, submitNum)
	if err != nil {
		return fmt.Errorf("failed to update task job row: %w", err)
	}
	return nil
}

func (s *MySQLStore) TaskJobs(ctx context.Context, cycle, name string) ([]TaskJobRow, error) {
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
		var submit, submitExit, run, runExit sql.NullTime
		var isManual int
		if err := rows.Scan(&r.Cycle, &r.Name, &r.SubmitNum, &r.TryNum, &r.SubmitStatus, &r.RunStatus,
			&r.PlatformName, &r.JobRunnerName, &r.JobID, &submit, &submitExit, &run, &runExit,
			&isManual); err != nil {
			return nil, fmt.Errorf("failed to scan task job row: %w", err)
		}
		r.TimeSubmit = submit.Time
		r.TimeSubmitExit = submitExit.Time
		r.TimeRun = run.Time
		r.TimeRunExit = runExit.Time
		r.IsManualSubmit = isManual != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *MySQLStore) RecordTaskEvent(ctx context.Context, row TaskEventRow) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_events (cycle, name, submit_num, event, message, time)
		VALUES (?, ?, ?, ?, ?, ?)
	`, row.Cycle, row.Name, row.SubmitNum, row.Event, row.Message, timeOrNow(row.Time))
	if err != nil {
		return 0, fmt.Errorf("failed to record task event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read task event id: %w", err)
	}
	return id, nil
}

func (s *MySQLStore) UpsertBroadcastState(ctx context.Context, row BroadcastStateRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcast_states (point, namespace, setting_key, value)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE value = VALUES(value)
	`, row.Point, row.Namespace, row.Key, row.Value)
	if err != nil {
		return fmt.Errorf("failed to upsert broadcast state: %w", err)
	}
	return nil
}

func (s *MySQLStore) DeleteBroadcastState(ctx context.Context, point, namespace, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM broadcast_states WHERE point = ? AND namespace = ? AND setting_key = ?`,
		point, namespace, key)
	if err != nil {
		return fmt.Errorf("failed to delete broadcast state: %w", err)
	}
	return nil
}

func (s *MySQLStore) BroadcastStates(ctx context.Context) ([]BroadcastStateRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT point, namespace, setting_key, value FROM broadcast_states`)
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

func (s *MySQLStore) RecordBroadcastEvent(ctx context.Context, row BroadcastEventRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcast_events (time, change_kind, point, namespace, setting_key, value)
		VALUES (?, ?, ?, ?, ?, ?)
	`, timeOrNow(row.Time), row.Change, row.Point, row.Namespace, row.Key, row.Value)
	if err != nil {
		return fmt.Errorf("failed to record broadcast event: %w", err)
	}
	return nil
}

func (s *MySQLStore) SetInheritance(ctx context.Context, namespace, lineageJSON string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inheritance (namespace, lineage_json) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE lineage_json = VALUES(lineage_json)
	`, namespace, lineageJSON)
	if err != nil {
		return fmt.Errorf("failed to set inheritance: %w", err)
	}
	return nil
}

func (s *MySQLStore) Inheritance(ctx context.Context) ([]InheritanceRow, error) {
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

func (s *MySQLStore) PendingTaskEvents(ctx context.Context, limit int) ([]TaskEventRow, error) {
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
		if err := rows.Scan(&r.ID, &r.Cycle, &r.Name, &r.SubmitNum, &r.Event, &r.Message, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan task event row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *MySQLStore) MarkTaskEventsEmitted(ctx context.Context, rows []TaskEventRow) error {
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
	now := time.Now().UTC()
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`UPDATE task_events SET emitted_at = ? WHERE id = ?`, now, r.ID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to mark task event emitted: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit marking task events emitted: %w", err)
	}
	return nil
}

func mysqlOptionalTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

var _ Store = (*MySQLStore)(nil)
