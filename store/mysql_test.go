package store

import (
	"context"
	"os"
	"testing"
	"time"
)

// MySQL tests require a live server; set TEST_MYSQL_DSN to run them, e.g.:
//
//	export TEST_MYSQL_DSN="user:pass@tcp(localhost:3306)/cylc_test"
func newTestMySQLStore(t *testing.T) *MySQLStore {
	t.Helper()
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("Skipping MySQL tests: TEST_MYSQL_DSN not set")
	}
	s, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMySQLStoreTaskPoolUpsertAndDelete(t *testing.T) {
	s := newTestMySQLStore(t)
	ctx := context.Background()

	row := TaskPoolRow{Cycle: "20000101T0000Z", Name: "foo", FlowNums: "1", Status: "waiting"}
	if err := s.UpsertTaskPool(ctx, row); err != nil {
		t.Fatalf("UpsertTaskPool: %v", err)
	}
	row.Status = "preparing"
	if err := s.UpsertTaskPool(ctx, row); err != nil {
		t.Fatalf("UpsertTaskPool (update): %v", err)
	}

	rows, err := s.TaskPool(ctx)
	if err != nil {
		t.Fatalf("TaskPool: %v", err)
	}
	found := false
	for _, r := range rows {
		if r.Cycle == row.Cycle && r.Name == row.Name && r.FlowNums == row.FlowNums {
			found = true
			if r.Status != "preparing" {
				t.Errorf("expected updated status, got %q", r.Status)
			}
		}
	}
	if !found {
		t.Fatal("expected row present after upsert")
	}

	if err := s.DeleteTaskPool(ctx, row.Cycle, row.Name, row.FlowNums); err != nil {
		t.Fatalf("DeleteTaskPool: %v", err)
	}
}

func TestMySQLStoreUpdateTaskJobSetsRunOutcomeOnExistingRow(t *testing.T) {
	s := newTestMySQLStore(t)
	ctx := context.Background()

	if err := s.InsertTaskJob(ctx, TaskJobRow{
		Cycle: "20000101T0000Z", Name: "mysql-job-test", SubmitNum: 1, TryNum: 1,
		SubmitStatus: "0", PlatformName: "localhost", TimeSubmit: time.Now(),
	}); err != nil {
		t.Fatalf("InsertTaskJob: %v", err)
	}

	if err := s.UpdateTaskJob(ctx, "20000101T0000Z", "mysql-job-test", 1, "1", time.Now()); err != nil {
		t.Fatalf("UpdateTaskJob: %v", err)
	}

	jobs, err := s.TaskJobs(ctx, "20000101T0000Z", "mysql-job-test")
	if err != nil {
		t.Fatalf("TaskJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected update to reuse the existing row, got %d rows: %+v", len(jobs), jobs)
	}
	if jobs[0].SubmitStatus != "0" {
		t.Errorf("expected submit_status left untouched, got %q", jobs[0].SubmitStatus)
	}
	if jobs[0].RunStatus != "1" {
		t.Errorf("expected run_status updated, got %q", jobs[0].RunStatus)
	}
}

func TestMySQLStoreTaskEventOutbox(t *testing.T) {
	s := newTestMySQLStore(t)
	ctx := context.Background()

	id, err := s.RecordTaskEvent(ctx, TaskEventRow{Cycle: "1", Name: "mysql-outbox-test", Event: "submitted", Time: time.Now()})
	if err != nil {
		t.Fatalf("RecordTaskEvent: %v", err)
	}

	pending, err := s.PendingTaskEvents(ctx, 100)
	if err != nil {
		t.Fatalf("PendingTaskEvents: %v", err)
	}
	var row TaskEventRow
	for _, r := range pending {
		if r.ID == id {
			row = r
		}
	}
	if row.ID != id {
		t.Fatal("expected newly recorded event among pending")
	}

	if err := s.MarkTaskEventsEmitted(ctx, []TaskEventRow{row}); err != nil {
		t.Fatalf("MarkTaskEventsEmitted: %v", err)
	}
	pending, _ = s.PendingTaskEvents(ctx, 100)
	for _, r := range pending {
		if r.ID == id {
			t.Fatal("expected event no longer pending after marking emitted")
		}
	}
}
