package runner

import (
	"context"
	"sync"
	"testing"
	"time"
)

// mockRunner records every Submit call and returns a fixed outcome,
// mirroring the teacher's MockTool pattern: configurable response, call
// history, thread-safe.
type mockRunner struct {
	mu      sync.Mutex
	calls   []JobContext
	err     error
	jobID   string
	vacates bool
}

func (m *mockRunner) Submit(ctx context.Context, jc JobContext) SubmitOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, jc)
	if m.err != nil {
		return SubmitOutcome{Err: m.err}
	}
	return SubmitOutcome{JobID: m.jobID}
}

func (m *mockRunner) Poll(ctx context.Context, refs []JobRef) []PollResult {
	out := make([]PollResult, len(refs))
	for i, r := range refs {
		out[i] = PollResult{Ref: r, State: "succeeded"}
	}
	return out
}

func (m *mockRunner) Kill(ctx context.Context, ref JobRef) Outcome { return Outcome{} }
func (m *mockRunner) Supports(signal string) bool                 { return m.vacates }

func (m *mockRunner) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestDispatcherSubmitReportsEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(4)
	mr := &mockRunner{jobID: "123"}
	d.RegisterPlatform(ctx, "localhost", mr, 2, PlatformSchedules{}, 4)

	if err := d.Submit(ctx, "localhost", JobContext{Ref: JobRef{Name: "foo", Point: "1"}}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-d.Events():
		if ev.Kind != "submitted" || ev.Outcome.JobID != "123" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submit event")
	}
}

func TestDispatcherSubmitFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(4)
	mr := &mockRunner{err: context.DeadlineExceeded}
	d.RegisterPlatform(ctx, "localhost", mr, 1, PlatformSchedules{}, 4)

	_ = d.Submit(ctx, "localhost", JobContext{Ref: JobRef{Name: "foo", Point: "1"}})

	select {
	case ev := <-d.Events():
		if ev.Kind != "submit-failed" {
			t.Fatalf("expected submit-failed, got %v", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submit-failed event")
	}
}

func TestDispatcherUnknownPlatform(t *testing.T) {
	d := NewDispatcher(1)
	if err := d.Submit(context.Background(), "nowhere", JobContext{}); err == nil {
		t.Fatal("expected error submitting to unregistered platform")
	}
}

func TestPollScheduleLastRepeats(t *testing.T) {
	s := PollSchedule{time.Second, 2 * time.Second, 5 * time.Second}
	if got := s.Interval(1); got != time.Second {
		t.Errorf("Interval(1) = %v, want 1s", got)
	}
	if got := s.Interval(3); got != 5*time.Second {
		t.Errorf("Interval(3) = %v, want 5s", got)
	}
	if got := s.Interval(10); got != 5*time.Second {
		t.Errorf("Interval(10) = %v, want last interval 5s repeated", got)
	}
}

func TestDispatcherPollDeliversResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(4)
	mr := &mockRunner{}
	d.RegisterPlatform(ctx, "localhost", mr, 1, PlatformSchedules{}, 4)

	d.Poll(ctx, "localhost", []JobRef{{Name: "foo", Point: "1", JobID: "123"}})

	select {
	case ev := <-d.Events():
		if ev.Kind != "poll" || ev.Poll.State != "succeeded" {
			t.Fatalf("unexpected poll event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for poll event")
	}
}
