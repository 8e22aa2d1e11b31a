package taskdef

import "testing"

func TestNewTableDuplicateName(t *testing.T) {
	_, err := NewTable([]*Definition{
		{Name: "foo"},
		{Name: "foo"},
	})
	if err == nil {
		t.Fatal("expected error for duplicate task name")
	}
}

func TestNewTableUndefinedPrereq(t *testing.T) {
	_, err := NewTable([]*Definition{
		{
			Name: "bar",
			Prerequisites: []PrereqClause{
				{Atoms: []Prereq{{Upstream: "foo", Output: OutputSucceeded}}},
			},
		},
	})
	if err == nil {
		t.Fatal("expected error for undefined upstream task")
	}
}

func TestIsComplete(t *testing.T) {
	d := &Definition{Name: "t1"}
	if d.IsComplete(map[string]bool{}) {
		t.Fatal("expected incomplete with no outputs")
	}
	if !d.IsComplete(map[string]bool{OutputSucceeded: true}) {
		t.Fatal("expected complete once succeeded is set (default completion expression)")
	}

	custom := &Definition{Name: "t2", CompletionExpression: []string{OutputSucceeded, "uploaded"}}
	if custom.IsComplete(map[string]bool{OutputSucceeded: true}) {
		t.Fatal("expected incomplete: custom output missing")
	}
	if !custom.IsComplete(map[string]bool{OutputSucceeded: true, "uploaded": true}) {
		t.Fatal("expected complete: all custom outputs present")
	}
}

func TestRetryDelaysSequence(t *testing.T) {
	rd := RetryDelays{Submission: nil, Execution: nil}
	if _, ok := rd.NextExecution(0); ok {
		t.Fatal("expected no delay with empty retry list")
	}
}

func TestOutputMessageFallback(t *testing.T) {
	d := &Definition{Name: "t1", Outputs: map[string]string{"custom": "custom happened"}}
	if got := d.OutputMessage("custom"); got != "custom happened" {
		t.Errorf("OutputMessage = %q, want %q", got, "custom happened")
	}
	if got := d.OutputMessage("undeclared"); got != "undeclared" {
		t.Errorf("OutputMessage fallback = %q, want %q", got, "undeclared")
	}
}
