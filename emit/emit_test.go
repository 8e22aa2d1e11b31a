package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNullEmitterDiscards(t *testing.T) {
	n := NewNullEmitter()
	n.Emit(Event{Name: "foo", Msg: "submitted"})
	if err := n.EmitBatch(context.Background(), []Event{{Name: "foo"}}); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}
	if err := n.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, false)
	l.Emit(Event{Point: "1", Name: "foo", SubmitNum: 1, Msg: "submitted"})
	out := buf.String()
	if !strings.Contains(out, "[submitted]") || !strings.Contains(out, "name=foo") {
		t.Fatalf("unexpected text output: %q", out)
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, true)
	l.Emit(Event{Point: "1", Name: "foo", SubmitNum: 2, Msg: "succeeded"})

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected valid JSON line, got %q: %v", buf.String(), err)
	}
	if decoded["name"] != "foo" || decoded["msg"] != "succeeded" {
		t.Fatalf("unexpected decoded event: %+v", decoded)
	}
}

func TestBufferedEmitterHistoryAndFilter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{Name: "foo", SubmitNum: 1, Msg: "submitted"})
	b.Emit(Event{Name: "foo", SubmitNum: 1, Msg: "succeeded"})
	b.Emit(Event{Name: "bar", SubmitNum: 1, Msg: "submitted"})

	history := b.GetHistory("foo")
	if len(history) != 2 {
		t.Fatalf("expected 2 events for foo, got %d", len(history))
	}

	filtered := b.GetHistoryWithFilter("foo", HistoryFilter{Msg: "succeeded"})
	if len(filtered) != 1 || filtered[0].Msg != "succeeded" {
		t.Fatalf("unexpected filtered events: %+v", filtered)
	}

	b.Clear("foo")
	if len(b.GetHistory("foo")) != 0 {
		t.Fatal("expected foo history cleared")
	}
	if len(b.GetHistory("bar")) != 1 {
		t.Fatal("expected bar history untouched by targeted clear")
	}
}
