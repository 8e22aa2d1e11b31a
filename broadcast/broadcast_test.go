package broadcast

import (
	"testing"

	"github.com/cylc/flowcore/cycle"
)

type recordingSink struct {
	events []Event
}

func (r *recordingSink) RecordBroadcastEvent(e Event) {
	r.events = append(r.events, e)
}

func TestSetAndLookupExact(t *testing.T) {
	sink := &recordingSink{}
	s := NewStore(sink)
	p := cycle.NewIntPoint(1)
	s.Set(p.String(), "t1", "[environment]HELLO", "Hello")

	v, ok := s.Lookup(p, "t1", nil, "[environment]HELLO")
	if !ok || v != "Hello" {
		t.Fatalf("Lookup = %q, %v; want Hello, true", v, ok)
	}
	if len(sink.events) != 1 || sink.events[0].Change != ChangeSet {
		t.Fatalf("expected one set event logged, got %+v", sink.events)
	}
}

func TestLookupSpecificityOrder(t *testing.T) {
	s := NewStore(nil)
	p := cycle.NewIntPoint(1)
	s.Set("*", "*", "key", "wildcard-both")
	s.Set("*", "FAM", "key", "wildcard-point-family")
	s.Set(p.String(), "t1", "key", "exact")

	v, ok := s.Lookup(p, "t1", []string{"FAM"}, "key")
	if !ok || v != "exact" {
		t.Fatalf("expected most specific match 'exact', got %q, %v", v, ok)
	}

	v, ok = s.Lookup(p, "other", []string{"FAM"}, "key")
	if !ok || v != "wildcard-point-family" {
		t.Fatalf("expected family match, got %q, %v", v, ok)
	}

	v, ok = s.Lookup(p, "unrelated", nil, "key")
	if !ok || v != "wildcard-both" {
		t.Fatalf("expected wildcard-both fallback, got %q, %v", v, ok)
	}
}

func TestLookupSequenceNoTieBreak(t *testing.T) {
	s := NewStore(nil)
	p := cycle.NewIntPoint(1)
	s.Set(p.String(), "t1", "key", "first")
	s.Set(p.String(), "t1", "key", "second")

	v, ok := s.Lookup(p, "t1", nil, "key")
	if !ok || v != "second" {
		t.Fatalf("expected latest sequence_no to win, got %q, %v", v, ok)
	}
}

func TestClearRemovesAndLogs(t *testing.T) {
	sink := &recordingSink{}
	s := NewStore(sink)
	p := cycle.NewIntPoint(1)
	s.Set(p.String(), "t1", "key", "value")

	removed := s.Clear(Selector{PointLit: p.String(), Namespace: "t1", SettingPath: "key"})
	if len(removed) != 1 || removed[0] != "value" {
		t.Fatalf("expected one removed value, got %v", removed)
	}
	if _, ok := s.Lookup(p, "t1", nil, "key"); ok {
		t.Fatal("expected lookup to miss after clear")
	}

	var clearLogged bool
	for _, e := range sink.events {
		if e.Change == ChangeClear {
			clearLogged = true
		}
	}
	if !clearLogged {
		t.Fatal("expected a clear event to be logged")
	}
}

func TestSetIdempotentUnderSameValue(t *testing.T) {
	s := NewStore(nil)
	p := cycle.NewIntPoint(1)
	s.Set(p.String(), "t1", "key", "same")
	s.Set(p.String(), "t1", "key", "same")

	v, ok := s.Lookup(p, "t1", nil, "key")
	if !ok || v != "same" {
		t.Fatalf("expected value unchanged under repeated identical set, got %q, %v", v, ok)
	}
}
