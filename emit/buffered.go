package emit

import (
	"context"
	"sync"
)

// BufferedEmitter stores events in memory, keyed by task name, for
// tests and for `cylc cat-log`-style inline querying. Ported from
// graph/emit.BufferedEmitter, re-keyed from runID to task name.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter narrows GetHistoryWithFilter; zero fields match everything.
type HistoryFilter struct {
	Msg        string
	MinSubmit  *int
	MaxSubmit  *int
}

func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.Name] = append(b.events[event.Name], event)
}

func (b *BufferedEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		b.Emit(e)
	}
	return nil
}

func (b *BufferedEmitter) Flush(_ context.Context) error { return nil }

func (b *BufferedEmitter) GetHistory(name string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[name]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

func (b *BufferedEmitter) GetHistoryWithFilter(name string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.events[name] {
		if filter.Msg != "" && e.Msg != filter.Msg {
			continue
		}
		if filter.MinSubmit != nil && e.SubmitNum < *filter.MinSubmit {
			continue
		}
		if filter.MaxSubmit != nil && e.SubmitNum > *filter.MaxSubmit {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (b *BufferedEmitter) Clear(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, name)
}
