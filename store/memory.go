package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-memory Store, used by tests and by `cylc play
// --no-db` style dry runs. Thread-safe, not persistent.
type MemStore struct {
	mu sync.RWMutex

	params      map[string]string
	pool        map[string]TaskPoolRow // key: cycle/name/flowNums
	states      map[string]TaskStateRow
	jobs        []TaskJobRow
	events      []TaskEventRow
	nextEventID int64
	broadcast   map[string]BroadcastStateRow // key: point/namespace/key
	inheritance map[string]string
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		params:      make(map[string]string),
		pool:        make(map[string]TaskPoolRow),
		states:      make(map[string]TaskStateRow),
		broadcast:   make(map[string]BroadcastStateRow),
		inheritance: make(map[string]string),
	}
}

func (m *MemStore) Close() error { return nil }

func poolKey(cycle, name, flowNums string) string { return cycle + "/" + name + "/" + flowNums }

func (m *MemStore) SetWorkflowParam(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params[key] = value
	return nil
}

func (m *MemStore) WorkflowParams(_ context.Context) ([]WorkflowParamsRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WorkflowParamsRow, 0, len(m.params))
	for k, v := range m.params {
		out = append(out, WorkflowParamsRow{Key: k, Value: v})
	}
	return out, nil
}

func (m *MemStore) UpsertTaskPool(_ context.Context, row TaskPoolRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool[poolKey(row.Cycle, row.Name, row.FlowNums)] = row
	return nil
}

func (m *MemStore) DeleteTaskPool(_ context.Context, cycle, name, flowNums string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pool, poolKey(cycle, name, flowNums))
	return nil
}

func (m *MemStore) TaskPool(_ context.Context) ([]TaskPoolRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TaskPoolRow, 0, len(m.pool))
	for _, row := range m.pool {
		out = append(out, row)
	}
	return out, nil
}

func (m *MemStore) UpsertTaskState(_ context.Context, row TaskStateRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[poolKey(row.Cycle, row.Name, row.FlowNums)] = row
	return nil
}

func (m *MemStore) TaskStates(_ context.Context) ([]TaskStateRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TaskStateRow, 0, len(m.states))
	for _, row := range m.states {
		out = append(out, row)
	}
	return out, nil
}

func (m *MemStore) InsertTaskJob(_ context.Context, row TaskJobRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, row)
	return nil
}

func (m *MemStore) UpdateTaskJob(_ context.Context, cycle, name string, submitNum int, runStatus string, timeRunExit time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.jobs {
		if m.jobs[i].Cycle == cycle && m.jobs[i].Name == name && m.jobs[i].SubmitNum == submitNum {
			m.jobs[i].RunStatus = runStatus
			m.jobs[i].TimeRunExit = timeRunExit
			return nil
		}
	}
	return fmt.Errorf("store: no task job row for %s/%s submit_num=%d", cycle, name, submitNum)
}

func (m *MemStore) TaskJobs(_ context.Context, cycle, name string) ([]TaskJobRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TaskJobRow
	for _, row := range m.jobs {
		if row.Cycle == cycle && row.Name == name {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *MemStore) RecordTaskEvent(_ context.Context, row TaskEventRow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	row.ID = m.nextEventID
	m.events = append(m.events, row)
	return row.ID, nil
}

func (m *MemStore) UpsertBroadcastState(_ context.Context, row BroadcastStateRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcast[poolKey(row.Point, row.Namespace, row.Key)] = row
	return nil
}

func (m *MemStore) DeleteBroadcastState(_ context.Context, point, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.broadcast, poolKey(point, namespace, key))
	return nil
}

func (m *MemStore) BroadcastStates(_ context.Context) ([]BroadcastStateRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BroadcastStateRow, 0, len(m.broadcast))
	for _, row := range m.broadcast {
		out = append(out, row)
	}
	return out, nil
}

func (m *MemStore) RecordBroadcastEvent(_ context.Context, _ BroadcastEventRow) error {
	// MemStore keeps only live state for broadcasts; the append-only event
	// log is a durability concern the SQLite/MySQL backends own.
	return nil
}

func (m *MemStore) SetInheritance(_ context.Context, namespace, lineageJSON string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inheritance[namespace] = lineageJSON
	return nil
}

func (m *MemStore) Inheritance(_ context.Context) ([]InheritanceRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]InheritanceRow, 0, len(m.inheritance))
	for ns, lineage := range m.inheritance {
		out = append(out, InheritanceRow{Namespace: ns, LineageJSON: lineage})
	}
	return out, nil
}

func (m *MemStore) PendingTaskEvents(_ context.Context, limit int) ([]TaskEventRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TaskEventRow
	for _, e := range m.events {
		if e.ID == 0 {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemStore) MarkTaskEventsEmitted(_ context.Context, rows []TaskEventRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	emitted := make(map[int64]bool, len(rows))
	for _, r := range rows {
		emitted[r.ID] = true
	}
	var kept []TaskEventRow
	for _, e := range m.events {
		if !emitted[e.ID] {
			kept = append(kept, e)
		}
	}
	m.events = kept
	return nil
}

var _ Store = (*MemStore)(nil)
