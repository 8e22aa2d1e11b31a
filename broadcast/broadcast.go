// Package broadcast implements the runtime settings overlay: operator
// pushed (point, namespace) scoped overrides of task configuration,
// looked up with a fixed specificity order (spec.md §4.5).
package broadcast

import (
	"sort"
	"sync"

	"github.com/cylc/flowcore/cycle"
)

// Change distinguishes a set from a clear in the event log.
type Change string

const (
	ChangeSet   Change = "+"
	ChangeClear Change = "-"
)

// Event is one logged mutation, mirrored to the durable store's
// broadcast_events table.
type Event struct {
	SequenceNo  int64
	Change      Change
	PointLit    string // the pattern as given, e.g. "*" or a concrete point literal
	Namespace   string // a task name, family name, or "*"
	SettingPath string
	Value       string
}

// EventSink receives broadcast mutations for durable logging. broadcast
// depends only on this narrow interface, never on the store package
// directly, keeping dependency flow one-way (the store may depend on
// broadcast's types, not vice versa).
type EventSink interface {
	RecordBroadcastEvent(Event)
}

// entry is one stored setting, keyed by the (point, namespace) pattern it
// was set under.
type entry struct {
	sequenceNo  int64
	pointLit    string
	namespace   string
	settingPath string
	value       string
}

// Store holds the live broadcast overlay and mirrors every mutation to an
// EventSink for durability. All methods are safe for concurrent use; the
// store is read far more often (once per prerequisite/placement decision)
// than written (only on explicit Broadcast commands).
type Store struct {
	mu      sync.RWMutex
	seq     int64
	entries []entry
	sink    EventSink
}

// NewStore returns an empty broadcast overlay reporting mutations to sink.
// sink may be nil, in which case events are not persisted (used in tests).
func NewStore(sink EventSink) *Store {
	return &Store{sink: sink}
}

// Set installs value at settingPath for every (point, namespace) pattern
// match and returns the sequence number assigned to the mutation. A
// pattern of "*" matches any point or namespace; concrete literals match
// exactly.
func (s *Store) Set(pointPat, nsPat, settingPath, value string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e := entry{sequenceNo: s.seq, pointLit: pointPat, namespace: nsPat, settingPath: settingPath, value: value}
	s.entries = append(s.entries, e)
	if s.sink != nil {
		s.sink.RecordBroadcastEvent(Event{
			SequenceNo: s.seq, Change: ChangeSet, PointLit: pointPat,
			Namespace: nsPat, SettingPath: settingPath, Value: value,
		})
	}
	return s.seq
}

// Selector identifies which live entries Clear removes.
type Selector struct {
	PointLit    string
	Namespace   string
	SettingPath string // empty matches any setting path
}

// Clear removes every entry matching sel and returns the removed entries'
// values to report back to the caller.
func (s *Store) Clear(sel Selector) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []entry
	var removed []string
	for _, e := range s.entries {
		match := e.pointLit == sel.PointLit && e.namespace == sel.Namespace &&
			(sel.SettingPath == "" || e.settingPath == sel.SettingPath)
		if match {
			removed = append(removed, e.value)
			if s.sink != nil {
				s.seq++
				s.sink.RecordBroadcastEvent(Event{
					SequenceNo: s.seq, Change: ChangeClear, PointLit: e.pointLit,
					Namespace: e.namespace, SettingPath: e.settingPath, Value: e.value,
				})
			}
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed
}

// level enumerates the six lookup levels in most-to-least specific order.
type level int

const (
	levelExactNameExact level = iota
	levelExactFamily
	levelExactWildcardNS
	levelWildcardPointName
	levelWildcardPointFamily
	levelWildcardBoth
)

// Lookup searches for settingPath under name at point, trying each
// specificity level in turn and, within a level, the highest sequence_no
// match. familyLineage lists name's families from most to least specific.
// Returns ok=false if no entry matches at any level.
func (s *Store) Lookup(point cycle.Point, name string, familyLineage []string, settingPath string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pointLit := point.String()
	candidates := func(lvl level) (pointPats, nsPats []string) {
		switch lvl {
		case levelExactNameExact:
			return []string{pointLit}, []string{name}
		case levelExactFamily:
			return []string{pointLit}, familyLineage
		case levelExactWildcardNS:
			return []string{pointLit}, []string{"*"}
		case levelWildcardPointName:
			return []string{"*"}, []string{name}
		case levelWildcardPointFamily:
			return []string{"*"}, familyLineage
		case levelWildcardBoth:
			return []string{"*"}, []string{"*"}
		}
		return nil, nil
	}

	for lvl := levelExactNameExact; lvl <= levelWildcardBoth; lvl++ {
		pointPats, nsPats := candidates(lvl)
		if best, ok := s.bestMatch(pointPats, nsPats, settingPath); ok {
			return best, true
		}
	}
	return "", false
}

// bestMatch returns the value of the highest-sequence_no entry whose
// pointLit/namespace appear in pointPats/nsPats respectively (nsPats
// checked in the caller's given order for family-lineage specificity).
func (s *Store) bestMatch(pointPats, nsPats []string, settingPath string) (string, bool) {
	for _, ns := range nsPats {
		var matches []entry
		for _, e := range s.entries {
			if e.settingPath != settingPath {
				continue
			}
			if e.namespace != ns {
				continue
			}
			for _, pp := range pointPats {
				if e.pointLit == pp {
					matches = append(matches, e)
					break
				}
			}
		}
		if len(matches) == 0 {
			continue
		}
		sort.Slice(matches, func(i, j int) bool { return matches[i].sequenceNo > matches[j].sequenceNo })
		return matches[0].value, true
	}
	return "", false
}
