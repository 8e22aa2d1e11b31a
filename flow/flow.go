// Package flow implements flow identity and flow-set membership: the
// bookkeeping that lets two independently triggered instances of the same
// task at the same cycle point merge into one proxy rather than running
// twice (spec.md §4.3 "Flow merge").
package flow

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ID is a flow identifier, a small monotonically assigned integer. The
// reserved value None marks "no flow" (one-off triggers that never spawn
// downstream).
type ID int

const (
	// None marks a proxy that belongs to no flow: it runs once and never
	// triggers spawning of its own successors.
	None ID = 0
	// first ordinary flow number handed out by a Generator.
	first ID = 1
)

func (id ID) String() string {
	if id == None {
		return "none"
	}
	return strconv.Itoa(int(id))
}

// Generator hands out fresh flow numbers, monotonically increasing, never
// reused within a run (spec.md glossary: "flow numbers are never reused").
type Generator struct {
	next ID
}

// NewGenerator returns a Generator that starts issuing IDs from 1.
func NewGenerator() *Generator {
	return &Generator{next: first}
}

// Next returns a fresh, previously unissued flow ID.
func (g *Generator) Next() ID {
	id := g.next
	g.next++
	return id
}

// Metadata describes a flow for display and event-log purposes.
type Metadata struct {
	Description string
	// StartedFrom names the task/point the flow was triggered from, e.g.
	// "rerun from 20230101T00Z/forecast".
	StartedFrom string
}

// Set is an immutable, small set of flow IDs a task proxy belongs to.
// Proxies usually belong to exactly one flow; merges (two trigger paths
// converging on the same (name, point)) produce multi-member sets. Set
// values are comparable and hashable via Key, and union is commutative and
// idempotent (testable property 7).
type Set struct {
	// bits holds membership for small IDs (0-63) as a bitmask, the common
	// case; ids above 63 spill into overflow, kept sorted and deduplicated.
	bits     uint64
	overflow []ID
}

// Of builds a Set containing exactly the given ids.
func Of(ids ...ID) Set {
	var s Set
	for _, id := range ids {
		s = s.add(id)
	}
	return s
}

func (s Set) add(id ID) Set {
	if id < 0 {
		return s
	}
	if id < 64 {
		s.bits |= 1 << uint(id)
		return s
	}
	for _, existing := range s.overflow {
		if existing == id {
			return s
		}
	}
	overflow := make([]ID, len(s.overflow), len(s.overflow)+1)
	copy(overflow, s.overflow)
	overflow = append(overflow, id)
	sort.Slice(overflow, func(i, j int) bool { return overflow[i] < overflow[j] })
	s.overflow = overflow
	return s
}

// Contains reports whether id is a member of s.
func (s Set) Contains(id ID) bool {
	if id < 64 && id >= 0 {
		return s.bits&(1<<uint(id)) != 0
	}
	for _, existing := range s.overflow {
		if existing == id {
			return true
		}
	}
	return false
}

// IsNone reports whether s is the empty flow-none set.
func (s Set) IsNone() bool {
	return s.bits == 0 && len(s.overflow) == 0
}

// Union returns the commutative, idempotent union of s and other: merging
// two trigger paths for the same proxy keeps every flow either was in,
// merging twice produces the same result as merging once.
func (s Set) Union(other Set) Set {
	merged := Set{bits: s.bits | other.bits}
	seen := make(map[ID]bool, len(s.overflow)+len(other.overflow))
	var overflow []ID
	for _, list := range [][]ID{s.overflow, other.overflow} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				overflow = append(overflow, id)
			}
		}
	}
	sort.Slice(overflow, func(i, j int) bool { return overflow[i] < overflow[j] })
	merged.overflow = overflow
	return merged
}

// Equal reports whether s and other contain exactly the same members.
func (s Set) Equal(other Set) bool {
	if s.bits != other.bits || len(s.overflow) != len(other.overflow) {
		return false
	}
	for i, id := range s.overflow {
		if other.overflow[i] != id {
			return false
		}
	}
	return true
}

// Members returns the set's flow IDs in ascending order.
func (s Set) Members() []ID {
	var out []ID
	for i := 0; i < 64; i++ {
		if s.bits&(1<<uint(i)) != 0 {
			out = append(out, ID(i))
		}
	}
	out = append(out, s.overflow...)
	return out
}

// Key returns a string uniquely identifying s's membership, suitable as a
// map key for the task pool's (name, point, flow-set) index.
func (s Set) Key() string {
	members := s.Members()
	parts := make([]string, len(members))
	for i, id := range members {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

func (s Set) String() string {
	if s.IsNone() {
		return "none"
	}
	return fmt.Sprintf("{%s}", s.Key())
}
