package cycle

import (
	"fmt"
	"strconv"
	"strings"
)

// IntPoint is a Point in the integer cycling calendar (cycles named "1",
// "2", "3", ... or the sentinels "^"/"$").
type IntPoint struct {
	val     int64
	initial bool
	final   bool
}

// NewIntPoint wraps a plain integer cycle value.
func NewIntPoint(v int64) IntPoint { return IntPoint{val: v} }

func (p IntPoint) String() string {
	switch {
	case p.initial:
		return "^"
	case p.final:
		return "$"
	default:
		return strconv.FormatInt(p.val, 10)
	}
}

// Compare implements Point. Sentinels sort before/after every concrete
// value regardless of magnitude.
func (p IntPoint) Compare(other Point) int {
	o, ok := other.(IntPoint)
	if !ok {
		panic("cycle: IntPoint.Compare called with non-IntPoint")
	}
	if p.initial || o.final {
		if p.initial && o.initial {
			return 0
		}
		return -1
	}
	if p.final || o.initial {
		if p.final && o.final {
			return 0
		}
		return 1
	}
	switch {
	case p.val < o.val:
		return -1
	case p.val > o.val:
		return 1
	default:
		return 0
	}
}

func (p IntPoint) IsInitial() bool { return p.initial }
func (p IntPoint) IsFinal() bool   { return p.final }

// IntDuration is an integer offset, e.g. "P3" meaning +3 cycles.
type IntDuration struct {
	n int64
}

func (d IntDuration) String() string {
	if d.n < 0 {
		return fmt.Sprintf("P%d", d.n)
	}
	return fmt.Sprintf("P%d", d.n)
}

func (d IntDuration) IsZero() bool       { return d.n == 0 }
func (d IntDuration) Negate() Duration   { return IntDuration{n: -d.n} }
func (d IntDuration) Cycles() int64      { return d.n }
func NewIntDuration(n int64) IntDuration { return IntDuration{n: n} }

// IntegerCalendar implements Calendar for pure integer cycling.
type IntegerCalendar struct{}

func (IntegerCalendar) Initial() Point { return IntPoint{initial: true} }
func (IntegerCalendar) Final() Point   { return IntPoint{final: true} }

func (c IntegerCalendar) Add(p Point, d Duration, bound Bound) (Point, error) {
	ip, ok := p.(IntPoint)
	if !ok {
		return nil, fmt.Errorf("cycle: not an IntPoint: %v", p)
	}
	if ip.initial || ip.final {
		// Sentinels are absorbing: offsetting from ^ or $ is meaningless,
		// the caller should have resolved the sentinel to a concrete point
		// first (prereq.Materialise checks upstream points against the bound).
		return ip, nil
	}
	id, ok := d.(IntDuration)
	if !ok {
		return nil, fmt.Errorf("cycle: not an IntDuration: %v", d)
	}
	result := IntPoint{val: ip.val + id.n}
	if !bound.contains(result) {
		return nil, ErrOutOfRange
	}
	return result, nil
}

func (c IntegerCalendar) Sub(a, b Point) Duration {
	ap, aok := a.(IntPoint)
	bp, bok := b.(IntPoint)
	if !aok || !bok {
		panic("cycle: Sub called with non-IntPoint")
	}
	return IntDuration{n: ap.val - bp.val}
}

func (c IntegerCalendar) ParseDuration(literal string) (Duration, error) {
	s := strings.TrimPrefix(literal, "P")
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cycle: invalid integer duration %q: %w", literal, err)
	}
	return IntDuration{n: n}, nil
}

func (c IntegerCalendar) ParsePoint(literal string) (Point, error) {
	switch literal {
	case "^":
		return c.Initial(), nil
	case "$":
		return c.Final(), nil
	}
	n, err := strconv.ParseInt(literal, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cycle: invalid integer point %q: %w", literal, err)
	}
	return IntPoint{val: n}, nil
}

// IntSequence generates points start, start+step, start+2*step, ... up to
// (and including, if exactly reached) end. A nil end means unbounded.
type IntSequence struct {
	start, step int64
	end         *int64
}

// NewIntSequence builds a sequence "R/Pstep/start" bounded optionally by end.
func NewIntSequence(start, step int64, end *int64) *IntSequence {
	return &IntSequence{start: start, step: step, end: end}
}

// Next returns the first point strictly after `after` that belongs to the
// sequence, or ok=false if the sequence is exhausted. O(1): the recurrence
// is solved directly rather than iterated.
func (s *IntSequence) Next(after IntPoint) (IntPoint, bool) {
	if s.step <= 0 {
		return IntPoint{}, false
	}
	var candidate int64
	if after.initial {
		candidate = s.start
	} else if after.final {
		return IntPoint{}, false
	} else if after.val < s.start {
		candidate = s.start
	} else {
		// smallest start + k*step > after.val
		delta := after.val - s.start + 1
		k := (delta + s.step - 1) / s.step
		candidate = s.start + k*s.step
	}
	if s.end != nil && candidate > *s.end {
		return IntPoint{}, false
	}
	return IntPoint{val: candidate}, true
}

// Finite reports whether the sequence has a bounded end.
func (s *IntSequence) Finite() bool { return s.end != nil }
