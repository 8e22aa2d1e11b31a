package cycle

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ISOPoint is a Point in the ISO8601 Gregorian calendar, always carried in
// the workflow's declared time zone so equality follows canonical form.
type ISOPoint struct {
	t       time.Time
	initial bool
	final   bool
}

// NewISOPoint wraps a concrete date-time.
func NewISOPoint(t time.Time) ISOPoint { return ISOPoint{t: t} }

const isoLayout = "2006-01-02T15:04:05Z07:00"

func (p ISOPoint) String() string {
	switch {
	case p.initial:
		return "^"
	case p.final:
		return "$"
	default:
		return p.t.Format(isoLayout)
	}
}

func (p ISOPoint) Compare(other Point) int {
	o, ok := other.(ISOPoint)
	if !ok {
		panic("cycle: ISOPoint.Compare called with non-ISOPoint")
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
	case p.t.Before(o.t):
		return -1
	case p.t.After(o.t):
		return 1
	default:
		return 0
	}
}

func (p ISOPoint) IsInitial() bool { return p.initial }
func (p ISOPoint) IsFinal() bool   { return p.final }

// Time returns the underlying time.Time. Panics for sentinel points.
func (p ISOPoint) Time() time.Time {
	if p.initial || p.final {
		panic("cycle: Time() called on sentinel ISOPoint")
	}
	return p.t
}

// ISODuration is a calendar duration supporting both fixed (hours/minutes/
// seconds) and calendar (years/months/days, which vary in absolute length)
// components, following ISO8601 "PnYnMnDTnHnMnS" syntax.
type ISODuration struct {
	years, months, days int
	fixed                time.Duration
	negative             bool
}

func (d ISODuration) String() string {
	sign := ""
	if d.negative {
		sign = "-"
	}
	var b strings.Builder
	b.WriteString(sign)
	b.WriteByte('P')
	if d.years != 0 {
		fmt.Fprintf(&b, "%dY", d.years)
	}
	if d.months != 0 {
		fmt.Fprintf(&b, "%dM", d.months)
	}
	if d.days != 0 {
		fmt.Fprintf(&b, "%dD", d.days)
	}
	if d.fixed != 0 {
		b.WriteByte('T')
		h := int(d.fixed / time.Hour)
		m := int((d.fixed % time.Hour) / time.Minute)
		s := d.fixed % time.Minute
		if h != 0 {
			fmt.Fprintf(&b, "%dH", h)
		}
		if m != 0 {
			fmt.Fprintf(&b, "%dM", m)
		}
		if s != 0 {
			fmt.Fprintf(&b, "%gS", s.Seconds())
		}
	}
	return b.String()
}

func (d ISODuration) IsZero() bool {
	return d.years == 0 && d.months == 0 && d.days == 0 && d.fixed == 0
}

func (d ISODuration) Negate() Duration {
	d.negative = !d.negative
	return d
}

func (d ISODuration) applyTo(t time.Time) time.Time {
	sign := 1
	if d.negative {
		sign = -1
	}
	t = t.AddDate(sign*d.years, sign*d.months, sign*d.days)
	if sign > 0 {
		return t.Add(d.fixed)
	}
	return t.Add(-d.fixed)
}

// ISOCalendar implements Calendar for Gregorian date-time cycling in a
// fixed location (UTC, or any *time.Location representing a fixed offset).
type ISOCalendar struct {
	Location *time.Location
}

// NewISOCalendar returns a calendar anchored at loc (use time.UTC for UTC
// mode, as selected by [scheduler] UTC mode = True in the source config).
func NewISOCalendar(loc *time.Location) ISOCalendar {
	if loc == nil {
		loc = time.UTC
	}
	return ISOCalendar{Location: loc}
}

func (c ISOCalendar) Initial() Point { return ISOPoint{initial: true} }
func (c ISOCalendar) Final() Point   { return ISOPoint{final: true} }

func (c ISOCalendar) Add(p Point, d Duration, bound Bound) (Point, error) {
	ip, ok := p.(ISOPoint)
	if !ok {
		return nil, fmt.Errorf("cycle: not an ISOPoint: %v", p)
	}
	if ip.initial || ip.final {
		return ip, nil
	}
	id, ok := d.(ISODuration)
	if !ok {
		return nil, fmt.Errorf("cycle: not an ISODuration: %v", d)
	}
	result := ISOPoint{t: id.applyTo(ip.t).In(c.Location)}
	if !bound.contains(result) {
		return nil, ErrOutOfRange
	}
	return result, nil
}

func (c ISOCalendar) Sub(a, b Point) Duration {
	ap, aok := a.(ISOPoint)
	bp, bok := b.(ISOPoint)
	if !aok || !bok {
		panic("cycle: Sub called with non-ISOPoint")
	}
	delta := ap.t.Sub(bp.t)
	neg := delta < 0
	if neg {
		delta = -delta
	}
	return ISODuration{fixed: delta, negative: neg}
}

// ParseDuration parses a restricted ISO8601 duration: an optional leading
// "-", "P", an optional "nYnMnD" calendar component, and an optional
// "TnHnMnS" fixed component. This covers every literal the retry-delay and
// execution-time-limit fields of the source configuration use.
func (c ISOCalendar) ParseDuration(literal string) (Duration, error) {
	s := literal
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") {
		return nil, fmt.Errorf("cycle: duration must start with P: %q", literal)
	}
	s = s[1:]
	var datePart, timePart string
	if idx := strings.IndexByte(s, 'T'); idx >= 0 {
		datePart, timePart = s[:idx], s[idx+1:]
	} else {
		datePart = s
	}
	var d ISODuration
	d.negative = neg
	var err error
	d.years, d.months, d.days, err = parseDateComponents(datePart)
	if err != nil {
		return nil, fmt.Errorf("cycle: invalid duration %q: %w", literal, err)
	}
	if timePart != "" {
		d.fixed, err = parseTimeComponents(timePart)
		if err != nil {
			return nil, fmt.Errorf("cycle: invalid duration %q: %w", literal, err)
		}
	}
	return d, nil
}

func parseDateComponents(s string) (years, months, days int, err error) {
	for s != "" {
		n, rest, unit, perr := takeNumberAndUnit(s)
		if perr != nil {
			return 0, 0, 0, perr
		}
		switch unit {
		case 'Y':
			years = n
		case 'M':
			months = n
		case 'D', 'W':
			if unit == 'W' {
				n *= 7
			}
			days = n
		default:
			return 0, 0, 0, fmt.Errorf("unexpected date unit %q", unit)
		}
		s = rest
	}
	return years, months, days, nil
}

func parseTimeComponents(s string) (time.Duration, error) {
	var total time.Duration
	for s != "" {
		n, rest, unit, err := takeNumberAndUnit(s)
		if err != nil {
			return 0, err
		}
		switch unit {
		case 'H':
			total += time.Duration(n) * time.Hour
		case 'M':
			total += time.Duration(n) * time.Minute
		case 'S':
			total += time.Duration(n) * time.Second
		default:
			return 0, fmt.Errorf("unexpected time unit %q", unit)
		}
		s = rest
	}
	return total, nil
}

func takeNumberAndUnit(s string) (n int, rest string, unit byte, err error) {
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9') {
		i++
	}
	if i == 0 {
		return 0, "", 0, fmt.Errorf("expected digits in %q", s)
	}
	n, err = strconv.Atoi(s[:i])
	if err != nil {
		return 0, "", 0, err
	}
	if i >= len(s) {
		return 0, "", 0, fmt.Errorf("missing unit after digits in %q", s)
	}
	return n, s[i+1:], s[i], nil
}

// ParsePoint parses an ISO8601 basic or extended date-time, or a sentinel.
func (c ISOCalendar) ParsePoint(literal string) (Point, error) {
	switch literal {
	case "^":
		return c.Initial(), nil
	case "$":
		return c.Final(), nil
	}
	for _, layout := range []string{isoLayout, "2006-01-02T15:04:05", "20060102T150405Z", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, literal, c.Location); err == nil {
			return ISOPoint{t: t.In(c.Location)}, nil
		}
	}
	return nil, fmt.Errorf("cycle: invalid ISO point %q", literal)
}

// ISOSequence generates points anchored at start, separated by step, within
// an optional [start, end] window. Next uses integer division on the
// fixed-duration component when the step has no calendar (year/month/day)
// component; calendar-component steps add the step to `after`, repeating
// until the result is past `after`.
type ISOSequence struct {
	start ISOPoint
	step  ISODuration
	end   *ISOPoint
}

// NewISOSequence builds a sequence "R/Pstep/start" bounded optionally by end.
func NewISOSequence(start ISOPoint, step ISODuration, end *ISOPoint) *ISOSequence {
	return &ISOSequence{start: start, step: step, end: end}
}

// Next returns the first point of the sequence strictly after `after`, or
// ok=false if the sequence is exhausted or the step is non-advancing. For a
// calendar-component step the result is `after` plus whole steps, so it lies
// on the sequence only when `after` itself does.
func (s *ISOSequence) Next(after ISOPoint) (ISOPoint, bool) {
	if s.step.IsZero() {
		return ISOPoint{}, false
	}
	var candidate ISOPoint
	switch {
	case after.initial:
		candidate = s.start
	case after.final:
		return ISOPoint{}, false
	case after.t.Before(s.start.t):
		candidate = s.start
	case s.step.years == 0 && s.step.months == 0 && s.step.days == 0:
		// Pure fixed-duration step: solve the recurrence with integer
		// division instead of iterating.
		elapsed := after.t.Sub(s.start.t)
		steps := elapsed/s.step.fixed + 1
		candidate = ISOPoint{t: s.start.t.Add(time.Duration(steps) * s.step.fixed)}
	default:
		// Calendar-component step: length varies (months/years), so walk
		// forward one step at a time from the last known-good anchor. This
		// still amortises to O(1) for well-formed recurrences because each
		// call starts from `after`, not from `start`.
		candidate = ISOPoint{t: s.step.applyTo(after.t)}
		for !candidate.t.After(after.t) {
			candidate = ISOPoint{t: s.step.applyTo(candidate.t)}
		}
	}
	if s.end != nil && candidate.t.After(s.end.t) {
		return ISOPoint{}, false
	}
	return candidate, true
}

// Finite reports whether the sequence has a bounded end.
func (s *ISOSequence) Finite() bool { return s.end != nil }
