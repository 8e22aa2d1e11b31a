// Package prereq materialises a task definition's prerequisites into a
// boolean expression at a specific cycle point, and evaluates that
// expression against a set of completed upstream outputs. It depends only
// on taskdef and cycle: given the same definition and point it always
// produces the same expression (pure, per SPEC_FULL.md §4.3).
package prereq

import (
	"fmt"

	"github.com/cylc/flowcore/cycle"
	"github.com/cylc/flowcore/taskdef"
)

// Atom is an atomic proposition: "upstream task Name completed output
// Output at cycle point Point".
type Atom struct {
	Upstream string
	Point    cycle.Point
	Output   string
}

func (a Atom) String() string {
	return fmt.Sprintf("%s.%s:%s", a.Upstream, a.Point, a.Output)
}

// Clause is a conjunction of atoms: all must hold for the clause to be
// satisfied.
type Clause struct {
	Atoms []Atom
}

// Expression is a disjunction of clauses (DNF): the expression is
// satisfied when at least one clause is fully satisfied.
type Expression struct {
	Clauses []Clause
}

// Edge is the normalised form of a graph-string dependency edge, as
// produced by the out-of-scope configuration parser (SPEC_FULL.md §4.3,
// spec.md §6 "Graph strings"). BuildClauses groups edges sharing a
// downstream name into prerequisite clauses.
type Edge struct {
	Upstream       string
	UpstreamOffset cycle.Duration // nil means same point
	Output         string
	Downstream     string
}

// BuildClauses groups edges with a matching Downstream name into a single
// AND-of-all-edges clause. This mirrors the simple case where a graph line
// `a => c` and `b => c` on separate lines means c needs both a and b; an
// `|`-combination is expressed instead as multiple separate edge groups
// (i.e. the caller passes BuildClauses the output of its own "&"-splitting
// already done by the external parser, and calls it once per OR-branch).
func BuildClauses(downstream string, edges []Edge) taskdef.PrereqClause {
	clause := taskdef.PrereqClause{}
	for _, e := range edges {
		if e.Downstream != downstream {
			continue
		}
		clause.Atoms = append(clause.Atoms, taskdef.Prereq{
			Upstream: e.Upstream,
			Offset:   e.UpstreamOffset,
			Output:   e.Output,
		})
	}
	return clause
}

// Materialise instantiates def's prerequisite clauses at point P, resolving
// each clause's upstream offsets against cal, and returns the resulting DNF
// expression. An atom whose upstream point falls outside bound is
// auto-satisfied (the pre-initial-dependency rule in spec.md §4.2) and is
// omitted from its clause; the rule applies per atom, so the clause's other
// atoms are kept. Every clause is kept, and a clause left with no atoms is
// vacuously satisfied.
func Materialise(def *taskdef.Definition, point cycle.Point, cal cycle.Calendar, bound cycle.Bound) (Expression, error) {
	expr := Expression{}
	for _, srcClause := range def.Prerequisites {
		var outClause Clause
		for _, atom := range srcClause.Atoms {
			upstreamPoint := point
			if atom.Offset != nil && !atom.Offset.IsZero() {
				p, err := cal.Add(point, atom.Offset, cycle.Bound{})
				if err != nil {
					return Expression{}, fmt.Errorf("prereq: resolving offset for %s: %w", atom.Upstream, err)
				}
				upstreamPoint = p
			}
			if !bound.Contains(upstreamPoint) {
				// Pre-initial (or post-final) dependency: auto-satisfied,
				// omit from the clause.
				continue
			}
			outClause.Atoms = append(outClause.Atoms, Atom{
				Upstream: atom.Upstream,
				Point:    upstreamPoint,
				Output:   atom.Output,
			})
		}
		expr.Clauses = append(expr.Clauses, outClause)
	}
	return expr, nil
}

// CompletedSet is a read-only view over outputs already produced by
// upstream tasks, keyed by (name, point, label). The task pool supplies a
// concrete implementation backed by its live proxy set plus pruned-history.
type CompletedSet interface {
	// HasOutput reports whether upstream `name` at `point` has completed
	// `output`.
	HasOutput(name string, point cycle.Point, output string) bool
}

// Result is the outcome of evaluating an Expression against a CompletedSet.
type Result struct {
	Satisfied bool
	// Unsatisfied lists the atoms of the most-satisfied clause (the one
	// with the fewest remaining atoms) that are not yet satisfied, for
	// diagnostic display ("why is this task waiting").
	Unsatisfied []Atom
}

// Evaluate walks expr's clauses and reports whether any is fully
// satisfied by completed. An expression with zero clauses (the task has no
// prerequisites at all) is vacuously satisfied.
func Evaluate(expr Expression, completed CompletedSet) Result {
	if len(expr.Clauses) == 0 {
		return Result{Satisfied: true}
	}
	var best []Atom
	bestRemaining := -1
	for _, clause := range expr.Clauses {
		var unsatisfied []Atom
		for _, atom := range clause.Atoms {
			if !completed.HasOutput(atom.Upstream, atom.Point, atom.Output) {
				unsatisfied = append(unsatisfied, atom)
			}
		}
		if len(unsatisfied) == 0 {
			return Result{Satisfied: true}
		}
		if bestRemaining == -1 || len(unsatisfied) < bestRemaining {
			bestRemaining = len(unsatisfied)
			best = unsatisfied
		}
	}
	return Result{Satisfied: false, Unsatisfied: best}
}

// PartiallySatisfied reports whether at least one atom of at least one
// clause is already satisfied — the trigger condition for task-pool
// spawn-on-demand (spec.md §4.3: "created on demand the first time any of
// its prerequisites is partially satisfied").
func PartiallySatisfied(expr Expression, completed CompletedSet) bool {
	for _, clause := range expr.Clauses {
		for _, atom := range clause.Atoms {
			if completed.HasOutput(atom.Upstream, atom.Point, atom.Output) {
				return true
			}
		}
	}
	return false
}

// Atoms returns every atom referenced anywhere in expr, deduplicated by
// (Upstream, Point, Output) identity via a simple linear scan (expressions
// are small: one clause per OR-branch, a handful of atoms per clause).
func (expr Expression) Atoms() []Atom {
	var all []Atom
	seen := make(map[Atom]bool)
	for _, clause := range expr.Clauses {
		for _, atom := range clause.Atoms {
			if !seen[atom] {
				seen[atom] = true
				all = append(all, atom)
			}
		}
	}
	return all
}
