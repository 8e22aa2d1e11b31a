package prereq

import (
	"testing"

	"github.com/cylc/flowcore/cycle"
	"github.com/cylc/flowcore/taskdef"
)

type fakeCompleted map[string]bool

func key(name string, p cycle.Point, output string) string {
	return name + "." + p.String() + ":" + output
}

func (f fakeCompleted) HasOutput(name string, p cycle.Point, output string) bool {
	return f[key(name, p, output)]
}

func TestEvaluateEmptyExpressionSatisfied(t *testing.T) {
	r := Evaluate(Expression{}, fakeCompleted{})
	if !r.Satisfied {
		t.Fatal("expected empty expression to be vacuously satisfied")
	}
}

func TestEvaluateSingleClause(t *testing.T) {
	cal := cycle.IntegerCalendar{}
	p3 := cycle.NewIntPoint(3)
	expr := Expression{Clauses: []Clause{
		{Atoms: []Atom{{Upstream: "a", Point: p3, Output: taskdef.OutputSucceeded}}},
	}}

	completed := fakeCompleted{}
	if r := Evaluate(expr, completed); r.Satisfied {
		t.Fatal("expected unsatisfied: no outputs recorded")
	}

	completed[key("a", p3, taskdef.OutputSucceeded)] = true
	if r := Evaluate(expr, completed); !r.Satisfied {
		t.Fatal("expected satisfied once upstream output recorded")
	}
	_ = cal
}

func TestEvaluateDNFPicksSatisfiedBranch(t *testing.T) {
	p1 := cycle.NewIntPoint(1)
	expr := Expression{Clauses: []Clause{
		{Atoms: []Atom{{Upstream: "a", Point: p1, Output: taskdef.OutputSucceeded}}},
		{Atoms: []Atom{{Upstream: "b", Point: p1, Output: taskdef.OutputSucceeded}}},
	}}
	completed := fakeCompleted{key("b", p1, taskdef.OutputSucceeded): true}
	r := Evaluate(expr, completed)
	if !r.Satisfied {
		t.Fatal("expected second clause to satisfy the OR")
	}
}

func TestMaterialisePreInitialAutoSatisfied(t *testing.T) {
	cal := cycle.IntegerCalendar{}
	icp := cycle.NewIntPoint(1)
	fcp := cycle.NewIntPoint(10)
	bound := cycle.Bound{ICP: icp, FCP: fcp}

	def := &taskdef.Definition{
		Name: "b",
		Prerequisites: []taskdef.PrereqClause{
			{Atoms: []taskdef.Prereq{
				{Upstream: "a", Offset: cycle.NewIntDuration(-1), Output: taskdef.OutputSucceeded},
			}},
		},
	}

	expr, err := Materialise(def, icp, cal, bound)
	if err != nil {
		t.Fatalf("Materialise error: %v", err)
	}
	if len(expr.Clauses) != 1 {
		t.Fatalf("expected 1 clause, got %d", len(expr.Clauses))
	}
	if len(expr.Clauses[0].Atoms) != 0 {
		t.Fatalf("expected pre-initial atom to be dropped (auto-satisfied), got %v", expr.Clauses[0].Atoms)
	}

	// An expression consisting of one all-dropped clause is satisfied
	// (empty clause == vacuously true).
	r := Evaluate(expr, fakeCompleted{})
	if !r.Satisfied {
		t.Fatal("expected pre-initial dependency to be auto-satisfied")
	}
}

func TestMaterialiseWithinBound(t *testing.T) {
	cal := cycle.IntegerCalendar{}
	icp := cycle.NewIntPoint(1)
	fcp := cycle.NewIntPoint(10)
	bound := cycle.Bound{ICP: icp, FCP: fcp}

	def := &taskdef.Definition{
		Name: "b",
		Prerequisites: []taskdef.PrereqClause{
			{Atoms: []taskdef.Prereq{
				{Upstream: "a", Output: taskdef.OutputSucceeded},
			}},
		},
	}

	point := cycle.NewIntPoint(5)
	expr, err := Materialise(def, point, cal, bound)
	if err != nil {
		t.Fatalf("Materialise error: %v", err)
	}
	if len(expr.Clauses) != 1 || len(expr.Clauses[0].Atoms) != 1 {
		t.Fatalf("expected one atom retained, got %+v", expr.Clauses)
	}
	if !cycle.Equal(expr.Clauses[0].Atoms[0].Point, point) {
		t.Errorf("expected same-point atom, got %v", expr.Clauses[0].Atoms[0].Point)
	}
}

func TestPartiallySatisfied(t *testing.T) {
	p1 := cycle.NewIntPoint(1)
	expr := Expression{Clauses: []Clause{
		{Atoms: []Atom{
			{Upstream: "a", Point: p1, Output: taskdef.OutputSucceeded},
			{Upstream: "b", Point: p1, Output: taskdef.OutputSucceeded},
		}},
	}}
	if PartiallySatisfied(expr, fakeCompleted{}) {
		t.Fatal("expected not partially satisfied with nothing completed")
	}
	completed := fakeCompleted{key("a", p1, taskdef.OutputSucceeded): true}
	if !PartiallySatisfied(expr, completed) {
		t.Fatal("expected partially satisfied once one atom completes")
	}
}

func TestBuildClausesGroupsByDownstream(t *testing.T) {
	edges := []Edge{
		{Upstream: "a", Output: taskdef.OutputSucceeded, Downstream: "c"},
		{Upstream: "b", Output: taskdef.OutputSucceeded, Downstream: "c"},
		{Upstream: "x", Output: taskdef.OutputSucceeded, Downstream: "other"},
	}
	clause := BuildClauses("c", edges)
	if len(clause.Atoms) != 2 {
		t.Fatalf("expected 2 atoms for downstream c, got %d", len(clause.Atoms))
	}
}
