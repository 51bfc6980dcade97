package depgraph

import (
	"errors"
	"testing"
)

func TestAddEdgeRejectsCycles(t *testing.T) {
	t.Parallel()
	g := New()
	g.AddNode("a")
	g.AddNode("b")
	g.AddNode("c")

	if err := g.AddEdge("b", "a"); err != nil {
		t.Fatalf("AddEdge(b, a) error: %v", err)
	}
	if err := g.AddEdge("c", "b"); err != nil {
		t.Fatalf("AddEdge(c, b) error: %v", err)
	}

	// a -> c would close a cycle (c depends on b depends on a).
	if err := g.AddEdge("a", "c"); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("AddEdge(a, c) = %v, want ErrCycleDetected", err)
	}
	// Direct two-node cycle.
	if err := g.AddEdge("a", "b"); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("AddEdge(a, b) = %v, want ErrCycleDetected", err)
	}
	// Self-dependency.
	if err := g.AddEdge("a", "a"); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("AddEdge(a, a) = %v, want ErrCycleDetected", err)
	}
}

func TestDependentsAndRemove(t *testing.T) {
	t.Parallel()
	g := New()
	if err := g.AddEdge("b", "a"); err != nil {
		t.Fatalf("AddEdge error: %v", err)
	}
	if err := g.AddEdge("c", "a"); err != nil {
		t.Fatalf("AddEdge error: %v", err)
	}

	got := g.Dependents("a")
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("Dependents(a) = %v, want [b c]", got)
	}
	if deps := g.Dependencies("b"); len(deps) != 1 || deps[0] != "a" {
		t.Fatalf("Dependencies(b) = %v, want [a]", deps)
	}

	g.Remove("b")
	if got := g.Dependents("a"); len(got) != 1 || got[0] != "c" {
		t.Fatalf("Dependents(a) after Remove(b) = %v, want [c]", got)
	}
	if g.HasNode("b") {
		t.Fatal("b should be gone")
	}

	g.Remove("c")
	if got := g.Dependents("a"); len(got) != 0 {
		t.Fatalf("Dependents(a) = %v, want none", got)
	}
}

func TestOrderRespectsPrerequisites(t *testing.T) {
	t.Parallel()
	g := New()
	// d -> c -> a, c -> b
	for _, e := range [][2]string{{"c", "a"}, {"c", "b"}, {"d", "c"}} {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			t.Fatalf("AddEdge(%v) error: %v", e, err)
		}
	}

	order := g.Order([]string{"d", "c", "b", "a"})
	if len(order) != 4 {
		t.Fatalf("Order returned %v, want 4 ids", order)
	}
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] > pos["c"] || pos["b"] > pos["c"] || pos["c"] > pos["d"] {
		t.Fatalf("Order = %v violates prerequisites", order)
	}
}

func TestOrderSubsetIgnoresOutsideEdges(t *testing.T) {
	t.Parallel()
	g := New()
	if err := g.AddEdge("b", "a"); err != nil {
		t.Fatalf("AddEdge error: %v", err)
	}
	// "a" is not in the requested subset; "b" must still appear.
	order := g.Order([]string{"b"})
	if len(order) != 1 || order[0] != "b" {
		t.Fatalf("Order = %v, want [b]", order)
	}
}
