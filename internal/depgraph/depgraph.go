// Package depgraph maintains the directed dependency relation between job
// ids. The relation must stay acyclic; edges that would close a cycle are
// rejected at insertion time via a reachability check, so the run loop never
// needs cycle guards.
package depgraph

import (
	"errors"
	"sort"
)

// ErrCycleDetected is returned by AddEdge when the edge would close a cycle.
var ErrCycleDetected = errors.New("dependency cycle detected")

// Graph holds adjacency sets over job ids. It is not safe for concurrent
// use; the owning registry serializes access.
type Graph struct {
	deps       map[string]map[string]struct{} // job -> its prerequisites
	dependents map[string]map[string]struct{} // job -> jobs that require it
}

func New() *Graph {
	return &Graph{
		deps:       make(map[string]map[string]struct{}),
		dependents: make(map[string]map[string]struct{}),
	}
}

// AddNode registers an id with no edges. Adding an existing id is a no-op.
func (g *Graph) AddNode(id string) {
	if g.deps[id] == nil {
		g.deps[id] = make(map[string]struct{})
	}
	if g.dependents[id] == nil {
		g.dependents[id] = make(map[string]struct{})
	}
}

// AddEdge records that job depends on dependsOn. It fails with
// ErrCycleDetected when dependsOn is already reachable from job through the
// existing relation (the edge would close a cycle). Self-edges are cycles.
func (g *Graph) AddEdge(job, dependsOn string) error {
	if job == dependsOn {
		return ErrCycleDetected
	}
	if g.reachable(dependsOn, job) {
		return ErrCycleDetected
	}
	g.AddNode(job)
	g.AddNode(dependsOn)
	g.deps[job][dependsOn] = struct{}{}
	g.dependents[dependsOn][job] = struct{}{}
	return nil
}

// reachable reports whether to is reachable from from following dependency
// edges.
func (g *Graph) reachable(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]struct{}{from: {}}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range g.deps[cur] {
			if next == to {
				return true
			}
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return false
}

// Remove drops id and every edge touching it.
func (g *Graph) Remove(id string) {
	for dep := range g.deps[id] {
		delete(g.dependents[dep], id)
	}
	for dependent := range g.dependents[id] {
		delete(g.deps[dependent], id)
	}
	delete(g.deps, id)
	delete(g.dependents, id)
}

// Dependencies returns job's prerequisite ids, sorted.
func (g *Graph) Dependencies(job string) []string {
	return sortedKeys(g.deps[job])
}

// Dependents returns the ids that depend on job, sorted. A non-empty result
// means the job is in use and must not be removed.
func (g *Graph) Dependents(job string) []string {
	return sortedKeys(g.dependents[job])
}

// HasNode reports whether id is known to the graph.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.deps[id]
	return ok
}

// Order returns ids sorted so that every job follows its prerequisites
// (Kahn's algorithm, restricted to the given ids). Ids are pre-sorted so the
// order is deterministic. The relation is acyclic by construction, so every
// input id appears in the result.
func (g *Graph) Order(ids []string) []string {
	in := make(map[string]int, len(ids))
	member := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		member[id] = struct{}{}
	}
	for _, id := range ids {
		n := 0
		for dep := range g.deps[id] {
			if _, ok := member[dep]; ok {
				n++
			}
		}
		in[id] = n
	}

	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if in[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	out := make([]string, 0, len(ids))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur)
		ready := make([]string, 0, 2)
		for dependent := range g.dependents[cur] {
			if _, ok := member[dependent]; !ok {
				continue
			}
			in[dependent]--
			if in[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
