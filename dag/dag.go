// Package dag builds and validates the dependency graph underlying a
// workflow: cycle detection by DFS, topological ordering by Kahn's
// algorithm, and stratification into parallel groups. Every ordering is
// deterministic — ties are always broken lexicographically by step id,
// never by map iteration order.
package dag

import (
	"fmt"
	"sort"

	"github.com/flowloom/engine/workflow"
)

// CycleError is returned by Build when the dependency relation is not
// acyclic. Cycle names at least one offending cycle.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %v", e.Cycle)
}

// DependencyError is returned by Build when a step names a dependency that
// does not exist in the workflow.
type DependencyError struct {
	MissingRefs map[string][]string // step id -> unknown dependency ids it named
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("unknown dependency references: %v", e.MissingRefs)
}

type node struct {
	id           string
	dependencies map[string]bool
	dependents   map[string]bool
}

// Graph is the immutable dependency graph view of a validated workflow.
type Graph struct {
	wf    *workflow.Workflow
	nodes map[string]*node
	order []string // lexicographically sorted step ids, for deterministic iteration
}

// Build constructs a Graph from wf, rejecting cycles and dangling
// references. Validation is complete before any execution begins; the
// returned Graph is immutable for the life of an execution.
func Build(wf *workflow.Workflow) (*Graph, error) {
	g := &Graph{wf: wf, nodes: make(map[string]*node, len(wf.Steps))}

	for _, s := range wf.Steps {
		g.nodes[s.ID] = &node{id: s.ID, dependencies: map[string]bool{}, dependents: map[string]bool{}}
	}

	missing := map[string][]string{}
	for _, s := range wf.Steps {
		for _, dep := range s.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				missing[s.ID] = append(missing[s.ID], dep)
				continue
			}
			g.nodes[s.ID].dependencies[dep] = true
			g.nodes[dep].dependents[s.ID] = true
		}
	}
	if len(missing) > 0 {
		return nil, &DependencyError{MissingRefs: missing}
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	g.order = ids

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}
	return g, nil
}

// findCycle runs a DFS with a recursion stack over every node in
// deterministic order, returning the first cycle discovered, or nil if the
// graph is acyclic.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	parent := make(map[string]string, len(g.nodes))

	var cycleFrom func(start, cur string) []string
	cycleFrom = func(start, cur string) []string {
		color[cur] = gray
		deps := sortedKeys(g.nodes[cur].dependents)
		for _, next := range deps {
			switch color[next] {
			case white:
				parent[next] = cur
				if c := cycleFrom(start, next); c != nil {
					return c
				}
			case gray:
				// found a back-edge: reconstruct the cycle from next back to cur
				cyc := []string{next}
				for at := cur; at != next; at = parent[at] {
					cyc = append(cyc, at)
				}
				cyc = append(cyc, next)
				// reverse into forward order
				for i, j := 0, len(cyc)-1; i < j; i, j = i+1, j-1 {
					cyc[i], cyc[j] = cyc[j], cyc[i]
				}
				return cyc
			}
		}
		color[cur] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if c := cycleFrom(id, id); c != nil {
				return c
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

// TopologicalOrder returns a deterministic linear extension of the
// dependency relation via Kahn's algorithm, tie-broken lexicographically by
// step id whenever more than one node is simultaneously ready.
func (g *Graph) TopologicalOrder() []string {
	inDegree := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		inDegree[id] = len(n.dependencies)
	}

	ready := make([]string, 0)
	for _, id := range g.order {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	result := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Strings(ready)
		cur := ready[0]
		ready = ready[1:]
		result = append(result, cur)

		next := sortedKeys(g.nodes[cur].dependents)
		for _, d := range next {
			inDegree[d]--
			if inDegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	return result
}

// ParallelGroups stratifies the graph by dependency depth: group 0 is every
// step with no dependencies, group k+1 is every step whose dependencies are
// all satisfied by groups 0..k. Used for tests and telemetry; the
// scheduler itself works from ReadySuccessors, not from strata.
func (g *Graph) ParallelGroups() [][]string {
	done := map[string]bool{}
	var groups [][]string
	for len(done) < len(g.nodes) {
		var level []string
		for _, id := range g.order {
			if done[id] {
				continue
			}
			ready := true
			for dep := range g.nodes[id].dependencies {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			// should be unreachable once Build has rejected cycles
			break
		}
		sort.Strings(level)
		groups = append(groups, level)
		for _, id := range level {
			done[id] = true
		}
	}
	return groups
}

// ReadySuccessors returns every step whose dependencies are all satisfied
// now that completedID has reached a terminal status, restricted to direct
// dependents of completedID (the scheduler calls this once per completion,
// not once per step, so it only needs to re-check completedID's neighbors).
// isTerminal reports whether a given step id is currently in a terminal
// status (completed or skipped) in the caller's execution context;
// completedID itself always counts as satisfied.
func (g *Graph) ReadySuccessors(completedID string, isTerminal func(stepID string) bool) []string {
	n, ok := g.nodes[completedID]
	if !ok {
		return nil
	}
	var ready []string
	for dep := range n.dependents {
		allDone := true
		for d := range g.nodes[dep].dependencies {
			if d != completedID && !isTerminal(d) {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, dep)
		}
	}
	sort.Strings(ready)
	return ready
}

// RootSteps returns every step with no dependencies, the scheduler's
// initial ready set.
func (g *Graph) RootSteps() []string {
	var roots []string
	for _, id := range g.order {
		if len(g.nodes[id].dependencies) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// Dependents returns the direct dependents of id, for callers (the failure
// cascade in engine/) that need to walk forward through the graph.
func (g *Graph) Dependents(id string) []string {
	return sortedKeys(g.nodes[id].dependents)
}

// Dependencies returns the direct dependencies declared by id.
func (g *Graph) Dependencies(id string) []string {
	return sortedKeys(g.nodes[id].dependencies)
}

// StepIDs returns every node id in lexicographic order.
func (g *Graph) StepIDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}
