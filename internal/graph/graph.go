// Package graph provides the dependency engine: pure graph algorithms over
// agent-type nodes used to order and parallelize workflow execution.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/evalforge/evalforge/agent"
)

var (
	// ErrCycleDetected is returned when a dependency cycle is found in the graph.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrUnknownDependency is returned when an agent depends on an unknown agent type.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// Edge is a directed edge from a dependency to its dependent.
type Edge struct {
	From agent.Type
	To   agent.Type
}

// Graph is a derived dependency DAG over agent types. Levels[i] contains
// every node whose longest dependency chain has length i; nodes with no
// dependencies occupy level 0. A Graph is immutable once built.
type Graph struct {
	Nodes  []agent.Type
	Edges  []Edge
	Levels [][]agent.Type

	deps map[agent.Type][]agent.Type
}

// Build constructs a graph from the declared dependencies of each agent
// type. It returns an error for cycles or references to types absent from
// the input map.
func Build(specs map[agent.Type][]agent.Type) (*Graph, error) {
	// Copy dependencies to avoid external mutation.
	deps := make(map[agent.Type][]agent.Type, len(specs))
	for t, d := range specs {
		cp := make([]agent.Type, len(d))
		copy(cp, d)
		deps[t] = cp
	}

	g := &Graph{deps: deps}

	for t := range deps {
		g.Nodes = append(g.Nodes, t)
	}
	sort.Slice(g.Nodes, func(i, j int) bool { return g.Nodes[i] < g.Nodes[j] })

	for _, t := range g.Nodes {
		for _, d := range deps[t] {
			g.Edges = append(g.Edges, Edge{From: d, To: t})
		}
	}

	if err := g.validate(); err != nil {
		return nil, err
	}

	levels, err := g.topologicalLevels()
	if err != nil {
		return nil, err
	}
	g.Levels = levels
	return g, nil
}

// Dependencies returns the declared dependencies of a node, or nil if the
// node is not in the graph.
func (g *Graph) Dependencies(t agent.Type) []agent.Type {
	d, ok := g.deps[t]
	if !ok {
		return nil
	}
	cp := make([]agent.Type, len(d))
	copy(cp, d)
	return cp
}

// Contains reports whether the graph has a node for the given type.
func (g *Graph) Contains(t agent.Type) bool {
	_, ok := g.deps[t]
	return ok
}

// validate checks for unknown dependencies and cycles.
func (g *Graph) validate() error {
	for t, deps := range g.deps {
		for _, d := range deps {
			if _, exists := g.deps[d]; !exists {
				return fmt.Errorf("%w: agent %q depends on unknown agent %q",
					ErrUnknownDependency, t, d)
			}
		}
	}

	// DFS with coloring. Colors: 0=white (unvisited), 1=gray (visiting),
	// 2=black (visited).
	colors := make(map[agent.Type]int)
	var stack []agent.Type

	var dfs func(t agent.Type) error
	dfs = func(t agent.Type) error {
		if colors[t] == 1 {
			// Back-edge into the recursion stack: build the cycle path.
			cycleStart := -1
			for i, n := range stack {
				if n == t {
					cycleStart = i
					break
				}
			}
			path := make([]agent.Type, 0, len(stack)-cycleStart+1)
			path = append(path, stack[cycleStart:]...)
			path = append(path, t)
			return &CycleError{Path: path}
		}
		if colors[t] == 2 {
			return nil
		}

		colors[t] = 1
		stack = append(stack, t)

		for _, d := range g.deps[t] {
			if err := dfs(d); err != nil {
				return err
			}
		}

		colors[t] = 2
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, t := range g.Nodes {
		if colors[t] == 0 {
			if err := dfs(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// topologicalLevels groups nodes by dependency level using Kahn's algorithm.
// Agents within the same level can run in parallel.
func (g *Graph) topologicalLevels() ([][]agent.Type, error) {
	if len(g.deps) == 0 {
		return nil, nil
	}

	inDegree := make(map[agent.Type]int, len(g.deps))
	for t := range g.deps {
		inDegree[t] = len(g.deps[t])
	}

	// Reverse adjacency: dependency -> dependents.
	dependents := make(map[agent.Type][]agent.Type)
	for t, deps := range g.deps {
		for _, d := range deps {
			dependents[d] = append(dependents[d], t)
		}
	}

	var levels [][]agent.Type
	remaining := len(g.deps)

	for remaining > 0 {
		var current []agent.Type
		for t, degree := range inDegree {
			if degree == 0 {
				current = append(current, t)
			}
		}

		if len(current) == 0 {
			// Unreachable if validate() passed.
			return nil, ErrCycleDetected
		}

		// Sort for deterministic ordering.
		sort.Slice(current, func(i, j int) bool { return current[i] < current[j] })

		for _, t := range current {
			delete(inDegree, t)
			for _, dep := range dependents[t] {
				inDegree[dep]--
			}
		}

		levels = append(levels, current)
		remaining -= len(current)
	}

	return levels, nil
}

// ExecutionOrder flattens the levels into a single topological order. Every
// node's index is strictly greater than all of its dependencies' indices.
func (g *Graph) ExecutionOrder() []agent.Type {
	var order []agent.Type
	for _, level := range g.Levels {
		order = append(order, level...)
	}
	return order
}

// ReadyAgents returns the nodes whose dependencies are all in completed and
// which are not themselves completed.
func ReadyAgents(g *Graph, completed map[agent.Type]bool) []agent.Type {
	var ready []agent.Type
	for _, t := range g.Nodes {
		if completed[t] {
			continue
		}
		ok := true
		for _, d := range g.deps[t] {
			if !completed[d] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	return ready
}

// DefaultEstimate is assumed for agents without a duration estimate.
const DefaultEstimate = time.Second

// CriticalPath computes the longest weighted path through the graph using
// per-agent estimated durations. Missing estimates default to
// DefaultEstimate. The returned path runs dependency-first.
func CriticalPath(g *Graph, estimates map[agent.Type]time.Duration) ([]agent.Type, time.Duration) {
	estimate := func(t agent.Type) time.Duration {
		if d, ok := estimates[t]; ok && d > 0 {
			return d
		}
		return DefaultEstimate
	}

	// Longest path ending at each node, walked in level order so every
	// dependency is finalized before its dependents.
	cost := make(map[agent.Type]time.Duration, len(g.Nodes))
	prev := make(map[agent.Type]agent.Type, len(g.Nodes))

	for _, level := range g.Levels {
		for _, t := range level {
			var best time.Duration
			var bestDep agent.Type
			for _, d := range g.deps[t] {
				if cost[d] > best {
					best = cost[d]
					bestDep = d
				}
			}
			cost[t] = best + estimate(t)
			if best > 0 || len(g.deps[t]) > 0 {
				prev[t] = bestDep
			}
		}
	}

	var end agent.Type
	var total time.Duration
	for _, t := range g.Nodes {
		if cost[t] > total {
			total = cost[t]
			end = t
		}
	}
	if total == 0 {
		return nil, 0
	}

	var path []agent.Type
	for t := end; ; {
		path = append([]agent.Type{t}, path...)
		p, ok := prev[t]
		if !ok || p == "" {
			break
		}
		t = p
	}
	return path, total
}

// OptimizeOrder returns a copy of the graph with each level reordered so
// that agents on the critical path are dispatched first. Level membership is
// unchanged; only intra-level ordering moves.
func OptimizeOrder(g *Graph, estimates map[agent.Type]time.Duration) *Graph {
	critical, _ := CriticalPath(g, estimates)
	onPath := make(map[agent.Type]bool, len(critical))
	for _, t := range critical {
		onPath[t] = true
	}

	out := &Graph{
		Nodes: g.Nodes,
		Edges: g.Edges,
		deps:  g.deps,
	}
	out.Levels = make([][]agent.Type, len(g.Levels))
	for i, level := range g.Levels {
		cp := make([]agent.Type, len(level))
		copy(cp, level)
		sort.SliceStable(cp, func(a, b int) bool {
			return onPath[cp[a]] && !onPath[cp[b]]
		})
		out.Levels[i] = cp
	}
	return out
}
