package depgraph

import (
	"slices"
	"strings"
)

// DFS colouring.
const (
	unvisited = iota
	visiting
	visited
)

// HasCycle reports whether the graph contains a cycle and, if so, the first
// one found as a closed path (the start node is repeated at the end).
// Traversal order is deterministic: roots and neighbours are visited sorted.
func (g *Graph) HasCycle() (bool, []string) {
	cycles := g.findCycles(true)
	if len(cycles) == 0 {
		return false, nil
	}
	return true, cycles[0]
}

// Cycles returns every distinct cycle reachable through the DFS back edges.
// Rotations of the same cycle are reported once.
func (g *Graph) Cycles() [][]string {
	return g.findCycles(false)
}

func (g *Graph) findCycles(firstOnly bool) [][]string {
	state := make(map[string]int, len(g.nodes))
	seen := make(map[string]struct{})
	var (
		stack  []string
		cycles [][]string
	)

	// visit returns true when the search should stop.
	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = visiting
		stack = append(stack, id)

		for _, e := range g.Outgoing(id) {
			switch state[e.To] {
			case visiting:
				start := slices.Index(stack, e.To)
				cycle := append(slices.Clone(stack[start:]), e.To)
				key := canonicalCycle(cycle)
				if _, dup := seen[key]; !dup {
					seen[key] = struct{}{}
					cycles = append(cycles, cycle)
				}
				if firstOnly {
					return true
				}
			case unvisited:
				if visit(e.To) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = visited
		return false
	}

	for _, id := range g.sortedIDs() {
		if state[id] == unvisited && visit(id) {
			break
		}
	}
	return cycles
}

// canonicalCycle rotates an open cycle so its smallest id comes first.
func canonicalCycle(closed []string) string {
	open := closed[:len(closed)-1]
	minIdx := 0
	for i, id := range open {
		if id < open[minIdx] {
			minIdx = i
		}
	}
	rotated := append(slices.Clone(open[minIdx:]), open[:minIdx]...)
	return strings.Join(rotated, "\x00")
}
