package depgraph

import (
	"fmt"
	"slices"
)

// TopologicalOrder returns every node such that each edge's source precedes
// its target. Ties are broken by identity so the result is deterministic.
// A cyclic graph yields a *CycleError.
func (g *Graph) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = 0
	}
	for _, list := range g.out {
		for _, e := range list {
			indegree[e.To]++
		}
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	slices.Sort(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, e := range g.out[id] {
			indegree[e.To]--
			if indegree[e.To] == 0 {
				i, _ := slices.BinarySearch(ready, e.To)
				ready = slices.Insert(ready, i, e.To)
			}
		}
	}

	if len(order) < len(g.nodes) {
		_, path := g.HasCycle()
		return nil, &CycleError{Path: path}
	}
	return order, nil
}

// TopologicalOrderOf restricts the topological order to ids, preserving their
// relative order. Ids absent from the graph are appended in request order.
// Duplicate ids are reported once.
func (g *Graph) TopologicalOrderOf(ids []string) ([]string, error) {
	full, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	out := make([]string, 0, len(ids))
	for _, id := range full {
		if wanted[id] {
			out = append(out, id)
			delete(wanted, id)
		}
	}
	for _, id := range ids {
		if wanted[id] {
			out = append(out, id)
			delete(wanted, id)
		}
	}
	return out, nil
}

// UpstreamOf returns the nodes id depends on, transitively, up to maxDepth
// hops. maxDepth <= 0 uses DefaultMaxDepth.
func (g *Graph) UpstreamOf(id string, maxDepth int) ([]string, error) {
	return g.walk(id, maxDepth, func(n string) []string {
		var next []string
		for _, e := range g.in[n] {
			next = append(next, e.From)
		}
		return next
	})
}

// DownstreamOf returns the nodes that depend on id, transitively, up to
// maxDepth hops. maxDepth <= 0 uses DefaultMaxDepth.
func (g *Graph) DownstreamOf(id string, maxDepth int) ([]string, error) {
	return g.walk(id, maxDepth, func(n string) []string {
		var next []string
		for _, e := range g.out[n] {
			next = append(next, e.To)
		}
		return next
	})
}

// walk is a bounded BFS. The visited set makes it safe on cyclic graphs.
func (g *Graph) walk(start string, maxDepth int, neighbours func(string) []string) ([]string, error) {
	if _, ok := g.nodes[start]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, start)
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	visitedSet := map[string]bool{start: true}
	frontier := []string{start}
	var found []string

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, n := range frontier {
			for _, m := range neighbours(n) {
				if visitedSet[m] {
					continue
				}
				visitedSet[m] = true
				found = append(found, m)
				next = append(next, m)
			}
		}
		frontier = next
	}

	slices.Sort(found)
	return found, nil
}
