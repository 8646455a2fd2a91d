package depgraph

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
)

type edgeKey struct {
	from, to string
	rel      Relation
}

// Graph is the dependency graph of a single scope.
//
// A Graph is not safe for concurrent mutation. Once published to the graph
// cache it is treated as read-only; updates go through Clone.
type Graph struct {
	scope scope.Scope
	nodes map[string]*Node
	out   map[string][]Edge
	in    map[string][]Edge
	edges map[edgeKey]struct{}
}

// New returns an empty graph for s.
func New(s scope.Scope) *Graph {
	return &Graph{
		scope: s,
		nodes: make(map[string]*Node),
		out:   make(map[string][]Edge),
		in:    make(map[string][]Edge),
		edges: make(map[edgeKey]struct{}),
	}
}

// Scope returns the campaign/branch the graph belongs to.
func (g *Graph) Scope() scope.Scope {
	return g.scope
}

// AddNode inserts n. Its ID is always derived from Type and Key.
func (g *Graph) AddNode(n Node) error {
	if !n.Type.Valid() || n.Key == "" {
		return fmt.Errorf("%w: type %q key %q", ErrInvalidNodeID, n.Type, n.Key)
	}
	n.ID = NodeID(n.Type, n.Key)
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
	}
	g.nodes[n.ID] = &n
	return nil
}

// EnsureNode inserts n unless a node with the same identity exists.
func (g *Graph) EnsureNode(n Node) {
	if _, exists := g.nodes[NodeID(n.Type, n.Key)]; exists {
		return
	}
	_ = g.AddNode(n)
}

// AddEdge connects two existing nodes. Adding the same edge twice is a no-op.
func (g *Graph) AddEdge(from, to string, rel Relation) error {
	if from == to {
		return fmt.Errorf("%w: %s", ErrSelfLoop, from)
	}
	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, from)
	}
	if _, ok := g.nodes[to]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, to)
	}

	k := edgeKey{from: from, to: to, rel: rel}
	if _, dup := g.edges[k]; dup {
		return nil
	}
	g.edges[k] = struct{}{}

	e := Edge{From: from, To: to, Relation: rel}
	g.out[from] = append(g.out[from], e)
	g.in[to] = append(g.in[to], e)
	return nil
}

// RemoveNode deletes a node and every edge touching it.
func (g *Graph) RemoveNode(id string) bool {
	if _, ok := g.nodes[id]; !ok {
		return false
	}
	for _, e := range g.out[id] {
		g.in[e.To] = removeEdge(g.in[e.To], e)
		delete(g.edges, edgeKey{e.From, e.To, e.Relation})
	}
	for _, e := range g.in[id] {
		g.out[e.From] = removeEdge(g.out[e.From], e)
		delete(g.edges, edgeKey{e.From, e.To, e.Relation})
	}
	delete(g.out, id)
	delete(g.in, id)
	delete(g.nodes, id)
	return true
}

func removeEdge(list []Edge, target Edge) []Edge {
	return slices.DeleteFunc(list, func(e Edge) bool { return e == target })
}

// Node returns the node with the given identity.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Has reports whether the node exists.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Nodes returns every node sorted by identity.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.nodes))
	for _, id := range g.sortedIDs() {
		out = append(out, *g.nodes[id])
	}
	return out
}

// NodesOfType returns the nodes of type t sorted by identity.
func (g *Graph) NodesOfType(t NodeType) []Node {
	var out []Node
	for _, id := range g.sortedIDs() {
		if n := g.nodes[id]; n.Type == t {
			out = append(out, *n)
		}
	}
	return out
}

// Edges returns every edge, ordered by source then target.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, id := range g.sortedIDs() {
		out = append(out, g.Outgoing(id)...)
	}
	return out
}

// Outgoing returns the edges leaving id, sorted by target.
func (g *Graph) Outgoing(id string) []Edge {
	return sortedEdges(g.out[id], func(e Edge) string { return e.To })
}

// Incoming returns the edges entering id, sorted by source.
func (g *Graph) Incoming(id string) []Edge {
	return sortedEdges(g.in[id], func(e Edge) string { return e.From })
}

func sortedEdges(list []Edge, key func(Edge) string) []Edge {
	out := slices.Clone(list)
	slices.SortFunc(out, func(a, b Edge) int {
		if c := cmp.Compare(key(a), key(b)); c != 0 {
			return c
		}
		return cmp.Compare(string(a.Relation), string(b.Relation))
	})
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int {
	return len(g.edges)
}

func (g *Graph) sortedIDs() []string {
	return slices.Sorted(maps.Keys(g.nodes))
}

// Clone returns a deep copy that can be mutated without affecting g.
func (g *Graph) Clone() *Graph {
	c := New(g.scope)
	for id, n := range g.nodes {
		cp := *n
		cp.Metadata = maps.Clone(n.Metadata)
		c.nodes[id] = &cp
	}
	for id, list := range g.out {
		c.out[id] = slices.Clone(list)
	}
	for id, list := range g.in {
		c.in[id] = slices.Clone(list)
	}
	maps.Copy(c.edges, g.edges)
	return c
}

// Stats summarises the graph for the admin API.
type Stats struct {
	Nodes      int              `json:"nodes"`
	Edges      int              `json:"edges"`
	ByType     map[NodeType]int `json:"byType"`
	ByRelation map[Relation]int `json:"byRelation"`
}

// Stats counts nodes per type and edges per relation.
func (g *Graph) Stats() Stats {
	s := Stats{
		Nodes:      len(g.nodes),
		Edges:      len(g.edges),
		ByType:     make(map[NodeType]int),
		ByRelation: make(map[Relation]int),
	}
	for _, n := range g.nodes {
		s.ByType[n.Type]++
	}
	for k := range g.edges {
		s.ByRelation[k.rel]++
	}
	return s
}
