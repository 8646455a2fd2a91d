package depgraph

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
)

// buildGraph creates condition nodes for each key and connects them in the
// order given by pairs.
func buildGraph(t *testing.T, keys []string, pairs [][2]string) *Graph {
	t.Helper()

	g := New(scope.New("c1", "main"))
	for _, k := range keys {
		require.NoError(t, g.AddNode(Node{Type: NodeCondition, Key: k}))
	}
	for _, p := range pairs {
		require.NoError(t, g.AddEdge(NodeID(NodeCondition, p[0]), NodeID(NodeCondition, p[1]), RelationDependsOn))
	}
	return g
}

func cond(k string) string { return NodeID(NodeCondition, k) }

func TestGraph_AddNode(t *testing.T) {
	t.Parallel()

	t.Run("Should derive the identity from type and key", func(t *testing.T) {
		t.Parallel()
		g := New(scope.New("c1", ""))

		require.NoError(t, g.AddNode(Node{Type: NodeVariable, Key: "gold", ID: "bogus"}))

		n, ok := g.Node("VARIABLE:gold")
		require.True(t, ok)
		assert.Equal(t, "gold", n.Key)
		assert.False(t, g.Has("bogus"))
	})

	t.Run("Should reject duplicate identities", func(t *testing.T) {
		t.Parallel()
		g := New(scope.New("c1", ""))
		require.NoError(t, g.AddNode(Node{Type: NodeVariable, Key: "gold"}))

		err := g.AddNode(Node{Type: NodeVariable, Key: "gold"})

		assert.ErrorIs(t, err, ErrDuplicateNode)
	})

	t.Run("Should reject unknown node types", func(t *testing.T) {
		t.Parallel()
		g := New(scope.New("c1", ""))

		err := g.AddNode(Node{Type: "WIDGET", Key: "x"})

		assert.ErrorIs(t, err, ErrInvalidNodeID)
	})
}

func TestGraph_AddEdge(t *testing.T) {
	t.Parallel()

	g := buildGraph(t, []string{"a", "b"}, nil)

	assert.ErrorIs(t, g.AddEdge(cond("a"), cond("missing"), RelationDependsOn), ErrNodeNotFound)
	assert.ErrorIs(t, g.AddEdge(cond("a"), cond("a"), RelationDependsOn), ErrSelfLoop)

	require.NoError(t, g.AddEdge(cond("a"), cond("b"), RelationDependsOn))
	require.NoError(t, g.AddEdge(cond("a"), cond("b"), RelationDependsOn))
	assert.Equal(t, 1, g.EdgeCount(), "duplicate edges must be ignored")

	assert.Equal(t, []Edge{{From: cond("a"), To: cond("b"), Relation: RelationDependsOn}}, g.Incoming(cond("b")))
}

func TestGraph_HasCycle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		keys      []string
		pairs     [][2]string
		wantCycle bool
		wantPath  []string
	}{
		{
			name:  "Should report no cycle for a chain",
			keys:  []string{"a", "b", "c"},
			pairs: [][2]string{{"a", "b"}, {"b", "c"}},
		},
		{
			name:      "Should report the closed path of a triangle",
			keys:      []string{"a", "b", "c"},
			pairs:     [][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}},
			wantCycle: true,
			wantPath:  []string{cond("a"), cond("b"), cond("c"), cond("a")},
		},
		{
			name:      "Should find a cycle that does not include the first root",
			keys:      []string{"a", "x", "y"},
			pairs:     [][2]string{{"a", "x"}, {"x", "y"}, {"y", "x"}},
			wantCycle: true,
			wantPath:  []string{cond("x"), cond("y"), cond("x")},
		},
		{
			name:  "Should report no cycle for a diamond",
			keys:  []string{"a", "b", "c", "d"},
			pairs: [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := buildGraph(t, tt.keys, tt.pairs)

			has, path := g.HasCycle()

			assert.Equal(t, tt.wantCycle, has)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}

func TestGraph_Cycles(t *testing.T) {
	t.Parallel()

	g := buildGraph(t, []string{"a", "b", "c", "d"}, [][2]string{
		{"a", "b"}, {"b", "a"},
		{"c", "d"}, {"d", "c"},
	})

	cycles := g.Cycles()

	assert.Equal(t, [][]string{
		{cond("a"), cond("b"), cond("a")},
		{cond("c"), cond("d"), cond("c")},
	}, cycles)
}

func TestGraph_TopologicalOrder(t *testing.T) {
	t.Parallel()

	t.Run("Should place every source before its target", func(t *testing.T) {
		t.Parallel()
		g := buildGraph(t, []string{"d", "c", "b", "a"}, [][2]string{{"c", "a"}, {"a", "b"}, {"d", "b"}})

		order, err := g.TopologicalOrder()

		require.NoError(t, err)
		assert.Equal(t, []string{cond("c"), cond("a"), cond("d"), cond("b")}, order)
	})

	t.Run("Should fail with the cycle path on cyclic graphs", func(t *testing.T) {
		t.Parallel()
		g := buildGraph(t, []string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}})

		_, err := g.TopologicalOrder()

		require.ErrorIs(t, err, ErrCycleDetected)
		var cycleErr *CycleError
		require.True(t, errors.As(err, &cycleErr))
		assert.Equal(t, []string{cond("a"), cond("b"), cond("c"), cond("a")}, cycleErr.Path)
		assert.Equal(t, apperr.CodeCycleDetected, apperr.CodeOf(err))
	})
}

func TestGraph_TopologicalOrderOf(t *testing.T) {
	t.Parallel()

	g := buildGraph(t, []string{"a", "b", "c"}, [][2]string{{"b", "a"}, {"a", "c"}})

	order, err := g.TopologicalOrderOf([]string{cond("c"), "CONDITION:ghost", cond("b"), cond("c")})

	require.NoError(t, err)
	assert.Equal(t, []string{cond("b"), cond("c"), "CONDITION:ghost"}, order)
}

func TestGraph_Traversal(t *testing.T) {
	t.Parallel()

	// a -> b -> c -> d, plus a cycle d -> b to prove termination.
	g := buildGraph(t, []string{"a", "b", "c", "d"}, [][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}, {"d", "b"}})

	t.Run("Should collect transitive dependents", func(t *testing.T) {
		t.Parallel()
		got, err := g.DownstreamOf(cond("a"), 0)
		require.NoError(t, err)
		assert.Equal(t, []string{cond("b"), cond("c"), cond("d")}, got)
	})

	t.Run("Should honour the depth bound", func(t *testing.T) {
		t.Parallel()
		got, err := g.DownstreamOf(cond("a"), 1)
		require.NoError(t, err)
		assert.Equal(t, []string{cond("b")}, got)
	})

	t.Run("Should collect transitive dependencies", func(t *testing.T) {
		t.Parallel()
		got, err := g.UpstreamOf(cond("c"), 0)
		require.NoError(t, err)
		assert.Equal(t, []string{cond("a"), cond("b"), cond("d")}, got)
	})

	t.Run("Should fail for unknown nodes", func(t *testing.T) {
		t.Parallel()
		_, err := g.UpstreamOf("CONDITION:nope", 0)
		assert.ErrorIs(t, err, ErrNodeNotFound)
	})
	t.Run("Should stop at the default depth when none is given", func(t *testing.T) {
		t.Parallel()
		keys := make([]string, DefaultMaxDepth+10)
		var pairs [][2]string
		for i := range keys {
			keys[i] = fmt.Sprintf("n%03d", i)
			if i > 0 {
				pairs = append(pairs, [2]string{keys[i-1], keys[i]})
			}
		}
		chain := buildGraph(t, keys, pairs)

		for _, depth := range []int{0, -1} {
			got, err := chain.DownstreamOf(cond(keys[0]), depth)
			require.NoError(t, err)
			assert.Len(t, got, DefaultMaxDepth, "depth %d", depth)
		}
	})
}

func TestGraph_CloneAndRemove(t *testing.T) {
	t.Parallel()

	g := buildGraph(t, []string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}})

	c := g.Clone()
	require.True(t, c.RemoveNode(cond("b")))

	assert.Equal(t, 3, g.Len(), "original must be untouched")
	assert.Equal(t, 2, g.EdgeCount())
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 0, c.EdgeCount())
	assert.Empty(t, c.Outgoing(cond("a")))
	assert.False(t, c.RemoveNode(cond("b")))
}

func TestGraph_Stats(t *testing.T) {
	t.Parallel()

	g := New(scope.New("c1", "main"))
	require.NoError(t, g.AddNode(Node{Type: NodeVariable, Key: "gold"}))
	require.NoError(t, g.AddNode(Node{Type: NodeCondition, Key: "rich"}))
	require.NoError(t, g.AddEdge("VARIABLE:gold", "CONDITION:rich", RelationReads))

	s := g.Stats()

	assert.Equal(t, 2, s.Nodes)
	assert.Equal(t, 1, s.Edges)
	assert.Equal(t, 1, s.ByType[NodeVariable])
	assert.Equal(t, 1, s.ByRelation[RelationReads])
}

func TestParseNodeID(t *testing.T) {
	t.Parallel()

	typ, key, err := ParseNodeID("EFFECT:e-1")
	require.NoError(t, err)
	assert.Equal(t, NodeEffect, typ)
	assert.Equal(t, "e-1", key)

	_, _, err = ParseNodeID("plain")
	assert.ErrorIs(t, err, ErrInvalidNodeID)
}
