package adminapi

import (
	"github.com/jakekausler/campaign-manager-sub003/internal/depgraph"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Code is the machine-readable error code, e.g. "VALIDATION".
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`

	// Details carries error metadata such as the offending field.
	Details map[string]string `json:"details,omitempty"`
}

// NodeResponse is one graph vertex.
type NodeResponse struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Key      string            `json:"key"`
	Label    string            `json:"label,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EdgeResponse is one graph edge.
type EdgeResponse struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Relation string `json:"relation"`
}

// GraphResponse describes the dependency graph of a scope.
type GraphResponse struct {
	CampaignID string         `json:"campaignId"`
	BranchID   string         `json:"branchId"`
	Stats      depgraph.Stats `json:"stats"`
	Nodes      []NodeResponse `json:"nodes"`
	Edges      []EdgeResponse `json:"edges"`
}

// OrderResponse is a dependency order.
type OrderResponse struct {
	Order []string `json:"order"`
}

// CyclesResponse lists the cycles of a scope.
type CyclesResponse struct {
	HasCycles bool       `json:"hasCycles"`
	Cycles    [][]string `json:"cycles"`
}

// DependenciesResponse lists the nodes reachable from a node.
type DependenciesResponse struct {
	NodeID    string   `json:"nodeId"`
	Direction string   `json:"direction"`
	Depth     int      `json:"depth"`
	NodeIDs   []string `json:"nodeIds"`
}

// InvalidateResponse reports what an invalidation removed.
type InvalidateResponse struct {
	InvalidatedResults int  `json:"invalidatedResults"`
	GraphDropped       bool `json:"graphDropped"`
}

// CacheStatsResponse reports result and graph cache statistics.
type CacheStatsResponse struct {
	Hits        uint64   `json:"hits"`
	Misses      uint64   `json:"misses"`
	KeyCount    int      `json:"keyCount"`
	HitRate     float64  `json:"hitRate"`
	MemoryBytes uint64   `json:"memoryBytes"`
	Memory      string   `json:"memory"`
	SampleKeys  []string `json:"sampleKeys"`
	GraphScopes int      `json:"graphScopes"`
}

func toGraphResponse(g *depgraph.Graph) GraphResponse {
	s := g.Scope()
	resp := GraphResponse{
		CampaignID: s.CampaignID,
		BranchID:   s.BranchID,
		Stats:      g.Stats(),
		Nodes:      []NodeResponse{},
		Edges:      []EdgeResponse{},
	}
	for _, n := range g.Nodes() {
		resp.Nodes = append(resp.Nodes, NodeResponse{
			ID:       n.ID,
			Type:     string(n.Type),
			Key:      n.Key,
			Label:    n.Label,
			Metadata: n.Metadata,
		})
	}
	for _, e := range g.Edges() {
		resp.Edges = append(resp.Edges, EdgeResponse{From: e.From, To: e.To, Relation: string(e.Relation)})
	}
	return resp
}
