// Package rulesv1 is the wire contract of the rules.v1.EvaluationService
// gRPC service. Messages travel as JSON using the codec registered in this
// package; clients select it with the CodecName content-subtype.
package rulesv1

// Direction selects which side of a node GetDependencies walks.
type Direction string

const (
	DirectionUpstream   Direction = "upstream"
	DirectionDownstream Direction = "downstream"
)

// TraceStep is one recorded step of a traced evaluation.
type TraceStep struct {
	Operation   string `json:"operation"`
	Inputs      []any  `json:"inputs,omitempty"`
	Output      any    `json:"output"`
	Description string `json:"description"`
}

// EvaluationResult is the outcome of one condition. A false Success carries
// Error and ErrorCode; the call itself still succeeds.
type EvaluationResult struct {
	ConditionID      string      `json:"conditionId"`
	NodeID           string      `json:"nodeId,omitempty"`
	Success          bool        `json:"success"`
	Value            any         `json:"value"`
	Trace            []TraceStep `json:"trace,omitempty"`
	Error            string      `json:"error,omitempty"`
	ErrorCode        string      `json:"errorCode,omitempty"`
	EvaluationTimeMs float64     `json:"evaluationTimeMs"`
	Cached           bool        `json:"cached,omitempty"`
}

// EvaluateConditionRequest evaluates one condition against a context.
type EvaluateConditionRequest struct {
	ConditionID string `json:"conditionId"`
	// ContextJSON is the JSON object variables are resolved against. Empty
	// means an empty object.
	ContextJSON  string `json:"contextJson,omitempty"`
	IncludeTrace bool   `json:"includeTrace,omitempty"`
}

// EvaluateConditionResponse carries the outcome of EvaluateCondition.
type EvaluateConditionResponse struct {
	Result EvaluationResult `json:"result"`
}

// EvaluateConditionsRequest evaluates a batch of conditions against one
// context, in dependency order when UseDependencyOrder is set.
type EvaluateConditionsRequest struct {
	ConditionIDs       []string `json:"conditionIds"`
	ContextJSON        string   `json:"contextJson,omitempty"`
	UseDependencyOrder bool     `json:"useDependencyOrder,omitempty"`
}

// EvaluateConditionsResponse lists results by condition id. EvaluationOrder
// is the order the conditions were evaluated in; Degraded is set when the
// dependency order could not be resolved and request order was used.
type EvaluateConditionsResponse struct {
	Results         map[string]EvaluationResult `json:"results"`
	TotalTimeMs     float64                     `json:"totalTimeMs"`
	EvaluationOrder []string                    `json:"evaluationOrder"`
	Degraded        bool                        `json:"degraded,omitempty"`
}

// GetEvaluationOrderRequest asks for the topological order of a scope.
type GetEvaluationOrderRequest struct {
	CampaignID string `json:"campaignId"`
	BranchID   string `json:"branchId,omitempty"`
	// NodeIDs restricts the order to these nodes. Empty returns every node.
	NodeIDs []string `json:"nodeIds,omitempty"`
}

// GetEvaluationOrderResponse lists node ids, dependencies first.
type GetEvaluationOrderResponse struct {
	Order []string `json:"order"`
}

// ValidateDependenciesRequest asks whether a scope's graph has cycles.
type ValidateDependenciesRequest struct {
	CampaignID string `json:"campaignId"`
	BranchID   string `json:"branchId,omitempty"`
}

// ValidateDependenciesResponse lists every cycle as a closed path.
type ValidateDependenciesResponse struct {
	HasCycles bool       `json:"hasCycles"`
	Cycles    [][]string `json:"cycles"`
}

// InvalidateCacheRequest drops the cached graph and results of a scope.
type InvalidateCacheRequest struct {
	CampaignID string `json:"campaignId"`
	BranchID   string `json:"branchId,omitempty"`
}

// InvalidateCacheResponse counts the removed results, plus one when a
// cached graph was dropped.
type InvalidateCacheResponse struct {
	InvalidatedCount int `json:"invalidatedCount"`
}

// GetCacheStatsRequest optionally narrows sample keys to one scope.
type GetCacheStatsRequest struct {
	CampaignID string `json:"campaignId,omitempty"`
	BranchID   string `json:"branchId,omitempty"`
}

// GetCacheStatsResponse never lists sample keys unless a campaign was given.
type GetCacheStatsResponse struct {
	Hits        uint64   `json:"hits"`
	Misses      uint64   `json:"misses"`
	KeyCount    int      `json:"keyCount"`
	HitRate     float64  `json:"hitRate"`
	MemoryBytes uint64   `json:"memoryBytes"`
	SampleKeys  []string `json:"sampleKeys"`
}

// GetDependenciesRequest walks the graph from NodeID in Direction.
type GetDependenciesRequest struct {
	CampaignID string    `json:"campaignId"`
	BranchID   string    `json:"branchId,omitempty"`
	NodeID     string    `json:"nodeId"`
	Direction  Direction `json:"direction"`
	// Depth limits the walk to that many hops; zero or negative uses the
	// default of 50 (depgraph.DefaultMaxDepth).
	Depth int `json:"depth,omitempty"`
}

// GetDependenciesResponse lists the reached node ids, nearest first.
type GetDependenciesResponse struct {
	NodeIDs []string `json:"nodeIds"`
}
