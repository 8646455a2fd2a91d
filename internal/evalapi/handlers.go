package evalapi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	rulesv1 "github.com/jakekausler/campaign-manager-sub003/api/rules/v1"
	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
	"github.com/jakekausler/campaign-manager-sub003/internal/evaluation"
	"github.com/jakekausler/campaign-manager-sub003/internal/expr"
	"github.com/jakekausler/campaign-manager-sub003/internal/logger"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
)

// EvaluateCondition evaluates one condition against the supplied context.
//
// It returns:
//   - OK with the result, which may itself be unsuccessful.
//   - INVALID_ARGUMENT for a malformed id or context document.
//   - NOT_FOUND if the condition does not exist or is inactive.
//   - UNAVAILABLE if the definitions datastore cannot be reached.
func (a *API) EvaluateCondition(ctx context.Context, req *rulesv1.EvaluateConditionRequest) (*rulesv1.EvaluateConditionResponse, error) {
	// 1. Input Validation (Fail Fast)
	data, err := expr.NewContext([]byte(req.ContextJSON))
	if err != nil {
		return nil, statusError(ctx, "invalid evaluation context", err)
	}

	// 2. Evaluation
	res, err := a.evaluator.EvaluateOne(ctx, req.ConditionID, data, req.IncludeTrace)
	if err != nil {
		return nil, statusError(ctx, "condition evaluation rejected", err, slog.String("condition_id", req.ConditionID))
	}

	return &rulesv1.EvaluateConditionResponse{Result: WireResult(res)}, nil
}

// EvaluateConditions evaluates a batch. Per-condition failures are reported
// in the results; only an invalid request fails the call.
func (a *API) EvaluateConditions(ctx context.Context, req *rulesv1.EvaluateConditionsRequest) (*rulesv1.EvaluateConditionsResponse, error) {
	data, err := expr.NewContext([]byte(req.ContextJSON))
	if err != nil {
		return nil, statusError(ctx, "invalid evaluation context", err)
	}

	batch, err := a.evaluator.EvaluateMany(ctx, req.ConditionIDs, data, req.UseDependencyOrder)
	if err != nil {
		return nil, statusError(ctx, "batch evaluation rejected", err, slog.Int("conditions", len(req.ConditionIDs)))
	}

	return WireBatch(batch), nil
}

// GetEvaluationOrder returns the dependency order of a scope, optionally
// restricted to the given node ids.
func (a *API) GetEvaluationOrder(ctx context.Context, req *rulesv1.GetEvaluationOrderRequest) (*rulesv1.GetEvaluationOrderResponse, error) {
	s, err := requestScope(req.CampaignID, req.BranchID)
	if err != nil {
		return nil, statusError(ctx, "invalid scope", err)
	}

	order, err := a.graphs.EvaluationOrder(ctx, s, req.NodeIDs)
	if err != nil {
		return nil, statusError(ctx, "failed to compute evaluation order", err, slog.String("scope", s.String()))
	}
	return &rulesv1.GetEvaluationOrderResponse{Order: nonNil(order)}, nil
}

// ValidateDependencies reports every cycle of a scope's graph.
func (a *API) ValidateDependencies(ctx context.Context, req *rulesv1.ValidateDependenciesRequest) (*rulesv1.ValidateDependenciesResponse, error) {
	s, err := requestScope(req.CampaignID, req.BranchID)
	if err != nil {
		return nil, statusError(ctx, "invalid scope", err)
	}

	report, err := a.graphs.ValidateNoCycles(ctx, s)
	if err != nil {
		return nil, statusError(ctx, "failed to validate dependencies", err, slog.String("scope", s.String()))
	}

	cycles := report.Cycles
	if cycles == nil {
		cycles = [][]string{}
	}
	return &rulesv1.ValidateDependenciesResponse{HasCycles: report.HasCycles, Cycles: cycles}, nil
}

// InvalidateCache drops the graph of a scope and every cached result in it.
// The count is the number of results evicted plus one when a graph was cached.
func (a *API) InvalidateCache(ctx context.Context, req *rulesv1.InvalidateCacheRequest) (*rulesv1.InvalidateCacheResponse, error) {
	s, err := requestScope(req.CampaignID, req.BranchID)
	if err != nil {
		return nil, statusError(ctx, "invalid scope", err)
	}

	count, err := a.results.InvalidatePrefix(s.Prefix())
	if err != nil {
		return nil, statusError(ctx, "failed to invalidate results", err, slog.String("scope", s.String()))
	}
	if a.graphs.Invalidate(s) {
		count++
	}

	logger.FromContext(ctx).Info("cache invalidated",
		slog.String("scope", s.String()),
		slog.Int("invalidated", count),
	)
	return &rulesv1.InvalidateCacheResponse{InvalidatedCount: count}, nil
}

// GetCacheStats reports result cache statistics. Sample keys are only
// returned for a specific campaign.
func (a *API) GetCacheStats(ctx context.Context, req *rulesv1.GetCacheStatsRequest) (*rulesv1.GetCacheStatsResponse, error) {
	if req.CampaignID != "" {
		if err := scope.ValidateID("campaignId", req.CampaignID); err != nil {
			return nil, statusError(ctx, "invalid scope", err)
		}
	}
	if req.BranchID != "" {
		if err := scope.ValidateID("branchId", req.BranchID); err != nil {
			return nil, statusError(ctx, "invalid scope", err)
		}
	}

	stats := a.results.Stats(req.CampaignID, req.BranchID)
	return &rulesv1.GetCacheStatsResponse{
		Hits:        stats.Hits,
		Misses:      stats.Misses,
		KeyCount:    stats.Keys,
		HitRate:     stats.HitRate,
		MemoryBytes: stats.MemoryBytes,
		SampleKeys:  nonNil(stats.SampleKeys),
	}, nil
}

// GetDependencies lists the nodes upstream or downstream of a node.
func (a *API) GetDependencies(ctx context.Context, req *rulesv1.GetDependenciesRequest) (*rulesv1.GetDependenciesResponse, error) {
	s, err := requestScope(req.CampaignID, req.BranchID)
	if err != nil {
		return nil, statusError(ctx, "invalid scope", err)
	}

	var ids []string
	switch req.Direction {
	case rulesv1.DirectionUpstream:
		ids, err = a.graphs.Upstream(ctx, s, req.NodeID, req.Depth)
	case rulesv1.DirectionDownstream:
		ids, err = a.graphs.Downstream(ctx, s, req.NodeID, req.Depth)
	default:
		err = apperr.Validation(fmt.Sprintf("direction must be %q or %q", rulesv1.DirectionUpstream, rulesv1.DirectionDownstream)).
			WithMetadata("field", "direction")
	}
	if err != nil {
		return nil, statusError(ctx, "failed to list dependencies", err,
			slog.String("scope", s.String()),
			slog.String("node_id", req.NodeID),
		)
	}
	return &rulesv1.GetDependenciesResponse{NodeIDs: nonNil(ids)}, nil
}

func requestScope(campaignID, branchID string) (scope.Scope, error) {
	s := scope.New(campaignID, branchID)
	return s, s.Validate()
}

// statusError logs err at a level matching its class and converts it to a
// gRPC status.
func statusError(ctx context.Context, msg string, err error, attrs ...any) error {
	log := logger.FromContext(ctx)
	attrs = append(attrs, slog.String("error", err.Error()))

	switch code := apperr.CodeOf(err); {
	case code.IsValidation(), code == apperr.CodeNotFound, code == apperr.CodeCycleDetected:
		log.Warn(msg, attrs...)
	case code == apperr.CodeTimeout, code == apperr.CodeCanceled:
		log.Info(msg, attrs...)
	default:
		log.Error(msg, attrs...)
	}
	return apperr.ToStatus(err)
}

// WireResult converts an evaluation result to its wire form.
func WireResult(r evaluation.Result) rulesv1.EvaluationResult {
	out := rulesv1.EvaluationResult{
		ConditionID:      r.ConditionID,
		NodeID:           r.NodeID,
		Success:          r.Success,
		Value:            r.Value,
		Error:            r.Error,
		ErrorCode:        string(r.ErrorCode),
		EvaluationTimeMs: millis(r.Duration),
		Cached:           r.Cached,
	}
	if expr.IsUndefined(out.Value) {
		out.Value = nil
	}
	if len(r.Trace) > 0 {
		out.Trace = make([]rulesv1.TraceStep, len(r.Trace))
		for i, step := range r.Trace {
			out.Trace[i] = rulesv1.TraceStep{
				Operation:   step.Operation,
				Inputs:      step.Inputs,
				Output:      step.Output,
				Description: step.Description,
			}
		}
	}
	return out
}

// WireBatch converts a batch outcome to its wire form.
func WireBatch(b evaluation.Batch) *rulesv1.EvaluateConditionsResponse {
	results := make(map[string]rulesv1.EvaluationResult, len(b.Results))
	for id, r := range b.Results {
		results[id] = WireResult(r)
	}
	return &rulesv1.EvaluateConditionsResponse{
		Results:         results,
		TotalTimeMs:     millis(b.Total),
		EvaluationOrder: nonNil(b.Order),
		Degraded:        b.Degraded,
	}
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
