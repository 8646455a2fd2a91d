// Package evalapi implements the rules.v1.EvaluationService gRPC service on
// top of the evaluation orchestrator and the graph and result caches.
package evalapi

import (
	"context"

	"google.golang.org/grpc"

	rulesv1 "github.com/jakekausler/campaign-manager-sub003/api/rules/v1"
	"github.com/jakekausler/campaign-manager-sub003/internal/cache"
	"github.com/jakekausler/campaign-manager-sub003/internal/evaluation"
	"github.com/jakekausler/campaign-manager-sub003/internal/expr"
	"github.com/jakekausler/campaign-manager-sub003/internal/graphcache"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
)

// Evaluator evaluates conditions.
type Evaluator interface {
	EvaluateOne(ctx context.Context, conditionID string, data expr.Context, includeTrace bool) (evaluation.Result, error)
	EvaluateMany(ctx context.Context, conditionIDs []string, data expr.Context, useDependencyOrder bool) (evaluation.Batch, error)
}

// GraphService answers dependency graph queries.
type GraphService interface {
	EvaluationOrder(ctx context.Context, s scope.Scope, nodeIDs []string) ([]string, error)
	ValidateNoCycles(ctx context.Context, s scope.Scope) (graphcache.CycleReport, error)
	Upstream(ctx context.Context, s scope.Scope, nodeID string, depth int) ([]string, error)
	Downstream(ctx context.Context, s scope.Scope, nodeID string, depth int) ([]string, error)
	Invalidate(s scope.Scope) bool
}

// ResultCache is the part of the result cache the service manages.
type ResultCache interface {
	InvalidatePrefix(prefix string) (int, error)
	Stats(campaignID, branchID string) cache.Stats
}

// API implements rulesv1.EvaluationServiceServer.
type API struct {
	rulesv1.UnimplementedEvaluationServiceServer

	evaluator Evaluator
	graphs    GraphService
	results   ResultCache
}

// NewAPI creates the service implementation.
func NewAPI(evaluator Evaluator, graphs GraphService, results ResultCache) *API {
	if evaluator == nil {
		panic("evalapi: evaluator cannot be nil")
	}
	if graphs == nil {
		panic("evalapi: graph service cannot be nil")
	}
	if results == nil {
		panic("evalapi: result cache cannot be nil")
	}

	return &API{
		evaluator: evaluator,
		graphs:    graphs,
		results:   results,
	}
}

// Register connects this implementation to the grpc.Server engine.
func (a *API) Register(s grpc.ServiceRegistrar) {
	rulesv1.RegisterEvaluationServiceServer(s, a)
}
