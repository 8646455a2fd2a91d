// Package evaluation evaluates conditions against caller-supplied data,
// consulting the result cache first and ordering batches by the dependency
// graph of their campaign branch.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/maypok86/otter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
	"github.com/jakekausler/campaign-manager-sub003/internal/cache"
	"github.com/jakekausler/campaign-manager-sub003/internal/config"
	"github.com/jakekausler/campaign-manager-sub003/internal/depgraph"
	"github.com/jakekausler/campaign-manager-sub003/internal/expr"
	"github.com/jakekausler/campaign-manager-sub003/internal/logger"
	"github.com/jakekausler/campaign-manager-sub003/internal/observability"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
	"github.com/jakekausler/campaign-manager-sub003/internal/store"
)

var tracer = otel.Tracer("github.com/jakekausler/campaign-manager-sub003/internal/evaluation")

// ConditionSource loads condition definitions.
type ConditionSource interface {
	GetCondition(ctx context.Context, id string) (*store.Condition, error)
}

// OrderProvider returns the dependency order of graph nodes in a scope.
type OrderProvider interface {
	EvaluationOrder(ctx context.Context, s scope.Scope, nodeIDs []string) ([]string, error)
}

// ResultStore caches successful results.
type ResultStore interface {
	Get(key string, fingerprint expr.Fingerprint) (expr.Value, bool, error)
	Set(key string, value expr.Value, fingerprint expr.Fingerprint) error
}

// Result is the outcome of evaluating one condition.
type Result struct {
	ConditionID string
	NodeID      string
	Success     bool
	Value       expr.Value
	Trace       []expr.TraceStep
	Error       string
	ErrorCode   apperr.Code
	Duration    time.Duration
	Cached      bool
}

// Batch is the outcome of EvaluateMany. Order lists condition ids in the
// order they were evaluated.
type Batch struct {
	Results  map[string]Result
	Order    []string
	Total    time.Duration
	Degraded bool
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	logger    *slog.Logger
	source    ConditionSource
	graphs    OrderProvider
	results   ResultStore
	evaluator *expr.Evaluator
	parsed    otter.Cache[string, expr.Expr]
	maxDepth  int
	maxBatch  int
}

// New creates an Orchestrator.
func New(log *slog.Logger, source ConditionSource, graphs OrderProvider, results ResultStore, cfg *config.EvaluationConfig) (*Orchestrator, error) {
	if log == nil {
		log = slog.Default()
	}
	if source == nil {
		panic("evaluation: condition source cannot be nil")
	}
	if graphs == nil {
		panic("evaluation: order provider cannot be nil")
	}
	if results == nil {
		panic("evaluation: result store cannot be nil")
	}
	if cfg == nil {
		panic("evaluation: config cannot be nil")
	}

	parsed, err := otter.MustBuilder[string, expr.Expr](cfg.ParsedCapacity).Build()
	if err != nil {
		return nil, fmt.Errorf("evaluation: create parsed expression cache: %w", err)
	}

	return &Orchestrator{
		logger:    log,
		source:    source,
		graphs:    graphs,
		results:   results,
		evaluator: expr.NewEvaluator(cfg.MaxDepth),
		parsed:    parsed,
		maxDepth:  cfg.MaxDepth,
		maxBatch:  cfg.MaxBatchSize,
	}, nil
}

// Close releases the parsed expression cache.
func (o *Orchestrator) Close() {
	o.parsed.Close()
}

// EvaluateOne evaluates a single condition. Traced evaluations bypass the
// result cache. Evaluation failures are reported in the Result; the error is
// reserved for invalid requests, unknown conditions, datastore failures and
// cancellation.
func (o *Orchestrator) EvaluateOne(ctx context.Context, conditionID string, data expr.Context, includeTrace bool) (Result, error) {
	ctx, span := tracer.Start(ctx, "evaluation.EvaluateOne")
	defer span.End()
	span.SetAttributes(attribute.String("condition_id", conditionID), attribute.Bool("trace", includeTrace))

	if err := scope.ValidateID("conditionId", conditionID); err != nil {
		return Result{}, err
	}

	c, err := o.load(ctx, conditionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	res, err := o.evaluate(ctx, c, data, includeTrace)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(attribute.Bool("success", res.Success), attribute.Bool("cached", res.Cached))
	return res, nil
}

// EvaluateMany evaluates every requested condition independently. With
// useDependencyOrder the conditions of each scope run in topological order;
// when a graph cannot be obtained they run in request order and the batch is
// marked degraded.
func (o *Orchestrator) EvaluateMany(ctx context.Context, conditionIDs []string, data expr.Context, useDependencyOrder bool) (Batch, error) {
	ctx, span := tracer.Start(ctx, "evaluation.EvaluateMany")
	defer span.End()
	start := time.Now()

	ids, err := o.validateBatch(conditionIDs)
	if err != nil {
		return Batch{}, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(ids)), attribute.Bool("dependency_order", useDependencyOrder))
	observability.BatchSize.Observe(float64(len(ids)))

	batch := Batch{Results: make(map[string]Result, len(ids))}

	// 1. Resolve definitions; failures become per-item results
	loaded := make(map[string]*store.Condition, len(ids))
	for _, id := range ids {
		c, err := o.load(ctx, id)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Batch{}, ctxErr
			}
			batch.Results[id] = failure(id, err, 0)
			continue
		}
		loaded[id] = c
	}

	// 2. Decide the order
	order := ids
	if useDependencyOrder {
		order, batch.Degraded = o.dependencyOrder(ctx, ids, loaded)
		if batch.Degraded {
			observability.DegradedBatches.Inc()
			span.SetAttributes(attribute.Bool("degraded", true))
		}
	}
	batch.Order = order

	// 3. Evaluate
	for _, id := range order {
		c, ok := loaded[id]
		if !ok {
			continue
		}
		res, err := o.evaluate(ctx, c, data, false)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Batch{}, err
		}
		batch.Results[id] = res
	}

	batch.Total = time.Since(start)
	return batch, nil
}

func (o *Orchestrator) validateBatch(conditionIDs []string) ([]string, error) {
	if len(conditionIDs) == 0 {
		return nil, apperr.Validation("conditionIds must not be empty").WithMetadata("field", "conditionIds")
	}

	seen := make(map[string]bool, len(conditionIDs))
	ids := make([]string, 0, len(conditionIDs))
	for _, id := range conditionIDs {
		if err := scope.ValidateID("conditionIds", id); err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) > o.maxBatch {
		return nil, apperr.Validation(fmt.Sprintf("at most %d conditions may be evaluated per batch", o.maxBatch)).
			WithMetadata("field", "conditionIds", "limit", strconv.Itoa(o.maxBatch))
	}
	return ids, nil
}

// dependencyOrder groups the loaded conditions by scope, orders each group
// by its graph and appends conditions that could not be loaded. It reports
// whether any group fell back to request order.
func (o *Orchestrator) dependencyOrder(ctx context.Context, ids []string, loaded map[string]*store.Condition) ([]string, bool) {
	var scopes []scope.Scope
	groups := make(map[scope.Scope][]string)
	var unresolved []string
	for _, id := range ids {
		c, ok := loaded[id]
		if !ok {
			unresolved = append(unresolved, id)
			continue
		}
		s := scope.New(c.CampaignID, c.BranchID)
		if _, seen := groups[s]; !seen {
			scopes = append(scopes, s)
		}
		groups[s] = append(groups[s], depgraph.NodeID(depgraph.NodeCondition, id))
	}

	degraded := false
	order := make([]string, 0, len(ids))
	for _, s := range scopes {
		nodeIDs := groups[s]
		sorted, err := o.graphs.EvaluationOrder(ctx, s, nodeIDs)
		if err != nil {
			degraded = true
			logger.FromContext(ctx).Warn("dependency order unavailable, evaluating in request order",
				slog.String("scope", s.Key()),
				slog.String("error", err.Error()),
			)
			sorted = nodeIDs
		}
		for _, nodeID := range sorted {
			if _, key, err := depgraph.ParseNodeID(nodeID); err == nil {
				order = append(order, key)
			}
		}
	}
	return append(order, unresolved...), degraded
}

// evaluate runs one loaded condition. Only context errors are returned.
func (o *Orchestrator) evaluate(ctx context.Context, c *store.Condition, data expr.Context, includeTrace bool) (Result, error) {
	start := time.Now()
	s := scope.New(c.CampaignID, c.BranchID)
	nodeID := depgraph.NodeID(depgraph.NodeCondition, c.ID)

	if err := s.Validate(); err != nil {
		return failure(c.ID, err, time.Since(start)), nil
	}

	// 1. Cache lookup
	key := cache.Key(s, c.ID)
	fingerprint := data.Fingerprint()
	if !includeTrace {
		value, hit, err := o.results.Get(key, fingerprint)
		if err != nil {
			logger.FromContext(ctx).Warn("result cache lookup failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		if hit {
			observability.EvaluationsTotal.WithLabelValues(observability.OutcomeCacheHit).Inc()
			return Result{
				ConditionID: c.ID,
				NodeID:      nodeID,
				Success:     true,
				Value:       value,
				Duration:    time.Since(start),
				Cached:      true,
			}, nil
		}
	}

	// 2. Parse and evaluate
	parsed, err := o.parse(c)
	if err != nil {
		return o.failed(ctx, c.ID, err, start), nil
	}

	evalStart := time.Now()
	value, trace, err := o.evaluator.Evaluate(ctx, parsed, data, expr.Options{Trace: includeTrace})
	observability.EvaluationDuration.Observe(time.Since(evalStart).Seconds())
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	if err != nil {
		res := o.failed(ctx, c.ID, err, start)
		res.Trace = trace
		return res, nil
	}

	// 3. Successes only
	if err := o.results.Set(key, value, fingerprint); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, cache.ErrCacheFull) {
			level = slog.LevelDebug
		}
		logger.FromContext(ctx).Log(ctx, level, "result not cached", slog.String("key", key), slog.String("error", err.Error()))
	}

	observability.EvaluationsTotal.WithLabelValues(observability.OutcomeSuccess).Inc()
	return Result{
		ConditionID: c.ID,
		NodeID:      nodeID,
		Success:     true,
		Value:       value,
		Trace:       trace,
		Duration:    time.Since(start),
	}, nil
}

func (o *Orchestrator) failed(ctx context.Context, conditionID string, err error, start time.Time) Result {
	observability.EvaluationsTotal.WithLabelValues(observability.OutcomeFailure).Inc()
	logger.FromContext(ctx).Info("condition evaluation failed",
		slog.String("condition_id", conditionID),
		slog.String("error", err.Error()),
	)
	return failure(conditionID, err, time.Since(start))
}

// parse memoises parsed expressions per condition version.
func (o *Orchestrator) parse(c *store.Condition) (expr.Expr, error) {
	key := c.ID + "@" + strconv.FormatInt(c.UpdatedAt.UnixNano(), 10)
	if parsed, ok := o.parsed.Get(key); ok {
		return parsed, nil
	}
	parsed, err := expr.ParseWithLimit(c.Expression, o.maxDepth)
	if err != nil {
		return nil, err
	}
	o.parsed.Set(key, parsed)
	return parsed, nil
}

func (o *Orchestrator) load(ctx context.Context, id string) (*store.Condition, error) {
	c, err := o.source.GetCondition(ctx, id)
	if err == nil {
		return c, nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return nil, apperr.Transient("evaluation: load condition "+id, err).WithMetadata("conditionId", id)
}

func failure(conditionID string, err error, d time.Duration) Result {
	r := expr.Failure(err, d)
	return Result{
		ConditionID: conditionID,
		NodeID:      depgraph.NodeID(depgraph.NodeCondition, conditionID),
		Success:     false,
		Error:       r.Error,
		ErrorCode:   r.ErrorCode,
		Duration:    d,
	}
}
