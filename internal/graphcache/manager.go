package graphcache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/jakekausler/campaign-manager-sub003/internal/config"
	"github.com/jakekausler/campaign-manager-sub003/internal/depgraph"
	"github.com/jakekausler/campaign-manager-sub003/internal/observability"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
)

// DefaultBuildTimeout bounds a graph build. Builds are shared between
// concurrent callers, so they do not run on any single caller's context.
const DefaultBuildTimeout = 30 * time.Second

var tracer = otel.Tracer("github.com/jakekausler/campaign-manager-sub003/internal/graphcache")

// Entry is a cached graph. Graphs are never mutated after they are stored;
// updates store a new Entry.
type Entry struct {
	Graph   *depgraph.Graph
	BuiltAt time.Time
}

// CycleReport is the result of ValidateNoCycles.
type CycleReport struct {
	HasCycles bool
	Cycles    [][]string
}

// Stats describes the cached graphs.
type Stats struct {
	Scopes int
	Keys   []string
}

// Manager keeps one dependency graph per campaign branch.
type Manager struct {
	logger       *slog.Logger
	builder      *Builder
	graphs       otter.Cache[string, Entry]
	group        singleflight.Group
	buildTimeout time.Duration
	now          func() time.Time

	// generations is bumped on every invalidation so a build that started
	// before it never publishes its result.
	mu          sync.Mutex
	generations map[string]uint64
}

// NewManager creates a Manager holding up to cfg.GraphCapacity graphs.
func NewManager(logger *slog.Logger, builder *Builder, cfg *config.CacheConfig) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if builder == nil {
		panic("graphcache: builder cannot be nil")
	}
	if cfg == nil {
		panic("graphcache: config cannot be nil")
	}

	graphs, err := otter.MustBuilder[string, Entry](cfg.GraphCapacity).Build()
	if err != nil {
		return nil, fmt.Errorf("graphcache: create cache: %w", err)
	}

	return &Manager{
		logger:       logger,
		builder:      builder,
		graphs:       graphs,
		buildTimeout: DefaultBuildTimeout,
		now:          time.Now,
		generations:  make(map[string]uint64),
	}, nil
}

// ValidateScope rejects identifiers that must never reach a cache key.
func ValidateScope(s scope.Scope) error {
	return s.Validate()
}

// GetGraph returns the cached graph of s, building it on a miss. Concurrent
// misses for the same scope share one build.
func (m *Manager) GetGraph(ctx context.Context, s scope.Scope) (*depgraph.Graph, error) {
	s = scope.New(s.CampaignID, s.BranchID)
	if err := ValidateScope(s); err != nil {
		return nil, err
	}

	key := s.Key()
	if entry, ok := m.graphs.Get(key); ok {
		observability.GraphCacheHits.Inc()
		return entry.Graph, nil
	}
	observability.GraphCacheMisses.Inc()

	ch := m.group.DoChan(key, func() (any, error) {
		if entry, ok := m.graphs.Get(key); ok {
			return entry.Graph, nil
		}
		return m.build(ctx, s)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		g, ok := res.Val.(*depgraph.Graph)
		if !ok {
			return nil, fmt.Errorf("graphcache: unexpected build result %T", res.Val)
		}
		return g, nil
	}
}

func (m *Manager) build(parent context.Context, s scope.Scope) (*depgraph.Graph, error) {
	key := s.Key()
	gen := m.generation(key)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), m.buildTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "graphcache.build")
	defer span.End()
	span.SetAttributes(attribute.String("scope", key))

	start := time.Now()
	g, err := m.builder.BuildGraph(ctx, s)
	observability.GraphBuildDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.GraphBuildsTotal.WithLabelValues(observability.OutcomeFailure).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("failed to build dependency graph",
			slog.String("scope", key),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	observability.GraphBuildsTotal.WithLabelValues(observability.OutcomeSuccess).Inc()
	span.SetAttributes(attribute.Int("nodes", g.Len()), attribute.Int("edges", g.EdgeCount()))

	m.publish(key, gen, g)
	return g, nil
}

// publish stores g unless the scope was invalidated after gen was read.
func (m *Manager) publish(key string, gen uint64, g *depgraph.Graph) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generations[key] != gen {
		m.logger.Debug("discarding graph built before invalidation", slog.String("scope", key))
		return false
	}
	m.graphs.Set(key, Entry{Graph: g, BuiltAt: m.now()})
	observability.GraphCacheScopes.Set(float64(m.graphs.Size()))
	return true
}

// generation returns the current generation of key, registering the key so
// InvalidateCampaign can find it.
func (m *Manager) generation(key string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen := m.generations[key]
	m.generations[key] = gen
	return gen
}

// Lookup returns the cached entry of s without building it.
func (m *Manager) Lookup(s scope.Scope) (Entry, bool) {
	s = scope.New(s.CampaignID, s.BranchID)
	return m.graphs.Get(s.Key())
}

// Invalidate drops the cached graph of s and reports whether one was cached.
// Readers holding the old graph keep using it; the next GetGraph rebuilds.
func (m *Manager) Invalidate(s scope.Scope) bool {
	s = scope.New(s.CampaignID, s.BranchID)
	key := s.Key()

	m.mu.Lock()
	m.generations[key]++
	_, existed := m.graphs.Get(key)
	m.graphs.Delete(key)
	m.mu.Unlock()

	m.group.Forget(key)
	if existed {
		observability.GraphInvalidations.Inc()
	}
	observability.GraphCacheScopes.Set(float64(m.graphs.Size()))
	return existed
}

// InvalidateCampaign drops the graphs of every branch of a campaign and
// returns how many were cached.
func (m *Manager) InvalidateCampaign(campaignID string) int {
	prefix := scope.CampaignPrefix(campaignID)

	var keys []string
	m.graphs.Range(func(key string, _ Entry) bool {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return true
	})

	m.mu.Lock()
	for _, key := range keys {
		m.graphs.Delete(key)
	}
	// Every scope that was ever built has a generation, including ones
	// with a build still in flight.
	for key := range m.generations {
		if strings.HasPrefix(key, prefix) {
			m.generations[key]++
		}
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.group.Forget(key)
	}
	observability.GraphInvalidations.Add(float64(len(keys)))
	observability.GraphCacheScopes.Set(float64(m.graphs.Size()))
	return len(keys)
}

// RefreshNode applies a single-definition change to the cached graph of s.
// Nothing happens when no graph is cached; the next GetGraph builds it.
func (m *Manager) RefreshNode(ctx context.Context, s scope.Scope, nodeID string) error {
	s = scope.New(s.CampaignID, s.BranchID)
	if err := ValidateScope(s); err != nil {
		return err
	}

	key := s.Key()
	gen := m.generation(key)
	entry, ok := m.graphs.Get(key)
	if !ok {
		return nil
	}

	next, err := m.builder.UpdateNode(ctx, entry.Graph, nodeID)
	if err != nil {
		// Drop the graph so the next request rebuilds it.
		m.Invalidate(s)
		return err
	}
	m.publish(key, gen, next)
	return nil
}

// EvaluationOrder returns the topological order of the graph of s,
// restricted to nodeIDs when any are given.
func (m *Manager) EvaluationOrder(ctx context.Context, s scope.Scope, nodeIDs []string) ([]string, error) {
	g, err := m.GetGraph(ctx, s)
	if err != nil {
		return nil, err
	}
	if len(nodeIDs) == 0 {
		return g.TopologicalOrder()
	}
	return g.TopologicalOrderOf(nodeIDs)
}

// ValidateNoCycles reports every cycle in the graph of s.
func (m *Manager) ValidateNoCycles(ctx context.Context, s scope.Scope) (CycleReport, error) {
	g, err := m.GetGraph(ctx, s)
	if err != nil {
		return CycleReport{}, err
	}
	cycles := g.Cycles()
	return CycleReport{HasCycles: len(cycles) > 0, Cycles: cycles}, nil
}

// Upstream returns the nodes nodeID depends on, up to depth hops.
func (m *Manager) Upstream(ctx context.Context, s scope.Scope, nodeID string, depth int) ([]string, error) {
	g, err := m.GetGraph(ctx, s)
	if err != nil {
		return nil, err
	}
	return g.UpstreamOf(nodeID, depth)
}

// Downstream returns the nodes depending on nodeID, up to depth hops.
func (m *Manager) Downstream(ctx context.Context, s scope.Scope, nodeID string, depth int) ([]string, error) {
	g, err := m.GetGraph(ctx, s)
	if err != nil {
		return nil, err
	}
	return g.DownstreamOf(nodeID, depth)
}

// Stats lists the cached scopes.
func (m *Manager) Stats() Stats {
	var keys []string
	m.graphs.Range(func(key string, _ Entry) bool {
		keys = append(keys, key)
		return true
	})
	slices.Sort(keys)
	return Stats{Scopes: len(keys), Keys: keys}
}

// Close releases the cache.
func (m *Manager) Close() {
	m.graphs.Close()
}
