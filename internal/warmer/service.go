// Package warmer pre-builds the dependency graphs of every active campaign
// branch so that the first evaluation after a restart or an invalidation
// does not pay the build cost.
package warmer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jakekausler/campaign-manager-sub003/internal/config"
	"github.com/jakekausler/campaign-manager-sub003/internal/depgraph"
	"github.com/jakekausler/campaign-manager-sub003/internal/graphcache"
	"github.com/jakekausler/campaign-manager-sub003/internal/observability"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
)

// ScopeLister reports the scopes worth warming.
type ScopeLister interface {
	ListActiveScopes(ctx context.Context) ([]scope.Scope, error)
}

// Graphs is the graph cache being warmed.
type Graphs interface {
	Lookup(s scope.Scope) (graphcache.Entry, bool)
	GetGraph(ctx context.Context, s scope.Scope) (*depgraph.Graph, error)
}

// Report summarises one warm-up pass.
type Report struct {
	Scopes   int
	Warmed   int
	Failed   int
	Duration time.Duration
}

// Service runs warm-up passes on an interval.
type Service struct {
	logger *slog.Logger
	config config.WarmerConfig
	scopes ScopeLister
	graphs Graphs
}

// New creates a warmer. An interval under a second falls back to a minute
// and a non-positive concurrency to one.
func New(logger *slog.Logger, cfg config.WarmerConfig, scopes ScopeLister, graphs Graphs) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if scopes == nil {
		panic("warmer: scope lister cannot be nil")
	}
	if graphs == nil {
		panic("warmer: graph cache cannot be nil")
	}

	if cfg.Interval < time.Second {
		cfg.Interval = time.Minute
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	return &Service{
		logger: logger.With(slog.String("component", "warmer")),
		config: cfg,
		scopes: scopes,
		graphs: graphs,
	}
}

// Run warms once immediately and then on every tick. It blocks until ctx
// is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting graph warmer",
		slog.String("interval", s.config.Interval.String()),
		slog.Int("concurrency", s.config.Concurrency),
	)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("graph warmer stopping")
			return nil
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Service) runOnce(ctx context.Context) {
	report, err := s.Warm(ctx)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			s.logger.Error("warm-up pass failed", slog.String("error", err.Error()))
		}
	case report.Warmed > 0 || report.Failed > 0:
		s.logger.Info("warm-up pass completed",
			slog.Int("scopes", report.Scopes),
			slog.Int("warmed", report.Warmed),
			slog.Int("failed", report.Failed),
			slog.Duration("duration", report.Duration),
		)
	}
}

// Warm builds the graph of every active scope that is not cached. A scope
// that fails to build is logged and skipped; only a failure to list scopes
// fails the pass.
func (s *Service) Warm(ctx context.Context) (Report, error) {
	start := time.Now()

	// 1. Read the scopes from the definitions datastore
	scopes, err := s.scopes.ListActiveScopes(ctx)
	if err != nil {
		observability.WarmerRuns.WithLabelValues("failed").Inc()
		return Report{}, fmt.Errorf("warmer: list scopes: %w", err)
	}

	// 2. Build missing graphs with bounded concurrency
	var warmed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for _, sc := range scopes {
		if _, ok := s.graphs.Lookup(sc); ok {
			continue
		}
		g.Go(func() error {
			if _, err := s.graphs.GetGraph(gctx, sc); err != nil {
				failed.Add(1)
				s.logger.Warn("failed to warm graph",
					slog.String("scope", sc.String()),
					slog.String("error", err.Error()),
				)
				return nil
			}
			warmed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Scopes:   len(scopes),
		Warmed:   int(warmed.Load()),
		Failed:   int(failed.Load()),
		Duration: time.Since(start),
	}

	status := "ok"
	if report.Failed > 0 {
		status = "partial"
	}
	observability.WarmerRuns.WithLabelValues(status).Inc()
	observability.WarmerScopes.Set(float64(report.Warmed))
	return report, ctx.Err()
}
