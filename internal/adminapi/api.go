// Package adminapi implements the REST administration API of the rules
// engine: graph inspection, cycle reports, dependency queries and cache
// control for operators and the campaign editor.
package adminapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/jakekausler/campaign-manager-sub003/internal/cache"
	"github.com/jakekausler/campaign-manager-sub003/internal/depgraph"
	"github.com/jakekausler/campaign-manager-sub003/internal/graphcache"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
)

// APIKeyHeader carries the plaintext API key.
const APIKeyHeader = "X-API-Key"

// GraphService is the part of the graph cache the API reads and controls.
type GraphService interface {
	GetGraph(ctx context.Context, s scope.Scope) (*depgraph.Graph, error)
	EvaluationOrder(ctx context.Context, s scope.Scope, nodeIDs []string) ([]string, error)
	ValidateNoCycles(ctx context.Context, s scope.Scope) (graphcache.CycleReport, error)
	Upstream(ctx context.Context, s scope.Scope, nodeID string, depth int) ([]string, error)
	Downstream(ctx context.Context, s scope.Scope, nodeID string, depth int) ([]string, error)
	Invalidate(s scope.Scope) bool
	Stats() graphcache.Stats
}

// ResultCache is the part of the result cache the API reads and controls.
type ResultCache interface {
	InvalidatePrefix(prefix string) (int, error)
	Stats(campaignID, branchID string) cache.Stats
}

// API holds the router and its dependencies.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	logger  *slog.Logger
	graphs  GraphService
	results ResultCache

	// apiKeyHash is the hex SHA-256 of the accepted API key.
	apiKeyHash string

	// skipAuth disables authentication (development and tests only).
	skipAuth bool
}

// NewAPI creates an API with authentication enabled. Panics if apiKeyHash
// is empty.
func NewAPI(logger *slog.Logger, graphs GraphService, results ResultCache, apiKeyHash string) *API {
	return NewAPIWithConfig(logger, graphs, results, apiKeyHash, false)
}

// NewAPIWithConfig creates an API with explicit control over
// authentication.
//
// Panics if:
//   - graphs or results are nil
//   - apiKeyHash is empty when skipAuth is false
func NewAPIWithConfig(logger *slog.Logger, graphs GraphService, results ResultCache, apiKeyHash string, skipAuth bool) *API {
	if logger == nil {
		logger = slog.Default()
	}
	if graphs == nil {
		panic("adminapi: graph service cannot be nil")
	}
	if results == nil {
		panic("adminapi: result cache cannot be nil")
	}
	if !skipAuth && apiKeyHash == "" {
		panic("adminapi: apiKeyHash cannot be empty when authentication is enabled")
	}

	api := &API{
		Router:     chi.NewRouter(),
		logger:     logger,
		graphs:     graphs,
		results:    results,
		apiKeyHash: apiKeyHash,
		skipAuth:   skipAuth,
	}

	api.configureRoutes()
	return api
}

func (a *API) configureRoutes() {
	// 1. Global Middleware Stack
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(RequestLogger(a.logger))
	a.Router.Use(Metrics)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	a.Router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{Code: "NOT_FOUND", Message: "route not found"})
	})

	// 2. Public Routes
	a.Router.Get("/health", a.handleHealthCheck)

	// 3. Protected API V1 Routes
	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticateAPIKey)

		r.Route("/scopes/{campaignId}/{branchId}", func(r chi.Router) {
			r.Get("/graph", a.handleGetGraph)
			r.Get("/order", a.handleGetOrder)
			r.Get("/cycles", a.handleGetCycles)
			r.Get("/nodes/{nodeId}/dependencies", a.handleGetDependencies)
			r.Post("/invalidate", a.handleInvalidate)
		})

		r.Get("/cache/stats", a.handleCacheStats)
	})
}

func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}
