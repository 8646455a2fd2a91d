package adminapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
	"github.com/jakekausler/campaign-manager-sub003/internal/logger"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
)

const (
	directionUpstream   = "upstream"
	directionDownstream = "downstream"
)

// handleGetGraph processes GET /api/v1/scopes/{campaignId}/{branchId}/graph.
// The graph is built on demand when it is not cached.
func (a *API) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	s, ok := a.scopeParam(w, r)
	if !ok {
		return
	}

	g, err := a.graphs.GetGraph(r.Context(), s)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, toGraphResponse(g))
}

// handleGetOrder processes GET .../order?ids=a,b. Without ids the order of
// the whole graph is returned.
func (a *API) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	s, ok := a.scopeParam(w, r)
	if !ok {
		return
	}

	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	order, err := a.graphs.EvaluationOrder(r.Context(), s, ids)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if order == nil {
		order = []string{}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, OrderResponse{Order: order})
}

// handleGetCycles processes GET .../cycles.
func (a *API) handleGetCycles(w http.ResponseWriter, r *http.Request) {
	s, ok := a.scopeParam(w, r)
	if !ok {
		return
	}

	report, err := a.graphs.ValidateNoCycles(r.Context(), s)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	cycles := report.Cycles
	if cycles == nil {
		cycles = [][]string{}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, CyclesResponse{HasCycles: report.HasCycles, Cycles: cycles})
}

// handleGetDependencies processes
// GET .../nodes/{nodeId}/dependencies?direction=upstream|downstream&depth=n.
// Direction defaults to upstream; depth 0 uses the graph default.
func (a *API) handleGetDependencies(w http.ResponseWriter, r *http.Request) {
	s, ok := a.scopeParam(w, r)
	if !ok {
		return
	}

	// 1. Parse Query Parameters
	nodeID := chi.URLParam(r, "nodeId")
	direction := r.URL.Query().Get("direction")
	if direction == "" {
		direction = directionUpstream
	}
	depth, err := parseOptionalInt(r, "depth", 0)
	if err != nil {
		a.writeError(w, r, apperr.Validation(err.Error()).WithMetadata("field", "depth"))
		return
	}

	// 2. Walk the graph
	var ids []string
	switch direction {
	case directionUpstream:
		ids, err = a.graphs.Upstream(r.Context(), s, nodeID, depth)
	case directionDownstream:
		ids, err = a.graphs.Downstream(r.Context(), s, nodeID, depth)
	default:
		err = apperr.Validation(fmt.Sprintf("direction must be %q or %q", directionUpstream, directionDownstream)).
			WithMetadata("field", "direction")
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, DependenciesResponse{NodeID: nodeID, Direction: direction, Depth: depth, NodeIDs: ids})
}

// handleInvalidate processes POST .../invalidate: the scope's graph and
// every cached result in it are dropped.
func (a *API) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	s, ok := a.scopeParam(w, r)
	if !ok {
		return
	}

	count, err := a.results.InvalidatePrefix(s.Prefix())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	dropped := a.graphs.Invalidate(s)

	logger.FromContext(r.Context()).Info("scope invalidated by operator",
		slog.String("scope", s.String()),
		slog.Int("results", count),
		slog.Bool("graph_dropped", dropped),
	)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, InvalidateResponse{InvalidatedResults: count, GraphDropped: dropped})
}

// handleCacheStats processes GET /api/v1/cache/stats?campaignId=&branchId=.
func (a *API) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	campaignID, branchID := q.Get("campaignId"), q.Get("branchId")
	if campaignID != "" {
		if err := scope.ValidateID("campaignId", campaignID); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	if branchID != "" {
		if err := scope.ValidateID("branchId", branchID); err != nil {
			a.writeError(w, r, err)
			return
		}
	}

	stats := a.results.Stats(campaignID, branchID)
	sample := stats.SampleKeys
	if sample == nil {
		sample = []string{}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, CacheStatsResponse{
		Hits:        stats.Hits,
		Misses:      stats.Misses,
		KeyCount:    stats.Keys,
		HitRate:     stats.HitRate,
		MemoryBytes: stats.MemoryBytes,
		Memory:      stats.Memory(),
		SampleKeys:  sample,
		GraphScopes: a.graphs.Stats().Scopes,
	})
}

// scopeParam reads and validates the scope path parameters, writing a 400
// when they are malformed.
func (a *API) scopeParam(w http.ResponseWriter, r *http.Request) (scope.Scope, bool) {
	s := scope.New(chi.URLParam(r, "campaignId"), chi.URLParam(r, "branchId"))
	if err := s.Validate(); err != nil {
		a.writeError(w, r, err)
		return scope.Scope{}, false
	}
	return s, true
}

// writeError renders err with the HTTP status of its code. Server-side
// failures are logged and their details withheld.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status := code.HTTPStatus()

	resp := ErrorResponse{Code: string(code), Message: err.Error()}
	var ae *apperr.Error
	if errors.As(err, &ae) && len(ae.Metadata) > 0 {
		resp.Details = ae.Metadata
	}

	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("admin request failed",
			slog.String("code", string(code)),
			slog.String("error", err.Error()),
		)
		if status == http.StatusInternalServerError {
			resp.Message = "internal error"
			resp.Details = nil
		}
	}

	render.Status(r, status)
	render.JSON(w, r, resp)
}

// parseOptionalInt reads a non-negative integer query parameter.
func parseOptionalInt(r *http.Request, key string, defaultValue int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}
