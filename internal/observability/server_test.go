package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakekausler/campaign-manager-sub003/internal/config"
	"github.com/jakekausler/campaign-manager-sub003/internal/logger"
)

func testConfig() *config.ObservabilityConfig {
	return &config.ObservabilityConfig{
		Port:          "0",
		Timeout:       time.Second,
		LivenessPath:  "/alive",
		ReadinessPath: "/check-deps",
		MetricsPath:   "/telemetry",
	}
}

func TestServer(t *testing.T) {
	t.Parallel()

	up := CheckerFunc{ComponentName: "postgres", Fn: func(context.Context) error { return nil }}
	down := CheckerFunc{ComponentName: "redis", Fn: func(context.Context) error { return errors.New("connection refused") }}

	t.Run("Should answer liveness on the configured path", func(t *testing.T) {
		t.Parallel()
		srv := NewServer(logger.Discard(), testConfig())

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alive", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", rec.Body.String())
	})

	t.Run("Should report ready when every checker passes", func(t *testing.T) {
		t.Parallel()
		srv := NewServer(logger.Discard(), testConfig(), up)

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/check-deps", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Status map[string]string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "up", body.Status["postgres"])
	})

	t.Run("Should report unavailable when any checker fails", func(t *testing.T) {
		t.Parallel()
		srv := NewServer(logger.Discard(), testConfig(), up, down)

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/check-deps", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "down: connection refused")
	})

	t.Run("Should expose prometheus metrics", func(t *testing.T) {
		t.Parallel()
		ResultCacheHits.Add(0)
		srv := NewServer(logger.Discard(), testConfig())

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/telemetry", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "rules_engine_result_cache_hits_total")
	})

	t.Run("Should tolerate shutdown before start", func(t *testing.T) {
		t.Parallel()
		srv := NewServer(logger.Discard(), testConfig())
		assert.NoError(t, srv.Shutdown(context.Background()))
	})
}
