package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakekausler/campaign-manager-sub003/internal/cache"
	"github.com/jakekausler/campaign-manager-sub003/internal/config"
	"github.com/jakekausler/campaign-manager-sub003/internal/graphcache"
	"github.com/jakekausler/campaign-manager-sub003/internal/logger"
	"github.com/jakekausler/campaign-manager-sub003/internal/store/fixture"
)

func TestNewAdminServer(t *testing.T) {
	t.Parallel()

	log := logger.Discard()
	cacheCfg := &config.CacheConfig{ResultTTL: time.Minute, MaxKeys: 10, SweepInterval: time.Minute, GraphCapacity: 4}
	graphs, err := graphcache.NewManager(log, graphcache.NewBuilder(log, fixture.New()), cacheCfg)
	require.NoError(t, err)
	t.Cleanup(graphs.Close)
	results, err := cache.NewResultCache(cacheCfg)
	require.NoError(t, err)
	t.Cleanup(results.Close)

	newConfig := func(env, hash string) *config.Config {
		return &config.Config{
			App: config.AppConfig{Environment: env},
			Server: config.ServerConfig{Admin: config.AdminConfig{
				Host:           "127.0.0.1",
				Port:           "8081",
				ReadTimeout:    3 * time.Second,
				MaxHeaderBytes: 1024,
				APIKeyHash:     hash,
			}},
		}
	}

	t.Run("Should apply the configured limits", func(t *testing.T) {
		t.Parallel()
		srv, err := newAdminServer(log, newConfig(config.EnvironmentDevelopment, ""), graphs, results)

		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:8081", srv.Addr)
		assert.Equal(t, 3*time.Second, srv.ReadTimeout)
		assert.Equal(t, 1024, srv.MaxHeaderBytes)
		assert.NotNil(t, srv.Handler)
	})

	t.Run("Should require a key hash outside development", func(t *testing.T) {
		t.Parallel()
		_, err := newAdminServer(log, newConfig("staging", ""), graphs, results)

		assert.ErrorContains(t, err, "key hash is required")
	})

	t.Run("Should accept a key hash in staging", func(t *testing.T) {
		t.Parallel()
		hash := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
		_, err := newAdminServer(log, newConfig("staging", hash), graphs, results)

		assert.NoError(t, err)
	})
}
