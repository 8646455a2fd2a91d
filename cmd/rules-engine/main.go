// Package main runs the rules engine service.
//
// It is the composition root: the definitions datastore, the graph and
// result caches, the evaluation orchestrator and every server and
// background worker are built and wired here.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jakekausler/campaign-manager-sub003/internal/adminapi"
	"github.com/jakekausler/campaign-manager-sub003/internal/cache"
	"github.com/jakekausler/campaign-manager-sub003/internal/config"
	"github.com/jakekausler/campaign-manager-sub003/internal/evalapi"
	"github.com/jakekausler/campaign-manager-sub003/internal/evaluation"
	"github.com/jakekausler/campaign-manager-sub003/internal/graphcache"
	"github.com/jakekausler/campaign-manager-sub003/internal/invalidation"
	"github.com/jakekausler/campaign-manager-sub003/internal/logger"
	"github.com/jakekausler/campaign-manager-sub003/internal/observability"
	"github.com/jakekausler/campaign-manager-sub003/internal/telemetry"
	"github.com/jakekausler/campaign-manager-sub003/internal/warmer"
)

func main() {
	if err := run(); err != nil {
		log.Printf("Fatal error: %v", err)
		os.Exit(1)
	}
}

// run executes the service lifecycle.
func run() error {
	// -------------------------------------------------------------------------
	// 1. Configuration
	// -------------------------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	appLog := logger.New(&cfg.App)
	slog.SetDefault(appLog)
	cfg.LogConfig(appLog)

	// Cancelled on shutdown; stops every background loop.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.App, &cfg.Telemetry)
	if err != nil {
		return err
	}

	// -------------------------------------------------------------------------
	// 2. Infrastructure Setup
	// -------------------------------------------------------------------------
	defs, err := openDefinitions(ctx, appLog, cfg)
	if err != nil {
		return err
	}
	defer defs.close()

	checkers := []observability.Checker{defs.checker}

	var feed *changeFeed
	if cfg.Invalidation.Enabled {
		feed, err = openChangeFeed(ctx, appLog, cfg)
		if err != nil {
			return err
		}
		defer feed.close()
		checkers = append(checkers, feed.checker)
	}

	// -------------------------------------------------------------------------
	// 3. Wiring (Dependency Injection)
	// -------------------------------------------------------------------------
	graphs, err := graphcache.NewManager(appLog, graphcache.NewBuilder(appLog, defs.repo), &cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to create graph cache: %w", err)
	}
	defer graphs.Close()

	results, err := cache.NewResultCache(&cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to create result cache: %w", err)
	}
	defer results.Close()

	orchestrator, err := evaluation.New(appLog, defs.repo, graphs, results, &cfg.Evaluation)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer orchestrator.Close()

	var adminServer *http.Server
	if cfg.Server.Admin.Enabled {
		adminServer, err = newAdminServer(appLog, cfg, graphs, results)
		if err != nil {
			return err
		}
	}

	errChan := make(chan error, 4)

	go results.Run(ctx, appLog, cfg.Cache.SweepInterval)

	var subscriber *invalidation.Subscriber
	if feed != nil {
		subscriber = invalidation.New(appLog, feed.source, graphs, results, &cfg.Invalidation)
		go func() {
			if err := subscriber.Run(ctx); err != nil {
				errChan <- fmt.Errorf("invalidation subscriber: %w", err)
			}
		}()
	}

	if cfg.Warmer.Enabled {
		w := warmer.New(appLog, cfg.Warmer, defs.repo, graphs)
		go func() {
			if err := w.Run(ctx); err != nil {
				errChan <- fmt.Errorf("graph warmer: %w", err)
			}
		}()
	}

	// -------------------------------------------------------------------------
	// 4. Servers
	// -------------------------------------------------------------------------
	obsServer := observability.NewServer(appLog, &cfg.Observability, checkers...)
	obsServer.Start()

	rpcServer := evalapi.NewServer(appLog, &cfg.Server.RPC, evalapi.NewAPI(orchestrator, graphs, results))
	go func() {
		if err := rpcServer.Listen(); err != nil {
			errChan <- err
		}
	}()
	rpcServer.SetServing(true)

	if adminServer != nil {
		go func() {
			appLog.Info("admin API listening", slog.String("addr", adminServer.Addr), slog.Bool("tls", cfg.Server.Admin.TLSEnabled))
			var err error
			if cfg.Server.Admin.TLSEnabled {
				err = adminServer.ListenAndServeTLS(cfg.Server.Admin.TLSCert, cfg.Server.Admin.TLSKey)
			} else {
				err = adminServer.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("failed to serve admin API: %w", err)
			}
		}()
	}

	// -------------------------------------------------------------------------
	// 5. Graceful Shutdown
	// -------------------------------------------------------------------------
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-errChan:
		appLog.Error("component failed, shutting down", slog.String("error", runErr.Error()))
	case sig := <-sigChan:
		appLog.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	// Fail readiness first so load balancers drain us.
	rpcServer.SetServing(false)

	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			appLog.Error("admin API shutdown failed", slog.String("error", err.Error()))
		}
	}

	stopped := make(chan struct{})
	go func() {
		rpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		appLog.Warn("gRPC graceful stop timed out, forcing")
		rpcServer.Stop()
	}

	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		appLog.Error("observability server shutdown failed", slog.String("error", err.Error()))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		appLog.Error("tracer shutdown failed", slog.String("error", err.Error()))
	}

	appLog.Info("service exited")
	return runErr
}

// newAdminServer builds the admin HTTP server. Authentication is only
// skipped in development when no key hash is configured.
func newAdminServer(log *slog.Logger, cfg *config.Config, graphs adminapi.GraphService, results adminapi.ResultCache) (*http.Server, error) {
	admin := cfg.Server.Admin
	skipAuth := admin.APIKeyHash == ""
	if skipAuth {
		if cfg.App.Environment != config.EnvironmentDevelopment {
			return nil, fmt.Errorf("admin API key hash is required outside development")
		}
		log.Warn("admin API authentication disabled")
	}

	api := adminapi.NewAPIWithConfig(log, graphs, results, admin.APIKeyHash, skipAuth)
	return &http.Server{
		Addr:              admin.Address(),
		Handler:           api.Router,
		ReadTimeout:       admin.ReadTimeout,
		WriteTimeout:      admin.WriteTimeout,
		ReadHeaderTimeout: admin.ReadHeaderTimeout,
		IdleTimeout:       admin.IdleTimeout,
		MaxHeaderBytes:    admin.MaxHeaderBytes,
	}, nil
}
