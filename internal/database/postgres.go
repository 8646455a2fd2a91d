// Package database opens the definitions datastore connections: a pgx pool
// for PostgreSQL and a database/sql handle for SQLite.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jakekausler/campaign-manager-sub003/internal/config"
	"github.com/jakekausler/campaign-manager-sub003/internal/observability"
)

// NewPostgresPool creates a pool from cfg and pings it, retrying with
// exponential backoff up to cfg.PingMaxRetries times.
func NewPostgresPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		panic("database: config cannot be nil")
	}

	// 1. Parse and tune
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	// 2. Create (lazy, does not dial)
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// 3. Ping until the server answers
	if err := pingWithRetry(ctx, cfg.PingMaxRetries, cfg.PingBackoff, cfg.ConnectTimeout, pool.Ping); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// pingWithRetry calls ping until it succeeds or maxTries is reached. Each
// attempt is bounded by attemptTimeout when positive.
func pingWithRetry(ctx context.Context, maxTries int, initial, attemptTimeout time.Duration, ping func(context.Context) error) error {
	if maxTries < 1 {
		maxTries = 1
	}
	b := backoff.NewExponentialBackOff()
	if initial > 0 {
		b.InitialInterval = initial
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		pingCtx := ctx
		if attemptTimeout > 0 {
			var cancel context.CancelFunc
			pingCtx, cancel = context.WithTimeout(ctx, attemptTimeout)
			defer cancel()
		}
		if err := ping(pingCtx); err != nil {
			slog.Default().Warn("database ping failed",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", maxTries),
				slog.String("error", err.Error()),
			)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxTries)))
	return err
}

// RunPoolMonitor samples pool statistics into the database metrics every
// interval until ctx is cancelled. Cumulative pgx counters are exported as
// deltas so restarts of the monitor never double count.
func RunPoolMonitor(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	if pool == nil {
		panic("database: pool cannot be nil")
	}

	var last poolCounters
	sample := func() {
		stat := pool.Stat()
		observability.DBPoolConnections.WithLabelValues("max").Set(float64(stat.MaxConns()))
		observability.DBPoolConnections.WithLabelValues("total").Set(float64(stat.TotalConns()))
		observability.DBPoolConnections.WithLabelValues("idle").Set(float64(stat.IdleConns()))
		observability.DBPoolConnections.WithLabelValues("in_use").Set(float64(stat.AcquiredConns()))

		current := poolCounters{
			acquires:      stat.AcquireCount(),
			emptyAcquires: stat.EmptyAcquireCount(),
			acquireTime:   stat.AcquireDuration(),
		}
		last.exportDelta(current)
		last = current
	}

	sample()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}

type poolCounters struct {
	acquires      int64
	emptyAcquires int64
	acquireTime   time.Duration
}

func (p poolCounters) exportDelta(current poolCounters) {
	if d := current.acquires - p.acquires; d > 0 {
		observability.DBPoolAcquireCount.Add(float64(d))
	}
	if d := current.emptyAcquires - p.emptyAcquires; d > 0 {
		observability.DBPoolEmptyAcquire.Add(float64(d))
	}
	if d := current.acquireTime - p.acquireTime; d > 0 {
		observability.DBPoolAcquireDuration.Add(d.Seconds())
	}
}
