package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthChecker reports PostgreSQL reachability to the readiness probe.
type HealthChecker struct {
	pool *pgxpool.Pool
}

// NewHealthChecker creates a health checker for the given connection pool.
func NewHealthChecker(pool *pgxpool.Pool) *HealthChecker {
	return &HealthChecker{pool: pool}
}

// Name returns the component name reported by the readiness probe.
func (h *HealthChecker) Name() string {
	return "postgres"
}

// Check pings the pool. A nil pool is reported as unhealthy rather than
// panicking.
func (h *HealthChecker) Check(ctx context.Context) error {
	if h.pool == nil {
		return fmt.Errorf("database connection is nil")
	}
	return h.pool.Ping(ctx)
}

// SQLiteHealthChecker reports SQLite availability to the readiness probe.
type SQLiteHealthChecker struct {
	db *sql.DB
}

// NewSQLiteHealthChecker creates a health checker for the given SQLite handle.
func NewSQLiteHealthChecker(db *sql.DB) *SQLiteHealthChecker {
	return &SQLiteHealthChecker{db: db}
}

// Name returns the component name reported by the readiness probe.
func (h *SQLiteHealthChecker) Name() string {
	return "sqlite"
}

// Check verifies the database file is still reachable using PingContext.
func (h *SQLiteHealthChecker) Check(ctx context.Context) error {
	if h.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return h.db.PingContext(ctx)
}
