package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/jakekausler/campaign-manager-sub003/internal/config"
)

// OpenSQLite opens the SQLite file at cfg.SQLitePath with foreign keys and
// WAL enabled. In-memory databases are limited to one connection so every
// query sees the same database.
func OpenSQLite(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	if cfg == nil {
		panic("database: config cannot be nil")
	}

	dsn := cfg.SQLitePath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if cfg.SQLitePath != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if cfg.SQLitePath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := pingWithRetry(ctx, cfg.PingMaxRetries, cfg.PingBackoff, cfg.ConnectTimeout, db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	return db, nil
}
