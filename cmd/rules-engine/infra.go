package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jakekausler/campaign-manager-sub003/internal/config"
	"github.com/jakekausler/campaign-manager-sub003/internal/database"
	"github.com/jakekausler/campaign-manager-sub003/internal/observability"
	"github.com/jakekausler/campaign-manager-sub003/internal/pubsub"
	"github.com/jakekausler/campaign-manager-sub003/internal/store"
	"github.com/jakekausler/campaign-manager-sub003/internal/store/sqlite"
)

// definitions is the opened definitions datastore together with its
// readiness checker and the function releasing it.
type definitions struct {
	repo    store.DefinitionRepository
	checker observability.Checker
	close   func()
}

// openDefinitions connects to the datastore selected by the DB driver.
// The Postgres pool monitor runs until ctx is cancelled.
func openDefinitions(ctx context.Context, log *slog.Logger, cfg *config.Config) (*definitions, error) {
	switch cfg.Database.Driver {
	case config.DatabaseDriverSQLite:
		db, err := database.OpenSQLite(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		repo := sqlite.New(db)
		if err := repo.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate sqlite: %w", err)
		}
		log.Info("definitions datastore ready", slog.String("driver", cfg.Database.Driver), slog.String("path", cfg.Database.SQLitePath))
		return &definitions{
			repo:    repo,
			checker: database.NewSQLiteHealthChecker(db),
			close:   func() { _ = db.Close() },
		}, nil

	default:
		pool, err := database.NewPostgresPool(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		go database.RunPoolMonitor(ctx, pool, cfg.Database.MonitorInterval)
		log.Info("definitions datastore ready", slog.String("driver", cfg.Database.Driver), slog.String("host", cfg.Database.Host))
		return &definitions{
			repo:    store.NewPostgresStore(pool),
			checker: database.NewHealthChecker(pool),
			close:   pool.Close,
		}, nil
	}
}

// changeFeed is the connected pub/sub source of definition changes.
type changeFeed struct {
	source  pubsub.Source
	checker observability.Checker
	close   func()
}

// openChangeFeed connects to the broker selected by the pub/sub driver.
func openChangeFeed(ctx context.Context, log *slog.Logger, cfg *config.Config) (*changeFeed, error) {
	switch cfg.PubSub.Driver {
	case config.PubSubDriverMQTT:
		m := pubsub.NewMQTT(log, &cfg.MQTT, cfg.PubSub.ChannelPrefix)
		if err := m.Connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to mqtt: %w", err)
		}
		return &changeFeed{source: m, checker: m, close: m.Close}, nil

	default:
		client, err := pubsub.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return &changeFeed{
			source:  pubsub.NewRedis(client, cfg.PubSub.ChannelPrefix),
			checker: pubsub.NewRedisHealthChecker(client),
			close:   func() { _ = client.Close() },
		}, nil
	}
}
