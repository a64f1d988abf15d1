package storage

import (
	"context"
	"fmt"

	"github.com/officepro/historydb/internal/config"
)

// Open builds the gateway selected by cfg, wrapped with read retries.
func Open(ctx context.Context, cfg *config.Config) (Gateway, error) {
	var gw Gateway
	switch cfg.StorageDriver {
	case config.StorageSQLite:
		store, err := NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		gw = store
	case config.StoragePostgres:
		store, err := NewPostgresStore(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		gw = store
	case config.StorageMemory:
		gw = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	return WithRetry(gw, RetryPolicy{
		Retries: cfg.ReadRetries,
		Backoff: cfg.RetryBackoff,
	}), nil
}
