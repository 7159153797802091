package store

import (
	"context"
	"fmt"

	"coursecal/internal/config"
	appLog "coursecal/internal/log"
	"coursecal/internal/store/postgres"
	"coursecal/internal/store/sqlite"
)

// Open builds the configured backend. Migrations run before it returns.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		appLog.Warn("store: using in-memory event_map; state is lost on exit")
		return NewMemory(), nil
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		appLog.Info("store: sqlite ready", "path", cfg.Path)
		return s, nil
	case "postgres":
		s, err := postgres.Open(ctx, postgres.PoolConfig{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
			MaxConnIdleTime: cfg.MaxConnIdleTime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		appLog.Info("store: postgres ready")
		return s, nil
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}
