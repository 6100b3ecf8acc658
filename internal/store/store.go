// Package store remembers which updates were accepted and what each
// pipeline run replied.
package store

import (
	"context"
	"log/slog"
	"time"

	"ocrbot/internal/domain"
)

// Store is a domain.DeliveryStore with history queries.
type Store interface {
	domain.DeliveryStore
	Recent(ctx context.Context, limit int) ([]domain.ResultRecord, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	Close() error
}

type Config struct {
	Enabled bool
	DBPath  string
	Logger  *slog.Logger
}

// Open returns the SQLite store, or the in-memory store when persistence
// is disabled.
func Open(cfg Config) (Store, error) {
	if !cfg.Enabled {
		cfg.Logger.Info("delivery store disabled, using in-memory dedup")
		return NewMemoryStore(DefaultMemoryCapacity), nil
	}
	return NewSQLiteStore(cfg.DBPath, cfg.Logger)
}
