// File: internal/store/factory.go
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/config"
)

// NewRepository selects the repository from config: PostgreSQL when a DSN is
// set, otherwise the JSON file store. The returned closer releases pool
// resources and is a no-op for the file store.
func NewRepository(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (schemas.Repository, func(), error) {
	if cfg.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		st, err := NewPostgres(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, pool.Close, nil
	}

	fs, err := NewFileStore(cfg.FilePath, logger)
	if err != nil {
		return nil, nil, err
	}
	return fs, func() {}, nil
}
