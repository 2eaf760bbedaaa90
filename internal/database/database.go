package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Schema is the tracking table. One row per stored file, unique on location.
const Schema = `
CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	scope TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	filename TEXT NOT NULL,
	size BIGINT NOT NULL,
	content_type TEXT NOT NULL,
	pages INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, scope, owner_id, filename)
);
CREATE INDEX IF NOT EXISTS idx_files_tenant ON files(tenant_id);`

// EnsureSchema creates the files table if needed.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
