// Package db wraps pgxpool with the two connection pools the application
// uses: the regular per-tenant pool and the elevated pool that bypasses
// row-level policies.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls pool sizing and lifetimes.
type Config struct {
	DSN             string
	ElevatedDSN     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DB bundles the application's connection pools.
type DB struct {
	Pool *pgxpool.Pool
	// Elevated is used for subject creation during imports and for schema
	// evolution DDL. It equals Pool when no elevated DSN is configured.
	Elevated *pgxpool.Pool
	logger   *slog.Logger
}

// New connects both pools and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := newPool(ctx, cfg, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	elevated := pool
	if cfg.ElevatedDSN != "" && cfg.ElevatedDSN != cfg.DSN {
		elevated, err = newPool(ctx, cfg, cfg.ElevatedDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to connect elevated pool: %w", err)
		}
	}

	logger.Info("database connected",
		slog.Int("max_conns", int(cfg.MaxConns)),
		slog.Bool("elevated_pool", elevated != pool),
	)
	return &DB{Pool: pool, Elevated: elevated, logger: logger}, nil
}

func newPool(ctx context.Context, cfg Config, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	return pool, nil
}

// Close releases both pools.
func (d *DB) Close() {
	if d.Elevated != nil && d.Elevated != d.Pool {
		d.Elevated.Close()
	}
	if d.Pool != nil {
		d.Pool.Close()
	}
	d.logger.Info("database pools closed")
}
