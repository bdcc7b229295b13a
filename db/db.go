// Package db implements the archive store: durable persistence of
// messages, threads, attachments and per-list metadata on PostgreSQL.
// The store is the source of truth; the search index is a projection
// kept consistent by the index synchronizer.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ietf-svn-conversion/mailarch/config"
	"github.com/ietf-svn-conversion/mailarch/logger"
)

//go:embed schema.sql
var schema string

type Database struct {
	WritePool *pgxpool.Pool
	ReadPool  *pgxpool.Pool

	queryTimeout time.Duration
	writeTimeout time.Duration
}

// NewDatabase opens a connection pool from configuration and applies the
// embedded schema.
func NewDatabase(ctx context.Context, cfg *config.DatabaseConfig) (*Database, error) {
	sslMode := "disable"
	if cfg.TLSMode {
		sslMode = "require"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, port, cfg.Name, sslMode)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.LogQueries {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	queryTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		pool.Close()
		return nil, err
	}
	writeTimeout, err := cfg.GetWriteTimeout()
	if err != nil {
		pool.Close()
		return nil, err
	}

	db := &Database{
		WritePool:    pool,
		ReadPool:     pool,
		queryTimeout: queryTimeout,
		writeTimeout: writeTimeout,
	}

	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	logger.Info("DB: connected", "host", cfg.Host, "database", cfg.Name)
	return db, nil
}

func (db *Database) migrate(ctx context.Context) error {
	_, err := db.WritePool.Exec(ctx, schema)
	return err
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

// Ping verifies connectivity, used by the health endpoint.
func (db *Database) Ping(ctx context.Context) error {
	return db.ReadPool.Ping(ctx)
}

// readCtx applies the configured query timeout for read operations.
func (db *Database) readCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.queryTimeout)
}

// writeCtx applies the configured write timeout.
func (db *Database) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.writeTimeout)
}
