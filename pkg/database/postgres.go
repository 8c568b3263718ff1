// Package database bootstraps the shared Postgres connection pool. All
// tenant scoping happens above this layer (internal/store); this package
// only owns pool sizing and liveness at boot.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/config"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
)

// PostgresConn represents a PostgreSQL database connection pool
type PostgresConn = *sql.DB

// ErrNoRows is returned when a query returns no rows
var ErrNoRows = sql.ErrNoRows

const connectTimeout = 10 * time.Second

// Config holds database pool configuration
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns pool settings, overridable through DB_MAX_OPEN_CONNS,
// DB_MAX_IDLE_CONNS, and DB_CONN_MAX_LIFETIME. The DSN is left for the
// caller; every binary requires DB_DSN explicitly at boot.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    config.GetEnvInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    config.GetEnvInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: config.GetEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Connect opens the pool, applies sizing, and verifies liveness with a
// bounded ping so a down database fails the boot instead of the first query.
func Connect(cfg Config, logger logging.Logger) (PostgresConn, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.WithFields(logging.Fields{
		"max_open_conns":    cfg.MaxOpenConns,
		"max_idle_conns":    cfg.MaxIdleConns,
		"conn_max_lifetime": cfg.ConnMaxLifetime,
	}).Info("Database connected")

	return db, nil
}

// MustConnect is like Connect but exits the process on error
func MustConnect(cfg Config, logger logging.Logger) PostgresConn {
	db, err := Connect(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	return db
}
