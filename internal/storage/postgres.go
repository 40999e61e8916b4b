package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Registers the "postgres" database/sql driver.
	_ "github.com/lib/pq"

	"github.com/nexuscore/agentengine/internal/observability"
)

// PostgresConfig tunes the connection pool for the Postgres-backed Store,
// used in deployments that want the Durable Store reachable from a
// separate process than the dispatcher. It remains a single logical
// writer, serialized in Go.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 20
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	return c
}

// PostgresStore is the alternate Durable Store backend for multi-reader
// deployments: the same database/sql-based sqlStore core as SQLiteStore,
// driven by lib/pq, with Postgres placeholder rebinding instead of SQLite's
// native "?".
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore opens a Postgres-backed Store from a DSN and runs schema migrations.
func NewPostgresStore(ctx context.Context, dsn string, cfg PostgresConfig, log *observability.Logger) (*PostgresStore, error) {
	cfg = cfg.withDefaults()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	core := &sqlStore{db: db, dialect: dialectPostgres, log: log}
	if err := core.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate postgres schema: %w", err)
	}
	return &PostgresStore{sqlStore: core}, nil
}

var _ Store = (*PostgresStore)(nil)
