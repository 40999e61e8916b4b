package storage

import (
	"context"
	"database/sql"
	"fmt"

	// Registers the "sqlite3" database/sql driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/nexuscore/agentengine/internal/observability"
)

// SQLiteStore is the primary single-process Durable Store backend.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (creating if needed) a sqlite database at path and
// runs schema migrations. path may be ":memory:" for tests.
func NewSQLiteStore(ctx context.Context, path string, log *observability.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite only supports one writer at a time regardless of Go-level
	// pooling; keep one connection so WAL mode behaves predictably under
	// our own write mutex.
	db.SetMaxOpenConns(1)

	core := &sqlStore{db: db, dialect: dialectSQLite, log: log}
	if err := core.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return &SQLiteStore{sqlStore: core}, nil
}

var _ Store = (*SQLiteStore)(nil)
