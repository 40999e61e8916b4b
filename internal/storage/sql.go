package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/nexuscore/agentengine/internal/observability"
)

// dialect distinguishes the two SQL backends this package supports. The
// query text is written once per statement and rebound per dialect: sqlite
// uses "?" placeholders natively, Postgres needs "$1", "$2", ...
type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
)

// sqlStore is the shared single-writer/many-reader implementation backing
// both SQLiteStore and PostgresStore. All mutating statements funnel through
// writeMu so the store honors "single-writer, many-reader"; reads use the
// pool unrestricted. Long transactions are avoided: every write is one
// bounded statement or a short explicit transaction.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	writeMu sync.Mutex
	log     *observability.Logger
}

// rebind rewrites "?" placeholders to "$1".."$N" for the Postgres dialect.
func (s *sqlStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// exec runs a mutating statement under the write lock.
func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

// withTx runs fn inside a short write-locked transaction.
func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// query runs a read-only query; reads are not serialized.
func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) Close() error { return s.db.Close() }
