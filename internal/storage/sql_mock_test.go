package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// newMockStore wraps a sqlmock-backed *sql.DB as a sqlStore under the
// Postgres dialect, so tests here can assert on rebound "$1"-style
// placeholders without standing up a real Postgres connection.
func newMockStore(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &sqlStore{db: db, dialect: dialectPostgres}, mock
}

func TestSetModuleEnabled_RebindsPlaceholdersForPostgres(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE modules SET enabled = \$1 WHERE name = \$2`).
		WithArgs(true, "search").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SetModuleEnabled(context.Background(), "search", true); err != nil {
		t.Fatalf("SetModuleEnabled: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSetModuleEnabled_NoRowsIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE modules SET enabled = \$1 WHERE name = \$2`).
		WithArgs(false, "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SetModuleEnabled(context.Background(), "missing", false)
	if err == nil {
		t.Fatal("expected error for unaffected row")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
