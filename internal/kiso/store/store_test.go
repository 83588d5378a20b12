package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "kiso.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestNewRunsMigrationsIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiso.db")
	st, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st.Close()

	st2, err := New(path)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	defer st2.Close()

	var version int
	if err := st2.DB().QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version == 0 {
		t.Fatal("expected at least one migration to have been recorded")
	}
}

func TestGetSessionMissingReturnsErrNoRows(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetSession("ghost")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}
