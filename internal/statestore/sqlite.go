package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/mattn/go-sqlite3"
)

// schema holds one row per (kind, id). The data column is a JSON document;
// updated_at exists for operator inspection only.
const schema = `
CREATE TABLE IF NOT EXISTS sync_state (
	kind       TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (kind, id)
);
`

// SQLiteStore persists sync state in a single sqlite database. SQLite's
// database write lock is the store's concurrency control: Upsert runs its
// read-modify-write inside a transaction and retries busy errors, so there is
// a single writer per key.
type SQLiteStore struct {
	db        *sql.DB
	namespace string
}

// OpenSQLite opens (creating if needed) the state database at path.
// The namespace prefixes every kind, allowing multi-environment coexistence
// in one file.
func OpenSQLite(path, namespace string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init state schema: %w", err)
	}
	return &SQLiteStore{db: db, namespace: namespace}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) key(kind Kind) string {
	if s.namespace == "" {
		return string(kind)
	}
	return s.namespace + "/" + string(kind)
}

// Get returns the record for (kind, id), or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM sync_state WHERE kind = ? AND id = ?`, s.key(kind), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", kind, id, err)
	}
	return []byte(data), nil
}

// Upsert applies mutate inside a transaction. Transient sqlite busy errors
// are retried with exponential backoff; mutate errors abort without retry.
func (s *SQLiteStore) Upsert(ctx context.Context, kind Kind, id string, mutate func(cur []byte) ([]byte, error)) ([]byte, error) {
	var stored []byte

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second

	op := func() error {
		err := s.upsertOnce(ctx, kind, id, mutate, &stored)
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *SQLiteStore) upsertOnce(ctx context.Context, kind Kind, id string, mutate func(cur []byte) ([]byte, error), stored *[]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert %s/%s: %w", kind, id, err)
	}
	defer func() { _ = tx.Rollback() }()

	var cur []byte
	var data string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM sync_state WHERE kind = ? AND id = ?`, s.key(kind), id).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		cur = nil
	case err != nil:
		return fmt.Errorf("read %s/%s: %w", kind, id, err)
	default:
		cur = []byte(data)
	}

	next, err := mutate(cur)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("mutate %s/%s: %w", kind, id, err))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_state (kind, id, data, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (kind, id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		s.key(kind), id, string(next))
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", kind, id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s/%s: %w", kind, id, err)
	}
	*stored = next
	return nil
}

// List returns all records of a kind keyed by id.
func (s *SQLiteStore) List(ctx context.Context, kind Kind) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM sync_state WHERE kind = ?`, s.key(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", kind, err)
		}
		out[id] = []byte(data)
	}
	return out, rows.Err()
}

// isBusy matches sqlite's lock contention errors without importing the
// driver's error types (which require cgo-specific constants).
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
