// Package store implements the persistent key/value store, a
// SQLite-backed table of JSON-valued entries with upsert semantics.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrValidation is returned when a key or value fails validation.
	ErrValidation = errors.New("store: validation failed")
	// ErrClosed is returned when an operation is attempted on a closed store.
	ErrClosed = errors.New("store: closed")
)

// Entry is a single stored record.
type Entry struct {
	Key       string                 `json:"key"`
	Value     map[string]interface{} `json:"value"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Store is a persistent, thread-safe key/value store.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	table  string
	closed bool
}

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_%s_key ON %s(key);
`

// Open creates or opens a SQLite-backed store at path, using table as
// the backing table name. Pass ":memory:" for an ephemeral store.
func Open(path, table string) (*Store, error) {
	if table == "" {
		table = "store"
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: create data dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}

	schema := fmt.Sprintf(schemaTemplate, table, table, table)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	return &Store{db: db, table: table}, nil
}

func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return fn()
}

// Set inserts or updates an entry, preserving created_at across updates.
func (s *Store) Set(ctx context.Context, key string, value map[string]interface{}, metadata map[string]interface{}) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: key must not be empty", ErrValidation)
	}
	if value == nil {
		return fmt.Errorf("%w: value must not be nil", ErrValidation)
	}

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: marshal value: %v", ErrValidation, err)
	}
	var metaJSON []byte
	if metadata != nil {
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("%w: marshal metadata: %v", ErrValidation, err)
		}
	}

	return s.withLock(func() error {
		now := time.Now().UTC().Format(time.RFC3339Nano)

		var createdAt string
		row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT created_at FROM %s WHERE key = ?", s.table), key)
		err := row.Scan(&createdAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, execErr := s.db.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO %s (key, value, created_at, updated_at, metadata) VALUES (?, ?, ?, ?, ?)", s.table),
				key, string(valueJSON), now, now, nullableString(metaJSON))
			if execErr != nil {
				return fmt.Errorf("store: insert: %w", execErr)
			}
			return nil
		case err != nil:
			return fmt.Errorf("store: lookup existing: %w", err)
		default:
			_, execErr := s.db.ExecContext(ctx,
				fmt.Sprintf("UPDATE %s SET value = ?, updated_at = ?, metadata = ? WHERE key = ?", s.table),
				string(valueJSON), now, nullableString(metaJSON), key)
			if execErr != nil {
				return fmt.Errorf("store: update: %w", execErr)
			}
			return nil
		}
	})
}

func nullableString(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

// Get retrieves a single entry by key. A missing key is not an error:
// it returns a nil entry and a nil error.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	var entry *Entry
	err := s.withLock(func() error {
		row := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT key, value, created_at, updated_at, metadata FROM %s WHERE key = ?", s.table), key)
		e, scanErr := scanEntry(row)
		if scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil
			}
			return scanErr
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var key, valueJSON, createdAt, updatedAt string
	var metaJSON sql.NullString
	if err := row.Scan(&key, &valueJSON, &createdAt, &updatedAt, &metaJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan: %w", err)
	}

	entry := &Entry{Key: key}
	if err := json.Unmarshal([]byte(valueJSON), &entry.Value); err != nil {
		return nil, fmt.Errorf("store: unmarshal value: %w", err)
	}
	var err error
	entry.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("store: parse created_at: %w", err)
	}
	entry.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: parse updated_at: %w", err)
	}
	if metaJSON.Valid {
		if err := json.Unmarshal([]byte(metaJSON.String), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("store: unmarshal metadata: %w", err)
		}
	}
	return entry, nil
}

// Delete removes an entry. It is idempotent: deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.withLock(func() error {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ?", s.table), key)
		if err != nil {
			return fmt.Errorf("store: delete: %w", err)
		}
		return nil
	})
}

// ListKeys returns all keys with the given prefix, sorted lexically.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.withLock(func() error {
		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf("SELECT key FROM %s WHERE key LIKE ? ESCAPE '\\' AND substr(key, 1, length(?)) = ? ORDER BY key ASC", s.table),
			escapeLike(prefix)+"%", prefix, prefix)
		if err != nil {
			return fmt.Errorf("store: list keys: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return fmt.Errorf("store: scan key: %w", err)
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer("%", "\\%", "_", "\\_")
	return r.Replace(s)
}

// ListAll returns every entry in the store, ordered by key.
func (s *Store) ListAll(ctx context.Context) ([]*Entry, error) {
	var entries []*Entry
	err := s.withLock(func() error {
		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf("SELECT key, value, created_at, updated_at, metadata FROM %s ORDER BY key ASC", s.table))
		if err != nil {
			return fmt.Errorf("store: list all: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Query returns every entry for which predicate returns true.
func (s *Store) Query(ctx context.Context, predicate func(*Entry) bool) ([]*Entry, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var matched []*Entry
	for _, e := range all {
		if predicate(e) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// Stats summarizes the store's contents.
type Stats struct {
	TotalEntries int    `json:"total_entries"`
	Table        string `json:"table_name"`
	Connected    bool   `json:"database_connected"`
}

// GetStats returns summary counters over the store.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Table: s.table, Connected: true}
	err := s.withLock(func() error {
		row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table))
		return row.Scan(&stats.TotalEntries)
	})
	if err != nil {
		stats.Connected = false
		return stats, fmt.Errorf("store: stats: %w", err)
	}
	return stats, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
