// Package kv provides the ordered key-value primitive underneath the
// durable state store. Keys are flat strings namespaced by the caller;
// List returns entries in first-insertion order, and overwriting a key
// keeps its original position.
//
// The same schema runs on three database/sql backends: mattn/go-sqlite3
// ("sqlite3"), modernc.org/sqlite ("sqlite", no cgo), and lib/pq
// ("postgres").
package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Entry is one stored key/value pair.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a key-value store over database/sql. All methods are safe
// for concurrent use.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

type dialect struct {
	driver     string
	schema     string
	positional bool // $1-style placeholders
	retryBusy  bool
}

var dialects = map[string]dialect{
	"sqlite3": {driver: "sqlite3", schema: sqliteSchema, retryBusy: true},
	"sqlite":  {driver: "sqlite", schema: sqliteSchema, retryBusy: true},
	"postgres": {
		driver:     "postgres",
		schema:     postgresSchema,
		positional: true,
	},
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	key        TEXT NOT NULL UNIQUE,
	value      BLOB NOT NULL,
	updated_at TEXT NOT NULL
)`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kv (
	seq        BIGSERIAL PRIMARY KEY,
	key        TEXT NOT NULL UNIQUE,
	value      BYTEA NOT NULL,
	updated_at TEXT NOT NULL
)`

// Open connects to the database for driver and prepares the schema.
// For the SQLite drivers dsn is a file path; the parent directory is
// created and WAL, busy-timeout, and foreign-key pragmas are applied.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	if d.retryBusy {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
		dsn = sqliteDSN(driver, dsn)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if d.retryBusy {
		// One writer at a time; WAL lets readers proceed.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	s, err := New(ctx, db, driver, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing *sql.DB and runs the schema migration.
func New(ctx context.Context, db *sql.DB, driver string, logger *slog.Logger) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{db: db, dialect: d, logger: logger}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func sqliteDSN(driver, path string) string {
	if driver == "sqlite" {
		return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return s.dialect.driver
}

// Put stores value under key. An existing key is overwritten in place
// and keeps its insertion position.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	q := s.rebind(`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	err := s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q, key, value, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get returns the value for key. ok is false when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM kv WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// List returns every entry whose key starts with prefix, in insertion
// order. The result is non-nil even when empty.
func (s *Store) List(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT key, value FROM kv WHERE substr(key, 1, ?) = ? ORDER BY seq`),
		utf8.RuneCountInString(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Keys returns the keys under prefix in insertion order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY seq`),
		utf8.RuneCountInString(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", prefix, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Delete removes keys in a single transaction. Missing keys are not an
// error. Either every key is removed or none is.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := s.retry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // no-op after commit

		stmt, err := tx.PrepareContext(ctx, s.rebind(`DELETE FROM kv WHERE key = ?`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, k := range keys {
			if _, err := stmt.ExecContext(ctx, k); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("delete %d keys: %w", len(keys), err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for positional dialects.
func (s *Store) rebind(q string) string {
	if !s.dialect.positional {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
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

const (
	busyRetries   = 5
	busyBaseDelay = 50 * time.Millisecond
	busyMaxDelay  = 500 * time.Millisecond
)

// retry reruns f while SQLite reports BUSY or LOCKED, backing off
// exponentially with jitter on top of the driver's busy timeout.
func (s *Store) retry(ctx context.Context, f func() error) error {
	if !s.dialect.retryBusy {
		return f()
	}
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if err = f(); err == nil || !isBusy(err) || attempt == busyRetries {
			return err
		}

		delay := busyBaseDelay << uint(attempt)
		if delay > busyMaxDelay {
			delay = busyMaxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		s.logger.Debug("sqlite busy, retrying", "attempt", attempt+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isBusy matches SQLITE_BUSY (5) and SQLITE_LOCKED (6) by message so
// that both drivers are covered without importing their error types.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
