// Package store is the durable SQLite layer for telemetry, the optimization
// ledger and its backups.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrTerminal is returned when a transition is attempted out of a
	// confirmed or rolled_back record.
	ErrTerminal = errors.New("store: record is terminal")
	// ErrInvalidTransition is returned for a lifecycle step that is not allowed.
	ErrInvalidTransition = errors.New("store: invalid transition")
	// ErrTargetInFlight is returned when a target already has a non-terminal record.
	ErrTargetInFlight = errors.New("store: target has an in-flight optimization")
	// ErrStaleState is returned when a record changed state concurrently.
	ErrStaleState = errors.New("store: record state changed concurrently")
)

// PersistenceError wraps a failed read or write of the durable store. A
// cycle that observes one must stop before mutating anything further.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// Store owns the SQLite handle. Every write it performs is one transaction.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and applies pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s, err := OpenDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenDB wraps an already opened database handle and migrates it.
func OpenDB(db *sql.DB) (*Store, error) {
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping store db: %w", err)
	}
	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrations sub-fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetClock overrides the wall clock used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return persistErr(op, err)
	}
	return nil
}

// GetSetting reads a setting value. Returns ErrNotFound when absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", persistErr("get setting", err)
	}
	return val, nil
}

// SetSetting persists a setting value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	return s.withTx(ctx, "set setting", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, value, toUnix(s.now()))
		return persistErr("set setting", err)
	})
}

func toUnix(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnix(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func encodeContext(v any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return "{}"
	}
	return string(data)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
