package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetCache returns a cached payload and the instant it was computed.
func (s *Store) GetCache(ctx context.Context, key string) ([]byte, time.Time, error) {
	var payload string
	var computed int64
	err := s.db.QueryRowContext(ctx, `SELECT payload, computed_at FROM pattern_cache WHERE cache_key = ?`, key).
		Scan(&payload, &computed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, persistErr("get cache", err)
	}
	return []byte(payload), fromUnix(computed), nil
}

// PutCache stores payload under key, stamped with computedAt.
func (s *Store) PutCache(ctx context.Context, key string, payload []byte, computedAt time.Time) error {
	return s.withTx(ctx, "put cache", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pattern_cache (cache_key, payload, computed_at) VALUES (?, ?, ?)
			ON CONFLICT(cache_key) DO UPDATE SET payload = excluded.payload, computed_at = excluded.computed_at
		`, key, string(payload), toUnix(computedAt))
		return persistErr("put cache", err)
	})
}
