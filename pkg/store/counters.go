package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CounterIncr adds delta to the named durable counter, creating it at delta
// when absent, and returns the new value.
func (s *Store) CounterIncr(ctx context.Context, name string, delta int64) (int64, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO counters (name, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			value = counters.value + excluded.value,
			updated_at = excluded.updated_at
		RETURNING value`),
		name, delta, time.Now().UnixMilli())

	var value int64
	if err := row.Scan(&value); err != nil {
		return 0, fmt.Errorf("increment counter %q: %w", name, err)
	}
	return value, nil
}

// CounterGet returns the named counter's value, or 0 when it does not exist.
func (s *Store) CounterGet(ctx context.Context, name string) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT value FROM counters WHERE name = ?`), name)

	var value int64
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query counter %q: %w", name, err)
	}
	return value, nil
}
