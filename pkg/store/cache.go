package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CacheRow is one persisted L2 cache entry. Timestamps are epoch
// milliseconds; TTL is the absolute expiry instant (epoch ms).
type CacheRow struct {
	Key          string
	Value        []byte
	Size         int64
	TTL          int64
	CreatedAt    int64
	LastAccessed int64
	HitCount     int64
	Namespace    string
	Compressed   bool
}

// Expired reports whether the row is past its expiry at the given instant.
func (r *CacheRow) Expired(now time.Time) bool {
	return r.TTL > 0 && now.UnixMilli() >= r.TTL
}

const cacheColumns = "key, value, size, ttl, created_at, last_accessed, hit_count, namespace, compressed"

// CacheGet returns the row for key, or nil when absent.
func (s *Store) CacheGet(ctx context.Context, key string) (*CacheRow, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+cacheColumns+` FROM cache_entries WHERE key = ?`), key)

	var r CacheRow
	var compressed int
	err := row.Scan(&r.Key, &r.Value, &r.Size, &r.TTL, &r.CreatedAt,
		&r.LastAccessed, &r.HitCount, &r.Namespace, &compressed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cache entry: %w", err)
	}
	r.Compressed = compressed != 0
	return &r, nil
}

// CacheSet upserts a row.
func (s *Store) CacheSet(ctx context.Context, r *CacheRow) error {
	compressed := 0
	if r.Compressed {
		compressed = 1
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO cache_entries (`+cacheColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			size = excluded.size,
			ttl = excluded.ttl,
			created_at = excluded.created_at,
			last_accessed = excluded.last_accessed,
			hit_count = excluded.hit_count,
			namespace = excluded.namespace,
			compressed = excluded.compressed`),
		r.Key, r.Value, r.Size, r.TTL, r.CreatedAt,
		r.LastAccessed, r.HitCount, r.Namespace, compressed)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// CacheTouch records an access: bumps hit_count and last_accessed.
func (s *Store) CacheTouch(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE cache_entries SET hit_count = hit_count + 1, last_accessed = ? WHERE key = ?`),
		at.UnixMilli(), key)
	if err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	return nil
}

// CacheDelete removes a row. Missing keys are not an error.
func (s *Store) CacheDelete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM cache_entries WHERE key = ?`), key)
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// CacheClear removes every row in the namespace; an empty namespace clears
// the whole table.
func (s *Store) CacheClear(ctx context.Context, namespace string) error {
	var err error
	if namespace == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	} else {
		_, err = s.db.ExecContext(ctx,
			s.rebind(`DELETE FROM cache_entries WHERE namespace = ?`), namespace)
	}
	if err != nil {
		return fmt.Errorf("clear cache entries: %w", err)
	}
	return nil
}

// CacheSweepExpired deletes rows whose TTL has passed, returning the count.
func (s *Store) CacheSweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM cache_entries WHERE ttl > 0 AND ttl <= ?`), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep expired cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// CacheStats returns the entry count and total stored bytes.
func (s *Store) CacheStats(ctx context.Context) (entries int64, bytes int64, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_entries`)
	if err := row.Scan(&entries, &bytes); err != nil {
		return 0, 0, fmt.Errorf("query cache stats: %w", err)
	}
	return entries, bytes, nil
}
