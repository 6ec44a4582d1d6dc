package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// openPostgresStore spins up a disposable PostgreSQL container and opens the
// store against it. Skipped in -short runs.
func openPostgresStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("maestro"),
		postgres.WithUsername("maestro"),
		postgres.WithPassword("maestro"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresRoundTrip(t *testing.T) {
	s := openPostgresStore(t)
	ctx := context.Background()
	now := time.Now()

	assert.Equal(t, DialectPostgres, s.Dialect())

	row := &CacheRow{
		Key:          "resp:pg",
		Value:        []byte("payload"),
		Size:         7,
		TTL:          now.Add(time.Hour).UnixMilli(),
		CreatedAt:    now.UnixMilli(),
		LastAccessed: now.UnixMilli(),
		Namespace:    "responses",
	}
	require.NoError(t, s.CacheSet(ctx, row))
	require.NoError(t, s.CacheSet(ctx, row)) // upsert path

	got, err := s.CacheGet(ctx, "resp:pg")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("payload"), got.Value)

	require.NoError(t, s.CacheTouch(ctx, "resp:pg", now.Add(time.Minute)))

	v, err := s.CounterIncr(ctx, "pg_counter", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	n, err := s.CacheSweepExpired(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
