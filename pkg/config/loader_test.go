package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/models"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestInitializeDefaultsWithoutFiles(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Executor.MaxWorkers)
	assert.Equal(t, 64, cfg.Executor.MaxConcurrency)
	assert.Equal(t, 100*time.Millisecond, cfg.Executor.SpawnTimeout)
	assert.Equal(t, 75*time.Millisecond, cfg.Router.Target)
	assert.Equal(t, 1000, cfg.Router.CacheLimit)
	assert.Equal(t, EvictionAdaptive, cfg.Cache.EvictionPolicy)
	assert.True(t, cfg.Cache.PersistToDisk)
	assert.Equal(t, time.Hour, cfg.Cache.DefaultTTL)
	assert.Equal(t, 0.3, cfg.Reputation.QuarantineThreshold)
	assert.NotEmpty(t, cfg.Models)
}

func TestInitializeDefaultTierLimits(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, TierLimit{Min: 1, Max: 2}, cfg.Pool.Limits(models.TierFree))
	assert.Equal(t, TierLimit{Min: 2, Max: 10}, cfg.Pool.Limits(models.TierPro))
	assert.Equal(t, TierLimit{Min: 5, Max: 50}, cfg.Pool.Limits(models.TierEnterprise))

	// Unknown tiers fall back to free limits.
	assert.Equal(t, TierLimit{Min: 1, Max: 2}, cfg.Pool.Limits(models.UserTier("trial")))
}

func TestInitializeMergesUserOverDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "maestro.yaml", `
executor:
  max_workers: 16
  max_concurrency: 128
router:
  target: 50ms
cache:
  eviction_policy: lru
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Executor.MaxWorkers)
	assert.Equal(t, 128, cfg.Executor.MaxConcurrency)
	// Unset fields keep defaults.
	assert.Equal(t, 3, cfg.Executor.RetryAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Router.Target)
	assert.Equal(t, EvictionLRU, cfg.Cache.EvictionPolicy)
	assert.Equal(t, time.Hour, cfg.Cache.DefaultTTL)
}

func TestInitializeLoadsModelRegistry(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "models.yaml", `
models:
  - name: flash-test
    min_tier: free
    avg_latency_ms: 300
    cost_per_token: 0.0000005
    capabilities: [text, code]
    available: true
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	require.Len(t, cfg.Models, 1)
	assert.Equal(t, "flash-test", cfg.Models[0].Name)
	assert.Equal(t, models.TierFree, cfg.Models[0].MinTier)
	assert.True(t, cfg.Models[0].HasCapability("code"))
}

func TestInitializeExpandsEnvVars(t *testing.T) {
	t.Setenv("MAESTRO_TEST_DSN", "postgres://maestro:secret@db:5432/maestro")

	dir := t.TempDir()
	writeConfig(t, dir, "maestro.yaml", `
store:
  dsn: "{{.MAESTRO_TEST_DSN}}"
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "postgres://maestro:secret@db:5432/maestro", cfg.Store.DSN)
}

func TestExpandEnvPassthrough(t *testing.T) {
	// Literal dollar signs are not expansion syntax and survive untouched.
	plain := []byte("pattern: \"^secret.*$\"\npassword: \"p@ss$word\"\n")
	assert.Equal(t, plain, expandEnv(plain))

	// Malformed template markers fall back to the raw content.
	broken := []byte("value: \"{{.UNCLOSED\"\n")
	assert.Equal(t, broken, expandEnv(broken))
}

func TestInitializeRejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "maestro.yaml", "executor: [not, a, mapping")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero workers", func(c *Config) { c.Executor.MaxWorkers = 0 }, "executor.max_workers"},
		{"concurrency below workers", func(c *Config) { c.Executor.MaxConcurrency = 2 }, "executor.max_concurrency"},
		{"bad eviction policy", func(c *Config) { c.Cache.EvictionPolicy = "random" }, "cache.eviction_policy"},
		{"inverted tier limit", func(c *Config) {
			c.Pool.TierLimits[models.TierPro] = TierLimit{Min: 10, Max: 2}
		}, "pool.tier_limits.pro"},
		{"threshold out of range", func(c *Config) { c.Reputation.QuarantineThreshold = 1.5 }, "reputation.quarantine_threshold"},
		{"fault tolerance too high", func(c *Config) { c.Consensus.FaultTolerance = 0.5 }, "consensus.fault_tolerance"},
		{"no models", func(c *Config) { c.Models = nil }, "models"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Initialize(context.Background(), t.TempDir())
			require.NoError(t, err)

			tt.mutate(cfg)
			err = Validate(cfg)
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidateRejectsDuplicateModels(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	cfg.Models = append(cfg.Models, cfg.Models[0])
	assert.Error(t, Validate(cfg))
}
