// Package config loads, merges, and validates the runtime configuration.
// Configuration comes from two YAML files in the config directory:
// maestro.yaml (runtime settings) and models.yaml (registered backend
// models), with environment variable expansion applied to both.
package config

import (
	"time"

	"github.com/maestro-run/maestro/pkg/models"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	configDir string

	Executor   *ExecutorConfig
	Router     *RouterConfig
	Cache      *CacheConfig
	Pool       *PoolConfig
	Reputation *ReputationConfig
	Consensus  *ConsensusConfig
	Store      *StoreConfig
	Server     *ServerConfig

	// Models holds the backend model registry loaded from models.yaml.
	Models []models.ModelConfig
}

// ConfigDir returns the directory configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ModelByName returns the registered model config with the given name.
func (c *Config) ModelByName(name string) (models.ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return models.ModelConfig{}, false
}

// ExecutorConfig controls the batch executor and its worker pool.
type ExecutorConfig struct {
	// MaxWorkers is the worker goroutine count for stage execution.
	MaxWorkers int `yaml:"max_workers"`

	// MaxConcurrency is the resource pool size: the cap on in-flight
	// operations across a batch.
	MaxConcurrency int `yaml:"max_concurrency"`

	// SpawnTimeout is the per-agent-spawn deadline.
	SpawnTimeout time.Duration `yaml:"spawn_timeout"`

	// OperationTimeout is the default per-operation deadline.
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// BatchTimeout bounds a whole execute_batch call.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// RetryAttempts is the default per-operation retry budget.
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBackoffBase is the base for exponential retry backoff
	// (base * 2^(attempt-1)).
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`

	// QueueHighWater is the queued-operation count above which
	// execute_batch fails fast with a backpressure error.
	QueueHighWater int `yaml:"queue_high_water"`
}

// RouterConfig controls the model router.
type RouterConfig struct {
	// CacheLimit is the LRU cap on routing cache entries.
	CacheLimit int `yaml:"cache_limit"`

	// CacheTTL is routing cache entry freshness.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// Target is the soft routing deadline; overruns are reported but the
	// decision is still returned.
	Target time.Duration `yaml:"target"`

	// MetricsSampleWindow is the number of routing samples between
	// performance_metrics events.
	MetricsSampleWindow int `yaml:"metrics_sample_window"`
}

// EvictionPolicy selects the L1 cache eviction strategy.
type EvictionPolicy string

// Recognized eviction policies.
const (
	EvictionLRU      EvictionPolicy = "lru"
	EvictionLFU      EvictionPolicy = "lfu"
	EvictionAdaptive EvictionPolicy = "adaptive"
)

// Valid reports whether the policy is recognized.
func (p EvictionPolicy) Valid() bool {
	switch p {
	case EvictionLRU, EvictionLFU, EvictionAdaptive:
		return true
	}
	return false
}

// CacheConfig controls the two-level cache.
type CacheConfig struct {
	// EvictionPolicy selects the L1 strategy: lru, lfu, or adaptive.
	EvictionPolicy EvictionPolicy `yaml:"eviction_policy"`

	// PersistToDisk enables the persistent L2 level.
	PersistToDisk bool `yaml:"persist_to_disk"`

	// DefaultTTL applies to entries stored without an explicit TTL.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// MemoryBudgetBytes bounds total L1 size.
	MemoryBudgetBytes int64 `yaml:"memory_budget_bytes"`

	// MaxEntries bounds the L1 entry count.
	MaxEntries int `yaml:"max_entries"`

	// CleanupInterval is the period of the background expiry sweep.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// Compression gzips values before they reach L2.
	Compression bool `yaml:"compression"`
}

// TierLimit bounds pooled connections for one user tier.
type TierLimit struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// PoolConfig controls the store connection pool.
type PoolConfig struct {
	// TierLimits maps user tier to connection min/max.
	TierLimits map[models.UserTier]TierLimit `yaml:"tier_limits"`

	// IdleTimeout is how long a connection may sit idle before eviction.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// AcquireTimeout bounds how long a waiter blocks for a connection.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// RetryAttempts is the reconnect budget inside Execute.
	RetryAttempts int `yaml:"retry_attempts"`

	// BackoffBase is the exponential backoff base for reconnects.
	BackoffBase time.Duration `yaml:"backoff_base"`

	// EvictionInterval is the period of the idle/error sweep.
	EvictionInterval time.Duration `yaml:"eviction_interval"`
}

// Limits returns the tier limit for a tier, falling back to the free tier
// bounds for unknown tiers.
func (c *PoolConfig) Limits(tier models.UserTier) TierLimit {
	if l, ok := c.TierLimits[tier]; ok {
		return l
	}
	return TierLimit{Min: 1, Max: 2}
}

// ReputationConfig controls malicious behavior detection.
type ReputationConfig struct {
	// QuarantineThreshold is the score below which agents are quarantined.
	QuarantineThreshold float64 `yaml:"quarantine_threshold"`

	// SuspiciousThreshold is the score below which agents are flagged.
	SuspiciousThreshold float64 `yaml:"suspicious_threshold"`

	// TimeWindow is the rolling analysis window.
	TimeWindow time.Duration `yaml:"time_window"`

	// MaxMessagesPerWindow is the spam flooding threshold.
	MaxMessagesPerWindow int `yaml:"max_messages_per_window"`
}

// ConsensusConfig controls the consensus core.
type ConsensusConfig struct {
	// FaultTolerance is the tolerated faulty fraction; quorum is computed
	// as 2f+1 with f = floor((n-1)/3) regardless, this bounds admission.
	FaultTolerance float64 `yaml:"fault_tolerance"`

	// ProposalTimeout bounds how long a proposal may stay undecided.
	ProposalTimeout time.Duration `yaml:"proposal_timeout"`
}

// StoreConfig controls the persistent store backing the L2 cache and
// counters.
type StoreConfig struct {
	// DSN selects the backend: a postgres:// URL opens PostgreSQL via pgx;
	// anything else is treated as an SQLite data directory.
	DSN string `yaml:"dsn"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port"`

	// RequestTimeout bounds one orchestrator request end to end.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}
