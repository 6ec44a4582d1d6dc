package config

import (
	"time"

	"github.com/maestro-run/maestro/pkg/models"
)

// DefaultExecutorConfig returns the built-in batch executor defaults.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxWorkers:       8,
		MaxConcurrency:   64,
		SpawnTimeout:     100 * time.Millisecond,
		OperationTimeout: 30 * time.Second,
		BatchTimeout:     30 * time.Second,
		RetryAttempts:    3,
		RetryBackoffBase: 100 * time.Millisecond,
		QueueHighWater:   256,
	}
}

// DefaultRouterConfig returns the built-in router defaults.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		CacheLimit:          1000,
		CacheTTL:            5 * time.Minute,
		Target:              75 * time.Millisecond,
		MetricsSampleWindow: 10,
	}
}

// DefaultCacheConfig returns the built-in two-level cache defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		EvictionPolicy:    EvictionAdaptive,
		PersistToDisk:     true,
		DefaultTTL:        time.Hour,
		MemoryBudgetBytes: 64 << 20, // 64 MiB
		MaxEntries:        10000,
		CleanupInterval:   time.Minute,
		Compression:       false,
	}
}

// DefaultPoolConfig returns the built-in connection pool defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		TierLimits: map[models.UserTier]TierLimit{
			models.TierFree:       {Min: 1, Max: 2},
			models.TierPro:        {Min: 2, Max: 10},
			models.TierEnterprise: {Min: 5, Max: 50},
		},
		IdleTimeout:      60 * time.Second,
		AcquireTimeout:   5 * time.Second,
		RetryAttempts:    3,
		BackoffBase:      time.Second,
		EvictionInterval: 30 * time.Second,
	}
}

// DefaultReputationConfig returns the built-in detection defaults.
func DefaultReputationConfig() *ReputationConfig {
	return &ReputationConfig{
		QuarantineThreshold:  0.3,
		SuspiciousThreshold:  0.6,
		TimeWindow:           5 * time.Minute,
		MaxMessagesPerWindow: 100,
	}
}

// DefaultConsensusConfig returns the built-in consensus defaults.
func DefaultConsensusConfig() *ConsensusConfig {
	return &ConsensusConfig{
		FaultTolerance:  0.33,
		ProposalTimeout: 30 * time.Second,
	}
}

// DefaultStoreConfig returns the built-in store defaults (embedded SQLite
// under ./data).
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		DSN: "./data",
	}
}

// DefaultServerConfig returns the built-in HTTP server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:           8080,
		RequestTimeout: 60 * time.Second,
	}
}

// builtinModels is the fallback model registry used when models.yaml does
// not exist. The emergency fallback lists in the router reference these
// names.
func builtinModels() []models.ModelConfig {
	return []models.ModelConfig{
		{
			Name:         "gemini-2.0-flash",
			MinTier:      models.TierFree,
			AvgLatencyMs: 400,
			CostPerToken: 5e-7,
			Capabilities: []string{"text", "code"},
			Available:    true,
		},
		{
			Name:         "gemini-2.5-flash",
			MinTier:      models.TierFree,
			AvgLatencyMs: 600,
			CostPerToken: 8e-7,
			Capabilities: []string{"text", "code", "reasoning"},
			Available:    true,
		},
		{
			Name:         "gemini-2.5-flash-thinking",
			MinTier:      models.TierPro,
			AvgLatencyMs: 1100,
			CostPerToken: 2e-6,
			Capabilities: []string{"text", "code", "reasoning"},
			Available:    true,
		},
		{
			Name:         "gemini-2.5-pro",
			MinTier:      models.TierPro,
			AvgLatencyMs: 1500,
			CostPerToken: 4e-6,
			Capabilities: []string{"text", "code", "reasoning", "advanced-reasoning"},
			Available:    true,
		},
		{
			Name:         "gemini-2.5-deep-think",
			MinTier:      models.TierEnterprise,
			AvgLatencyMs: 3000,
			CostPerToken: 8e-6,
			Capabilities: []string{"text", "code", "reasoning", "advanced-reasoning"},
			Available:    true,
		},
		{
			Name:         "vertex-pro",
			MinTier:      models.TierEnterprise,
			AvgLatencyMs: 1800,
			CostPerToken: 5e-6,
			Capabilities: []string{"text", "code", "advanced-reasoning"},
			Available:    true,
		},
	}
}
