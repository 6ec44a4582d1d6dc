package config

import (
	"fmt"
)

// Validate performs comprehensive validation on loaded configuration.
func Validate(cfg *Config) error {
	checks := []func(*Config) error{
		validateExecutor,
		validateRouter,
		validateCache,
		validatePool,
		validateReputation,
		validateConsensus,
		validateServer,
		validateModels,
	}
	for _, check := range checks {
		if err := check(cfg); err != nil {
			return err
		}
	}
	return nil
}

func validateExecutor(cfg *Config) error {
	e := cfg.Executor
	if e.MaxWorkers < 1 {
		return &ValidationError{Field: "executor.max_workers", Reason: "must be at least 1"}
	}
	if e.MaxConcurrency < e.MaxWorkers {
		return &ValidationError{
			Field:  "executor.max_concurrency",
			Reason: fmt.Sprintf("must be >= max_workers (%d)", e.MaxWorkers),
		}
	}
	if e.SpawnTimeout <= 0 {
		return &ValidationError{Field: "executor.spawn_timeout", Reason: "must be positive"}
	}
	if e.OperationTimeout <= 0 {
		return &ValidationError{Field: "executor.operation_timeout", Reason: "must be positive"}
	}
	if e.RetryAttempts < 0 {
		return &ValidationError{Field: "executor.retry_attempts", Reason: "must not be negative"}
	}
	if e.QueueHighWater < 1 {
		return &ValidationError{Field: "executor.queue_high_water", Reason: "must be at least 1"}
	}
	return nil
}

func validateRouter(cfg *Config) error {
	r := cfg.Router
	if r.CacheLimit < 1 {
		return &ValidationError{Field: "router.cache_limit", Reason: "must be at least 1"}
	}
	if r.CacheTTL <= 0 {
		return &ValidationError{Field: "router.cache_ttl", Reason: "must be positive"}
	}
	if r.Target <= 0 {
		return &ValidationError{Field: "router.target", Reason: "must be positive"}
	}
	if r.MetricsSampleWindow < 1 {
		return &ValidationError{Field: "router.metrics_sample_window", Reason: "must be at least 1"}
	}
	return nil
}

func validateCache(cfg *Config) error {
	c := cfg.Cache
	if !c.EvictionPolicy.Valid() {
		return &ValidationError{
			Field:  "cache.eviction_policy",
			Reason: fmt.Sprintf("unknown policy %q (want lru, lfu, or adaptive)", c.EvictionPolicy),
		}
	}
	if c.DefaultTTL <= 0 {
		return &ValidationError{Field: "cache.default_ttl", Reason: "must be positive"}
	}
	if c.MemoryBudgetBytes < 1 {
		return &ValidationError{Field: "cache.memory_budget_bytes", Reason: "must be positive"}
	}
	if c.MaxEntries < 1 {
		return &ValidationError{Field: "cache.max_entries", Reason: "must be at least 1"}
	}
	return nil
}

func validatePool(cfg *Config) error {
	p := cfg.Pool
	for tier, limit := range p.TierLimits {
		if limit.Min < 0 || limit.Max < 1 {
			return &ValidationError{
				Field:  fmt.Sprintf("pool.tier_limits.%s", tier),
				Reason: "min must be >= 0 and max >= 1",
			}
		}
		if limit.Min > limit.Max {
			return &ValidationError{
				Field:  fmt.Sprintf("pool.tier_limits.%s", tier),
				Reason: fmt.Sprintf("min (%d) exceeds max (%d)", limit.Min, limit.Max),
			}
		}
	}
	if p.AcquireTimeout <= 0 {
		return &ValidationError{Field: "pool.acquire_timeout", Reason: "must be positive"}
	}
	if p.IdleTimeout <= 0 {
		return &ValidationError{Field: "pool.idle_timeout", Reason: "must be positive"}
	}
	return nil
}

func validateReputation(cfg *Config) error {
	r := cfg.Reputation
	if r.QuarantineThreshold < 0 || r.QuarantineThreshold > 1 {
		return &ValidationError{Field: "reputation.quarantine_threshold", Reason: "must be in [0, 1]"}
	}
	if r.SuspiciousThreshold < r.QuarantineThreshold {
		return &ValidationError{
			Field:  "reputation.suspicious_threshold",
			Reason: "must be >= quarantine_threshold",
		}
	}
	if r.TimeWindow <= 0 {
		return &ValidationError{Field: "reputation.time_window", Reason: "must be positive"}
	}
	if r.MaxMessagesPerWindow < 1 {
		return &ValidationError{Field: "reputation.max_messages_per_window", Reason: "must be at least 1"}
	}
	return nil
}

func validateConsensus(cfg *Config) error {
	c := cfg.Consensus
	if c.FaultTolerance <= 0 || c.FaultTolerance >= 0.5 {
		return &ValidationError{Field: "consensus.fault_tolerance", Reason: "must be in (0, 0.5)"}
	}
	return nil
}

func validateServer(cfg *Config) error {
	s := cfg.Server
	if s.Port < 1 || s.Port > 65535 {
		return &ValidationError{Field: "server.port", Reason: "must be a valid TCP port"}
	}
	return nil
}

func validateModels(cfg *Config) error {
	if len(cfg.Models) == 0 {
		return &ValidationError{Field: "models", Reason: "at least one model must be registered"}
	}
	seen := make(map[string]bool, len(cfg.Models))
	for i, m := range cfg.Models {
		field := fmt.Sprintf("models[%d]", i)
		if m.Name == "" {
			return &ValidationError{Field: field + ".name", Reason: "must not be empty"}
		}
		if seen[m.Name] {
			return &ValidationError{Field: field + ".name", Reason: fmt.Sprintf("duplicate model %q", m.Name)}
		}
		seen[m.Name] = true
		if !m.MinTier.Valid() {
			return &ValidationError{Field: field + ".min_tier", Reason: fmt.Sprintf("unknown tier %q", m.MinTier)}
		}
		if m.AvgLatencyMs <= 0 {
			return &ValidationError{Field: field + ".avg_latency_ms", Reason: "must be positive"}
		}
		if m.CostPerToken < 0 {
			return &ValidationError{Field: field + ".cost_per_token", Reason: "must not be negative"}
		}
	}
	return nil
}
