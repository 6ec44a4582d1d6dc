// Package models defines the shared domain types exchanged between the
// router, batch executor, consensus core, and orchestrator.
package models

import "time"

// UserTier identifies the subscription tier of the requesting user.
type UserTier string

// User tier constants, ordered by level.
const (
	TierFree       UserTier = "free"
	TierPro        UserTier = "pro"
	TierEnterprise UserTier = "enterprise"
)

// Level returns the numeric rank of a tier for gating comparisons.
// Unknown tiers rank below free.
func (t UserTier) Level() int {
	switch t {
	case TierFree:
		return 1
	case TierPro:
		return 2
	case TierEnterprise:
		return 3
	default:
		return 0
	}
}

// Valid reports whether the tier is one of the recognized values.
func (t UserTier) Valid() bool {
	return t.Level() > 0
}

// Priority is the caller-declared urgency of a request.
type Priority string

// Priority constants.
const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether the priority is one of the recognized values.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// RoutingContext is the immutable per-request input to the model router.
type RoutingContext struct {
	Task            string   `json:"task"`
	UserTier        UserTier `json:"user_tier"`
	Priority        Priority `json:"priority"`
	LatencyBudgetMs int      `json:"latency_budget_ms"`
	TokenBudget     int      `json:"token_budget,omitempty"`
	RequiredCaps    []string `json:"required_capabilities,omitempty"`
}

// ModelConfig describes a registered backend model. Configs are registered
// at startup; only the Available flag is mutated afterwards (by health
// checks), and a config is never deleted while referenced.
type ModelConfig struct {
	Name         string   `json:"name" yaml:"name"`
	MinTier      UserTier `json:"min_tier" yaml:"min_tier"`
	AvgLatencyMs int      `json:"avg_latency_ms" yaml:"avg_latency_ms"`
	CostPerToken float64  `json:"cost_per_token" yaml:"cost_per_token"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
	Available    bool     `json:"available" yaml:"available"`
}

// HasCapability reports whether the model advertises the given capability.
func (m *ModelConfig) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// RoutingDecision is the record produced by the router for one request.
type RoutingDecision struct {
	ModelName     string        `json:"model_name"`
	Confidence    float64       `json:"confidence"`
	Reason        string        `json:"reason"`
	RoutingTime   time.Duration `json:"routing_time"`
	FromCache     bool          `json:"from_cache"`
	FallbackUsed  bool          `json:"fallback_used"`
	Complexity    float64       `json:"complexity"`
	EstimatedCost float64       `json:"estimated_cost,omitempty"`
}
