// Package events provides the in-process event bus used by every core
// subsystem. Subscribers receive events on buffered channels; the bus never
// assumes synchronous delivery, and slow subscribers lose oldest events
// first (announced via an events_dropped notice).
package events

import "time"

// EventType identifies a published event.
type EventType string

// Event catalog.
const (
	EventRoutingDecision          EventType = "routing_decision"
	EventRoutingSlow              EventType = "routing_slow"
	EventModelAvailabilityChanged EventType = "model_availability_changed"
	EventFallbackTriggered        EventType = "fallback_triggered"
	EventCacheHit                 EventType = "cache_hit"
	EventCacheMiss                EventType = "cache_miss"
	EventCacheEvict               EventType = "cache_evict"
	EventOperationCompleted       EventType = "operation_completed"
	EventOperationFailed          EventType = "operation_failed"
	EventSpawnBudgetExceeded      EventType = "spawn_budget_exceeded"
	EventMaliciousBehavior        EventType = "malicious_behavior_detected"
	EventAgentQuarantined         EventType = "agent_quarantined"
	EventAgentRehabilitated       EventType = "agent_rehabilitated"
	EventSecurityViolation        EventType = "security_violation"
	EventPerformanceMetrics       EventType = "performance_metrics"
	EventEventsDropped            EventType = "events_dropped"
)

// Event is one published occurrence. Payload is a type-specific struct
// owned by the publisher; subscribers must treat it as immutable.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// RoutingSlowPayload reports a routing decision that exceeded the soft
// routing deadline.
type RoutingSlowPayload struct {
	ModelName   string        `json:"model_name"`
	RoutingTime time.Duration `json:"routing_time"`
	Target      time.Duration `json:"target"`
}

// FallbackPayload reports a fallback cascade activation.
type FallbackPayload struct {
	OriginalModel string `json:"original_model"`
	FallbackModel string `json:"fallback_model"`
	Reason        string `json:"reason"`
}

// PerformanceMetricsPayload is published every N routing samples.
type PerformanceMetricsPayload struct {
	AverageRoutingTime time.Duration `json:"average_routing_time"`
	P95RoutingTime     time.Duration `json:"p95_routing_time"`
	CacheHitRate       float64       `json:"cache_hit_rate"`
	TargetMet          bool          `json:"target_met"`
	Samples            int           `json:"samples"`
}

// SecurityViolationPayload reports a consensus admission rejection or other
// security-relevant drop.
type SecurityViolationPayload struct {
	AgentID string `json:"agent_id"`
	Detail  string `json:"detail"`
}

// DroppedPayload announces how many events a slow subscriber lost since the
// previous successful delivery.
type DroppedPayload struct {
	Count int `json:"count"`
}
