// Package metrics exposes Prometheus metrics for the orchestration runtime:
// routing latency, cache behavior, batch execution, and agent trust state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RoutingLatency tracks routing decision duration in seconds. The soft
// target is 75ms at p95.
var RoutingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "maestro",
	Name:      "routing_latency_seconds",
	Help:      "Model routing decision duration in seconds.",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5},
})

// RoutingDecisions counts routing decisions by outcome.
var RoutingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "maestro",
	Name:      "routing_decisions_total",
	Help:      "Total routing decisions by source (cache, scored, fallback).",
}, []string{"source"})

// CacheOperations counts two-level cache hits/misses/evictions by level.
var CacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "maestro",
	Name:      "cache_operations_total",
	Help:      "Cache operations by level (l1, l2) and result (hit, miss, evict).",
}, []string{"level", "result"})

// SpawnDuration tracks agent spawn duration in seconds against the 100ms
// budget.
var SpawnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "maestro",
	Name:      "agent_spawn_duration_seconds",
	Help:      "Agent spawn duration in seconds.",
	Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.15, 0.25},
})

// OperationsCompleted counts batch operations by type and result.
var OperationsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "maestro",
	Name:      "operations_total",
	Help:      "Batch operations by type and result.",
}, []string{"type", "result"})

// BatchDuration tracks whole-batch execution duration.
var BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "maestro",
	Name:      "batch_duration_seconds",
	Help:      "Batch execution duration in seconds.",
	Buckets:   prometheus.DefBuckets,
})

// OperationsInFlight tracks currently executing operations.
var OperationsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "maestro",
	Name:      "operations_in_flight",
	Help:      "Number of operations currently executing.",
})

// QuarantinedAgents tracks the current quarantine set size.
var QuarantinedAgents = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "maestro",
	Name:      "quarantined_agents",
	Help:      "Number of agents currently quarantined.",
})

// MaliciousBehaviors counts detections by behavior type and severity.
var MaliciousBehaviors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "maestro",
	Name:      "malicious_behaviors_total",
	Help:      "Detected malicious behaviors by type and severity.",
}, []string{"type", "severity"})

// ConsensusProposals counts proposals by terminal outcome.
var ConsensusProposals = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "maestro",
	Name:      "consensus_proposals_total",
	Help:      "Consensus proposals by outcome (committed, aborted).",
}, []string{"outcome"})

// RequestsTotal counts orchestrator requests by user tier and outcome.
var RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "maestro",
	Name:      "requests_total",
	Help:      "Orchestrator requests by tier and outcome (ok, degraded, rejected, error).",
}, []string{"tier", "outcome"})

// PoolConnections tracks pooled store connections per tier and state.
var PoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "maestro",
	Name:      "pool_connections",
	Help:      "Store connection pool size by tier and state (idle, in_use, waiting).",
}, []string{"tier", "state"})
