package orchestrator

import (
	"context"

	"github.com/maestro-run/maestro/pkg/cache"
	"github.com/maestro-run/maestro/pkg/pool"
)

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ComponentHealth is one subsystem's check result.
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthReport aggregates subsystem checks. Status is unhealthy when the
// store is down, degraded when any pool is.
type HealthReport struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
}

// Health checks the store and every tier pool.
func (o *Orchestrator) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentHealth),
	}

	if o.deps.Store != nil {
		if err := o.deps.Store.Health(ctx); err != nil {
			report.Status = StatusUnhealthy
			report.Components["store"] = ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
		} else {
			report.Components["store"] = ComponentHealth{Status: StatusHealthy}
		}
	}

	for tier, p := range o.deps.Pools {
		name := "pool_" + string(tier)
		if err := p.Health(ctx); err != nil {
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
			report.Components[name] = ComponentHealth{Status: StatusDegraded, Message: err.Error()}
		} else {
			report.Components[name] = ComponentHealth{Status: StatusHealthy}
		}
	}

	slots := o.deps.Executor.Slots()
	report.Components["executor"] = ComponentHealth{Status: StatusHealthy}
	if slots.Available() == 0 {
		if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
		report.Components["executor"] = ComponentHealth{Status: StatusDegraded, Message: "no execution slots available"}
	}

	return report
}

// SystemStats is the aggregate snapshot served by the stats endpoint.
type SystemStats struct {
	Cache             cache.Stats  `json:"cache"`
	Pools             []pool.Stats `json:"pools"`
	RoutingCacheSize  int          `json:"routing_cache_size"`
	QuarantinedAgents []string     `json:"quarantined_agents"`
	SlotsTotal        int          `json:"slots_total"`
	SlotsAvailable    int          `json:"slots_available"`
	ConsensusQuorum   int          `json:"consensus_quorum,omitempty"`
}

// Stats snapshots the runtime.
func (o *Orchestrator) Stats() SystemStats {
	s := SystemStats{
		RoutingCacheSize: o.deps.Router.CacheLen(),
		SlotsTotal:       o.deps.Executor.Slots().Total(),
		SlotsAvailable:   o.deps.Executor.Slots().Available(),
	}
	if o.deps.Cache != nil {
		s.Cache = o.deps.Cache.Stats()
	}
	for _, p := range o.deps.Pools {
		s.Pools = append(s.Pools, p.Stats())
	}
	if o.deps.Reputation != nil {
		s.QuarantinedAgents = o.deps.Reputation.Quarantined()
	}
	if o.deps.Consensus != nil {
		s.ConsensusQuorum = o.deps.Consensus.Quorum()
	}
	return s
}
