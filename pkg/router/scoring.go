package router

import (
	"github.com/maestro-run/maestro/pkg/models"
)

// weights are the scoring coefficients over the five factors. They are
// not renormalized after adaptive tuning.
type weights struct {
	Latency     float64
	Cost        float64
	Reliability float64
	UserTier    float64
	Complexity  float64
}

func baseWeights() weights {
	return weights{
		Latency:     0.35,
		Cost:        0.15,
		Reliability: 0.25,
		UserTier:    0.15,
		Complexity:  0.10,
	}
}

// Adaptive tuning bounds.
const (
	reliabilityWeightCap  = 0.5
	costWeightFloor       = 0.1
	latencyWeightCap      = 0.6
	recentFailureTrigger  = 5
	slowAverageTriggerMs  = 2000
	reliabilitySampleMin  = 5
	coldStartReliability  = 0.8
	reliabilityScoreFloor = 0.1
)

// tune shifts weights toward reliability when failures pile up and
// toward latency when the fleet is slow.
func (w weights) tune(recentFailures int, avgLatencyMs float64) weights {
	if recentFailures > recentFailureTrigger {
		w.Reliability += 0.1
		if w.Reliability > reliabilityWeightCap {
			w.Reliability = reliabilityWeightCap
		}
		w.Cost -= 0.05
		if w.Cost < costWeightFloor {
			w.Cost = costWeightFloor
		}
	}
	if avgLatencyMs > slowAverageTriggerMs {
		w.Latency += 0.1
		if w.Latency > latencyWeightCap {
			w.Latency = latencyWeightCap
		}
	}
	return w
}

// latencyScore grades the model's latency target against the request
// budget.
func latencyScore(m models.ModelConfig, budgetMs int) float64 {
	if budgetMs <= 0 {
		return coldStartReliability
	}
	latency := float64(m.AvgLatencyMs)
	budget := float64(budgetMs)
	switch {
	case latency <= 0.8*budget:
		return 1.0
	case latency <= budget:
		return 0.8
	case latency <= 1.5*budget:
		return 0.5
	default:
		return 0.1
	}
}

// costScore grades per-token cost against the user's tier sensitivity.
func costScore(m models.ModelConfig, tier models.UserTier) float64 {
	switch tier {
	case models.TierEnterprise:
		return 0.9
	case models.TierPro:
		if m.CostPerToken < 3e-6 {
			return 1.0
		}
		return 0.7
	default:
		if m.CostPerToken < 1e-6 {
			return 1.0
		}
		return 0.3
	}
}

// reliabilityScore uses the observed success rate once enough samples
// exist; cold models get a neutral prior.
func reliabilityScore(rec *performanceRecord) float64 {
	if rec == nil || rec.UsageCount < reliabilitySampleMin {
		return coldStartReliability
	}
	rate := rec.SuccessRate()
	if rate < reliabilityScoreFloor {
		return reliabilityScoreFloor
	}
	return rate
}

func tierScore(m models.ModelConfig, tier models.UserTier) float64 {
	if tier.Level() >= m.MinTier.Level() {
		return 1.0
	}
	return 0.1
}

// complexityFit grades how well the model's capability profile matches
// the task's complexity. Reasoning-capable models win anything beyond
// trivial tasks; trivial tasks prefer the cheap fast models.
func complexityFit(m models.ModelConfig, complexity float64) float64 {
	advanced := m.HasCapability("advanced-reasoning") || m.HasCapability("code")
	reasoning := m.HasCapability("advanced-reasoning")
	switch {
	case complexity > 0.8:
		if reasoning {
			return 1.0
		}
		if advanced {
			return 0.6
		}
		return 0.1
	case complexity > 0.4:
		if reasoning {
			return 0.9
		}
		return 0.5
	case complexity > 0.05:
		if reasoning {
			return 0.8
		}
		return 0.6
	default:
		if reasoning {
			return 0.5
		}
		return 1.0
	}
}

// score computes the weighted sum for one candidate.
func score(m models.ModelConfig, rc models.RoutingContext, complexity float64, rec *performanceRecord, w weights) float64 {
	return w.Latency*latencyScore(m, rc.LatencyBudgetMs) +
		w.Cost*costScore(m, rc.UserTier) +
		w.Reliability*reliabilityScore(rec) +
		w.UserTier*tierScore(m, rc.UserTier) +
		w.Complexity*complexityFit(m, complexity)
}
