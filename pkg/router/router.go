// Package router selects the optimal model for each request. The
// decision pipeline short-circuits through a deterministic LRU cache,
// scores the surviving candidates on latency, cost, reliability, tier
// fit, and task complexity, and falls back through a tiered cascade when
// availability collapses. The soft budget for a decision is 75ms at p95.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/metrics"
	"github.com/maestro-run/maestro/pkg/models"
)

// ErrNoModelsAvailable is fatal to the request: every cascade rung came
// up empty.
var ErrNoModelsAvailable = errors.New("no models available")

// cacheHitConfidence is the confidence attached to cache-served
// decisions.
const cacheHitConfidence = 0.95

// fallbackConfidence is the reduced confidence attached to cascade
// decisions.
const fallbackConfidence = 0.6

// capabilityOverlapFloor is the minimum capability overlap for a
// same-tier fallback candidate.
const capabilityOverlapFloor = 0.7

// scoreTieEpsilon bounds what counts as a score tie for load balancing.
const scoreTieEpsilon = 0.001

// tieCandidateLimit caps how many tied leaders the balancer weighs.
const tieCandidateLimit = 3

// emergencyFallbacks is the per-user-tier last-resort model order.
var emergencyFallbacks = map[models.UserTier][]string{
	models.TierEnterprise: {"gemini-2.5-pro", "vertex-pro", "gemini-2.5-flash-thinking", "gemini-2.5-flash"},
	models.TierPro:        {"gemini-2.5-flash", "gemini-2.5-flash-thinking", "gemini-2.0-flash"},
	models.TierFree:       {"gemini-2.0-flash", "gemini-2.5-flash"},
}

// Router makes model routing decisions.
type Router struct {
	cfg        config.RouterConfig
	bus        *events.Bus
	logger     *slog.Logger
	cache      *decisionCache
	complexity *complexityAnalyzer
	balancer   *loadBalancer
	perf       *performanceTracker

	mu           sync.RWMutex
	availability map[string]bool // overrides, keyed by model name
}

// New creates a router.
func New(cfg config.RouterConfig, bus *events.Bus) *Router {
	return &Router{
		cfg:          cfg,
		bus:          bus,
		logger:       slog.With("component", "router"),
		cache:        newDecisionCache(cfg.CacheLimit, cfg.CacheTTL),
		complexity:   newComplexityAnalyzer(cfg.CacheLimit),
		balancer:     newLoadBalancer(),
		perf:         newPerformanceTracker(),
	}
}

// SetAvailability overrides a model's availability (health checks flip
// this at runtime) and invalidates cached decisions pointing at it when
// it goes down.
func (r *Router) SetAvailability(modelName string, available bool) {
	r.mu.Lock()
	if r.availability == nil {
		r.availability = make(map[string]bool)
	}
	prev, had := r.availability[modelName]
	r.availability[modelName] = available
	r.mu.Unlock()

	if !available {
		r.cache.invalidateModel(modelName)
	}
	if !had || prev != available {
		r.publish(events.EventModelAvailabilityChanged, map[string]any{
			"model":     modelName,
			"available": available,
		})
	}
}

func (r *Router) isAvailable(m models.ModelConfig) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if override, ok := r.availability[m.Name]; ok {
		return override
	}
	return m.Available
}

// SelectOptimalModel runs the routing pipeline for the context over the
// given models.
func (r *Router) SelectOptimalModel(rc models.RoutingContext, available []models.ModelConfig) (models.RoutingDecision, error) {
	start := time.Now()
	key := CacheKey(rc)

	// 1. Cache lookup.
	if name, ok := r.cache.get(key, start); ok {
		if m, found := findModel(available, name); found && r.isAvailable(m) {
			d := models.RoutingDecision{
				ModelName:   name,
				Confidence:  cacheHitConfidence,
				Reason:      "cache hit",
				RoutingTime: time.Since(start),
				FromCache:   true,
			}
			r.finishDecision(rc, d, "cache")
			return d, nil
		}
		// Cached model vanished; fall through to a full decision.
	}

	// 2. Complexity analysis.
	complexity := r.complexity.Score(rc.Task)

	// 3. Candidate filter.
	candidates := r.filterCandidates(rc, available, complexity)
	if len(candidates) == 0 {
		d, err := r.SelectFallbackModel("", rc, available, "no candidates survived filtering")
		if err != nil {
			return models.RoutingDecision{}, err
		}
		d.Complexity = complexity
		d.RoutingTime = time.Since(start)
		r.finishDecision(rc, d, "fallback")
		return d, nil
	}

	// 4. Scoring with adaptively tuned weights.
	recentFailures, avgLatency := r.perf.fleetStats()
	w := baseWeights().tune(recentFailures, avgLatency)

	scores := make(map[string]float64, len(candidates))
	best := math.Inf(-1)
	for _, m := range candidates {
		s := score(m, rc, complexity, r.perf.snapshot(m.Name), w)
		scores[m.Name] = s
		if s > best {
			best = s
		}
	}

	// 5. Selection: ties go through the load balancer.
	var tied []string
	for _, m := range candidates {
		if best-scores[m.Name] < scoreTieEpsilon {
			tied = append(tied, m.Name)
		}
		if len(tied) == tieCandidateLimit {
			break
		}
	}
	chosen := r.balancer.pick(tied, scores)

	winner, _ := findModel(candidates, chosen)
	d := models.RoutingDecision{
		ModelName:     chosen,
		Confidence:    clamp01(best),
		Reason:        fmt.Sprintf("weighted scoring (score %.2f, complexity %.2f)", scores[chosen], complexity),
		RoutingTime:   time.Since(start),
		Complexity:    complexity,
		EstimatedCost: winner.CostPerToken * float64(rc.TokenBudget),
	}

	// 6. Cache and balancer updates.
	r.cache.put(key, chosen, start)
	r.balancer.record(chosen)
	r.finishDecision(rc, d, "scored")
	return d, nil
}

// filterCandidates applies the tier gate, availability, and
// complexity/budget suitability rules.
func (r *Router) filterCandidates(rc models.RoutingContext, available []models.ModelConfig, complexity float64) []models.ModelConfig {
	var out []models.ModelConfig
	for _, m := range available {
		if rc.UserTier.Level() < m.MinTier.Level() {
			continue
		}
		if !r.isAvailable(m) {
			continue
		}
		if complexity > 0.8 && !m.HasCapability("advanced-reasoning") && !m.HasCapability("code") {
			continue
		}
		if rc.LatencyBudgetMs > 0 && rc.LatencyBudgetMs < 1000 && m.AvgLatencyMs >= 1200 {
			continue
		}
		if !hasRequiredCaps(m, rc.RequiredCaps) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// SelectFallbackModel walks the fallback cascade for a model that became
// unavailable (or for a context with no surviving candidates when
// originalModel is empty). Given fixed availability the cascade is
// deterministic.
func (r *Router) SelectFallbackModel(originalModel string, rc models.RoutingContext, available []models.ModelConfig, reason string) (models.RoutingDecision, error) {
	start := time.Now()

	chosen, ok := r.cascade(originalModel, rc, available)
	if !ok {
		r.logger.Error("Fallback cascade exhausted",
			"original_model", originalModel,
			"tier", string(rc.UserTier))
		return models.RoutingDecision{}, fmt.Errorf("%w: fallback from %q for tier %s", ErrNoModelsAvailable, originalModel, rc.UserTier)
	}

	fallbackReason := fmt.Sprintf("Fallback from %s: %s", originalModel, reason)
	if originalModel == "" {
		fallbackReason = fmt.Sprintf("Fallback: %s", reason)
	}
	d := models.RoutingDecision{
		ModelName:    chosen,
		Confidence:   fallbackConfidence,
		Reason:       fallbackReason,
		RoutingTime:  time.Since(start),
		FallbackUsed: true,
	}

	r.logger.Warn("Fallback triggered",
		"original_model", originalModel,
		"fallback_model", chosen,
		"reason", reason)
	r.publish(events.EventFallbackTriggered, events.FallbackPayload{
		OriginalModel: originalModel,
		FallbackModel: chosen,
		Reason:        reason,
	})
	return d, nil
}

// cascade tries each fallback rung in order: same-tier capability
// overlap, lower-tier reasoning/code models, the per-tier emergency
// list, then anything still standing.
func (r *Router) cascade(originalModel string, rc models.RoutingContext, available []models.ModelConfig) (string, bool) {
	usable := func(m models.ModelConfig) bool {
		return m.Name != originalModel &&
			r.isAvailable(m) &&
			rc.UserTier.Level() >= m.MinTier.Level()
	}

	// (a) Same tier, >= 70% capability overlap with the original.
	if original, ok := findModel(available, originalModel); ok {
		for _, m := range available {
			if !usable(m) || m.MinTier != original.MinTier {
				continue
			}
			if capabilityOverlap(original, m) >= capabilityOverlapFloor {
				return m.Name, true
			}
		}

		// (b) Lower tier with code or reasoning capability.
		for _, m := range available {
			if !usable(m) || m.MinTier.Level() >= original.MinTier.Level() {
				continue
			}
			if m.HasCapability("code") || m.HasCapability("reasoning") {
				return m.Name, true
			}
		}
	}

	// (c) Emergency fallback order for the user's tier.
	for _, name := range emergencyFallbacks[rc.UserTier] {
		if m, ok := findModel(available, name); ok && usable(m) {
			return m.Name, true
		}
	}

	// (d) Any available model the user can access.
	for _, m := range available {
		if usable(m) {
			return m.Name, true
		}
	}
	return "", false
}

// RecordPerformance folds one completed model call into the EMAs.
func (r *Router) RecordPerformance(modelName string, latency time.Duration, cost float64, success bool) {
	r.perf.recordCall(modelName, float64(latency.Milliseconds()), cost, success)
}

// Performance returns a copy of a model's performance record.
func (r *Router) Performance(modelName string) *performanceRecord {
	return r.perf.snapshot(modelName)
}

// CacheLen reports the routing cache occupancy.
func (r *Router) CacheLen() int {
	return r.cache.len()
}

// Prime inserts a decision into the routing cache directly.
func (r *Router) Prime(rc models.RoutingContext, modelName string) {
	r.cache.put(CacheKey(rc), modelName, time.Now())
}

// finishDecision records metrics and emits the per-decision events.
func (r *Router) finishDecision(rc models.RoutingContext, d models.RoutingDecision, source string) {
	metrics.RoutingLatency.Observe(d.RoutingTime.Seconds())
	metrics.RoutingDecisions.WithLabelValues(source).Inc()

	r.publish(events.EventRoutingDecision, d)
	if d.RoutingTime > r.cfg.Target {
		r.logger.Warn("Routing decision exceeded target",
			"model", d.ModelName,
			"routing_time", d.RoutingTime,
			"target", r.cfg.Target)
		r.publish(events.EventRoutingSlow, events.RoutingSlowPayload{
			ModelName:   d.ModelName,
			RoutingTime: d.RoutingTime,
			Target:      r.cfg.Target,
		})
	}

	if r.perf.recordRouting(d.RoutingTime, d.FromCache, r.cfg.MetricsSampleWindow) {
		avg, p95, hitRate, samples := r.perf.routingStats()
		r.publish(events.EventPerformanceMetrics, events.PerformanceMetricsPayload{
			AverageRoutingTime: avg,
			P95RoutingTime:     p95,
			CacheHitRate:       hitRate,
			TargetMet:          p95 < r.cfg.Target,
			Samples:            samples,
		})
	}
}

func (r *Router) publish(t events.EventType, payload any) {
	if r.bus != nil {
		r.bus.Publish(t, payload)
	}
}

func findModel(list []models.ModelConfig, name string) (models.ModelConfig, bool) {
	for _, m := range list {
		if m.Name == name {
			return m, true
		}
	}
	return models.ModelConfig{}, false
}

func hasRequiredCaps(m models.ModelConfig, caps []string) bool {
	for _, c := range caps {
		if !m.HasCapability(c) {
			return false
		}
	}
	return true
}

func capabilityOverlap(original, candidate models.ModelConfig) float64 {
	if len(original.Capabilities) == 0 {
		return 1.0
	}
	matched := 0
	for _, c := range original.Capabilities {
		if candidate.HasCapability(c) {
			matched++
		}
	}
	return float64(matched) / float64(len(original.Capabilities))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
