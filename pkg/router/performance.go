package router

import (
	"sort"
	"sync"
	"time"
)

// emaAlpha is the smoothing factor for latency and cost averages.
const emaAlpha = 0.1

// routingSampleWindow bounds the routing-time window used for p95
// reporting.
const routingSampleWindow = 100

// performanceRecord tracks one model's observed behavior. Updated after
// every completed call; reads go through the tracker mutex.
type performanceRecord struct {
	ModelName      string
	AvgLatencyMs   float64 // EMA
	AvgCost        float64 // EMA
	UsageCount     int
	ErrorCount     int
	LastUsed       time.Time
	recentFailures int
}

// SuccessRate derives the success fraction from usage and error counts.
func (r *performanceRecord) SuccessRate() float64 {
	if r.UsageCount == 0 {
		return 0
	}
	return float64(r.UsageCount-r.ErrorCount) / float64(r.UsageCount)
}

// performanceTracker owns all model performance records plus the
// router's own decision-latency window.
type performanceTracker struct {
	mu      sync.Mutex
	records map[string]*performanceRecord

	routingTimes []time.Duration
	totalLookups int
	cacheHits    int
	samples      int
}

func newPerformanceTracker() *performanceTracker {
	return &performanceTracker{records: make(map[string]*performanceRecord)}
}

// recordCall folds one completed model call into the EMAs.
func (t *performanceTracker) recordCall(model string, latencyMs, cost float64, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[model]
	if !ok {
		rec = &performanceRecord{ModelName: model, AvgLatencyMs: latencyMs, AvgCost: cost}
		t.records[model] = rec
	} else {
		rec.AvgLatencyMs = emaAlpha*latencyMs + (1-emaAlpha)*rec.AvgLatencyMs
		rec.AvgCost = emaAlpha*cost + (1-emaAlpha)*rec.AvgCost
	}
	rec.UsageCount++
	rec.LastUsed = time.Now()
	if success {
		rec.recentFailures = 0
	} else {
		rec.ErrorCount++
		rec.recentFailures++
	}
}

// snapshot returns a copy of one model's record, or nil when the model
// has no history.
func (t *performanceTracker) snapshot(model string) *performanceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[model]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// fleetStats aggregates the inputs for adaptive weight tuning.
func (t *performanceTracker) fleetStats() (recentFailures int, avgLatencyMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0.0
	n := 0
	for _, rec := range t.records {
		recentFailures += rec.recentFailures
		if rec.UsageCount > 0 {
			total += rec.AvgLatencyMs
			n++
		}
	}
	if n > 0 {
		avgLatencyMs = total / float64(n)
	}
	return recentFailures, avgLatencyMs
}

// recordRouting tracks one routing decision's latency and cache outcome.
// It returns true every MetricsSampleWindow samples, signaling the
// caller to publish a performance_metrics event.
func (t *performanceTracker) recordRouting(d time.Duration, fromCache bool, window int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routingTimes = append(t.routingTimes, d)
	if len(t.routingTimes) > routingSampleWindow {
		t.routingTimes = t.routingTimes[len(t.routingTimes)-routingSampleWindow:]
	}
	t.totalLookups++
	if fromCache {
		t.cacheHits++
	}
	t.samples++
	if window > 0 && t.samples%window == 0 {
		return true
	}
	return false
}

// routingStats summarizes the current window.
func (t *performanceTracker) routingStats() (avg, p95 time.Duration, cacheHitRate float64, samples int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.routingTimes) == 0 {
		return 0, 0, 0, t.samples
	}
	var total time.Duration
	sorted := append([]time.Duration(nil), t.routingTimes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, d := range sorted {
		total += d
	}
	avg = total / time.Duration(len(sorted))
	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	p95 = sorted[idx]
	if t.totalLookups > 0 {
		cacheHitRate = float64(t.cacheHits) / float64(t.totalLookups)
	}
	return avg, p95, cacheHitRate, t.samples
}
