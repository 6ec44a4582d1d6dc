package router

import (
	"math/rand"
	"sync"
)

// counterResetThreshold triggers a full counter reset once any model's
// usage count passes it.
const counterResetThreshold = 1000

// leastUsedBonus is the score bonus granted to the least-used model among
// tied candidates.
const leastUsedBonus = 0.2

// loadBalancer spreads tied routing decisions across models by usage
// count. A single mutex protects the counters.
type loadBalancer struct {
	mu     sync.Mutex
	counts map[string]int
}

func newLoadBalancer() *loadBalancer {
	return &loadBalancer{counts: make(map[string]int)}
}

// pick selects among score-tied candidates: the least-used gets a +20%
// bonus, then a weighted random draw over the normalized scores decides.
func (lb *loadBalancer) pick(names []string, scores map[string]float64) string {
	if len(names) == 1 {
		return names[0]
	}

	lb.mu.Lock()
	least := names[0]
	for _, n := range names[1:] {
		if lb.counts[n] < lb.counts[least] {
			least = n
		}
	}
	lb.mu.Unlock()

	weighted := make(map[string]float64, len(names))
	total := 0.0
	for _, n := range names {
		s := scores[n]
		if n == least {
			s *= 1 + leastUsedBonus
		}
		weighted[n] = s
		total += s
	}
	if total <= 0 {
		return least
	}

	draw := rand.Float64() * total
	for _, n := range names {
		draw -= weighted[n]
		if draw <= 0 {
			return n
		}
	}
	return names[len(names)-1]
}

// record counts one decision for the model, resetting all counters once
// any of them overflows the threshold.
func (lb *loadBalancer) record(name string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.counts[name]++
	if lb.counts[name] > counterResetThreshold {
		lb.counts = make(map[string]int)
	}
}

func (lb *loadBalancer) count(name string) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.counts[name]
}
