package cache

import (
	"bytes"
	"compress/gzip"
	"io"
	"sort"
	"time"

	"github.com/maestro-run/maestro/pkg/config"
)

// adaptiveCandidates bounds how many of the oldest-accessed entries the
// adaptive policy scores per eviction.
const adaptiveCandidates = 10

// selectVictimLocked picks the next entry to evict per the configured
// policy. Caller holds c.mu.
func (c *Cache) selectVictimLocked() *entry {
	switch c.cfg.EvictionPolicy {
	case config.EvictionLFU:
		return c.lfuVictimLocked()
	case config.EvictionAdaptive:
		return c.adaptiveVictimLocked()
	default:
		return c.lruVictimLocked()
	}
}

func (c *Cache) lruVictimLocked() *entry {
	var victim *entry
	for _, e := range c.entries {
		if victim == nil || e.lastAccessed.Before(victim.lastAccessed) {
			victim = e
		}
	}
	return victim
}

func (c *Cache) lfuVictimLocked() *entry {
	var victim *entry
	for _, e := range c.entries {
		if victim == nil || e.hitCount < victim.hitCount {
			victim = e
		}
	}
	return victim
}

// adaptiveVictimLocked scores the oldest-accessed candidates by
// 0.3·frequency + 0.7·recency⁻¹ and evicts the lowest: rarely used AND
// long untouched loses first.
func (c *Cache) adaptiveVictimLocked() *entry {
	candidates := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccessed.Before(candidates[j].lastAccessed)
	})
	if len(candidates) > adaptiveCandidates {
		candidates = candidates[:adaptiveCandidates]
	}

	now := time.Now()
	var victim *entry
	best := 0.0
	for _, e := range candidates {
		recency := now.Sub(e.lastAccessed).Seconds() + 1
		score := 0.3*float64(e.hitCount) + 0.7/recency
		if victim == nil || score < best {
			victim = e
			best = score
		}
	}
	return victim
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
