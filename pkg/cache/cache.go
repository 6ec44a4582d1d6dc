// Package cache implements the two-level response cache: a bounded
// in-memory L1 in front of the persistent store as L2. Gets check L1
// first and promote L2 hits that pass the memory-placement predicate.
// Sets always land in L2 (when persistence is enabled) and conditionally
// in L1.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/metrics"
	"github.com/maestro-run/maestro/pkg/store"
)

// DefaultNamespace groups entries that do not ask for their own namespace.
const DefaultNamespace = "default"

// placementFrequencyFloor is the access count above which an entry is
// memory-worthy regardless of free space.
const placementFrequencyFloor = 5

type entry struct {
	key          string
	value        []byte
	size         int64
	namespace    string
	createdAt    time.Time
	lastAccessed time.Time
	hitCount     int64
	expiresAt    time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Stats is a point-in-time snapshot of cache behavior.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
	Entries   int     `json:"entries"`
	TotalSize int64   `json:"total_size_bytes"`
}

// SetOption customizes a single Set call.
type SetOption func(*setOptions)

type setOptions struct {
	ttl       time.Duration
	namespace string
}

// WithTTL overrides the configured default TTL for one entry. Zero
// disables expiry.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = ttl }
}

// WithNamespace tags the entry so Clear can target a group.
func WithNamespace(ns string) SetOption {
	return func(o *setOptions) { o.namespace = ns }
}

// Cache is the two-level cache. A nil store (or persistToDisk=false)
// degrades it to L1-only.
type Cache struct {
	cfg    config.CacheConfig
	st     *store.Store
	bus    *events.Bus
	logger *slog.Logger

	mu        sync.Mutex
	entries   map[string]*entry
	freq      map[string]int64 // access counts, tracked beyond L1 residency
	curBytes  int64
	hits      int64
	misses    int64
	evictions int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// New creates a cache. Start must be called to run the background
// expiry sweep.
func New(cfg config.CacheConfig, st *store.Store, bus *events.Bus) *Cache {
	if !cfg.PersistToDisk {
		st = nil
	}
	return &Cache{
		cfg:     cfg,
		st:      st,
		bus:     bus,
		logger:  slog.With("component", "cache"),
		entries: make(map[string]*entry),
		freq:    make(map[string]int64),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background cleanup loop. Safe to call multiple
// times; subsequent calls are no-ops.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.logger.Info("Starting cache",
		"policy", string(c.cfg.EvictionPolicy),
		"persist", c.st != nil,
		"memory_budget_bytes", c.cfg.MemoryBudgetBytes)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runCleanup(ctx)
	}()
}

// Stop halts the cleanup loop.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Get returns the cached value for key, reporting whether it was found.
// L2 hits that pass the placement predicate are promoted into L1.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	now := time.Now()

	c.mu.Lock()
	c.freq[key]++
	if e, ok := c.entries[key]; ok {
		if e.expired(now) {
			c.removeLocked(e)
		} else {
			e.lastAccessed = now
			e.hitCount++
			c.hits++
			value := append([]byte(nil), e.value...)
			c.mu.Unlock()
			c.recordAccess(key, "l1", true)
			return value, true, nil
		}
	}
	c.mu.Unlock()

	if c.st == nil {
		c.miss(key)
		return nil, false, nil
	}

	row, err := c.st.CacheGet(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("l2 get: %w", err)
	}
	if row == nil || row.Expired(now) {
		c.miss(key)
		return nil, false, nil
	}

	value := row.Value
	if row.Compressed {
		value, err = decompress(value)
		if err != nil {
			return nil, false, fmt.Errorf("decompress l2 entry: %w", err)
		}
	}

	if err := c.st.CacheTouch(ctx, key, now); err != nil {
		c.logger.Warn("Failed to touch L2 entry", "key", key, "error", err)
	}

	c.promote(key, value, row, now)
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	c.recordAccess(key, "l2", true)
	return value, true, nil
}

// Set stores the value in L2 (when enabled) and, if it is memory-worthy,
// in L1.
func (c *Cache) Set(ctx context.Context, key string, value []byte, opts ...SetOption) error {
	o := setOptions{ttl: c.cfg.DefaultTTL, namespace: DefaultNamespace}
	for _, opt := range opts {
		opt(&o)
	}

	now := time.Now()
	var expiresAt time.Time
	if o.ttl > 0 {
		expiresAt = now.Add(o.ttl)
	}
	size := int64(len(value))

	if c.st != nil {
		stored := value
		compressed := false
		if c.cfg.Compression {
			if packed, err := compress(value); err == nil && len(packed) < len(value) {
				stored = packed
				compressed = true
			}
		}
		var ttlMs int64
		if !expiresAt.IsZero() {
			ttlMs = expiresAt.UnixMilli()
		}
		row := &store.CacheRow{
			Key:          key,
			Value:        stored,
			Size:         int64(len(stored)),
			TTL:          ttlMs,
			CreatedAt:    now.UnixMilli(),
			LastAccessed: now.UnixMilli(),
			Namespace:    o.namespace,
			Compressed:   compressed,
		}
		if err := c.st.CacheSet(ctx, row); err != nil {
			return fmt.Errorf("l2 set: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.memoryWorthyLocked(key, size) {
		// L2-only entry; drop any stale L1 copy.
		if old, ok := c.entries[key]; ok {
			c.removeLocked(old)
		}
		return nil
	}

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	c.makeRoomLocked(size)
	e := &entry{
		key:          key,
		value:        append([]byte(nil), value...),
		size:         size,
		namespace:    o.namespace,
		createdAt:    now,
		lastAccessed: now,
		expiresAt:    expiresAt,
	}
	c.entries[key] = e
	c.curBytes += size
	return nil
}

// Delete removes the key from both levels.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
	delete(c.freq, key)
	c.mu.Unlock()

	if c.st != nil {
		if err := c.st.CacheDelete(ctx, key); err != nil {
			return fmt.Errorf("l2 delete: %w", err)
		}
	}
	return nil
}

// Clear drops every entry in both levels.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.freq = make(map[string]int64)
	c.curBytes = 0
	c.mu.Unlock()

	if c.st != nil {
		if err := c.st.CacheClear(ctx, ""); err != nil {
			return fmt.Errorf("l2 clear: %w", err)
		}
	}
	return nil
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   len(c.entries),
		TotalSize: c.curBytes,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// promote copies an L2 hit into L1 when the placement predicate allows.
func (c *Cache) promote(key string, value []byte, row *store.CacheRow, now time.Time) {
	size := int64(len(value))

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.memoryWorthyLocked(key, size) {
		return
	}
	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	c.makeRoomLocked(size)

	var expiresAt time.Time
	if row.TTL > 0 {
		expiresAt = time.UnixMilli(row.TTL)
	}
	e := &entry{
		key:          key,
		value:        append([]byte(nil), value...),
		size:         size,
		namespace:    row.Namespace,
		createdAt:    time.UnixMilli(row.CreatedAt),
		lastAccessed: now,
		hitCount:     row.HitCount,
		expiresAt:    expiresAt,
	}
	c.entries[key] = e
	c.curBytes += size
}

// memoryWorthyLocked is the L1 placement predicate: the entry must be at
// most 10% of the memory budget, and either be accessed frequently or fit
// in the currently free budget.
func (c *Cache) memoryWorthyLocked(key string, size int64) bool {
	if size > c.cfg.MemoryBudgetBytes/10 {
		return false
	}
	free := c.cfg.MemoryBudgetBytes - c.curBytes
	return c.freq[key] > placementFrequencyFloor || free >= size
}

// makeRoomLocked evicts per the configured policy until the new entry
// fits in both the byte budget and the entry cap.
func (c *Cache) makeRoomLocked(size int64) {
	for len(c.entries) > 0 &&
		(c.curBytes+size > c.cfg.MemoryBudgetBytes || len(c.entries) >= c.cfg.MaxEntries) {
		victim := c.selectVictimLocked()
		if victim == nil {
			return
		}
		c.removeLocked(victim)
		c.evictions++
		metrics.CacheOperations.WithLabelValues("l1", "evict").Inc()
		c.publish(events.EventCacheEvict, map[string]any{"key": victim.key, "level": "l1"})
	}
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.curBytes -= e.size
}

func (c *Cache) miss(key string) {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	c.recordAccess(key, "l2", false)
}

func (c *Cache) recordAccess(key, level string, hit bool) {
	result := "miss"
	eventType := events.EventCacheMiss
	if hit {
		result = "hit"
		eventType = events.EventCacheHit
	}
	metrics.CacheOperations.WithLabelValues(level, result).Inc()
	c.publish(eventType, map[string]any{"key": key, "level": level})
}

func (c *Cache) publish(t events.EventType, payload any) {
	if c.bus != nil {
		c.bus.Publish(t, payload)
	}
}

// runCleanup removes expired entries eagerly on an interval; Get also
// drops them lazily.
func (c *Cache) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepExpired(ctx)
		}
	}
}

func (c *Cache) sweepExpired(ctx context.Context) {
	now := time.Now()

	c.mu.Lock()
	for _, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(e)
		}
	}
	c.mu.Unlock()

	if c.st != nil {
		n, err := c.st.CacheSweepExpired(ctx, now)
		if err != nil {
			c.logger.Warn("L2 expiry sweep failed", "error", err)
			return
		}
		if n > 0 {
			c.logger.Debug("Swept expired L2 entries", "count", n)
		}
	}
}
