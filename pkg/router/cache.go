package router

import (
	"container/list"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/maestro-run/maestro/pkg/models"
)

// cacheKeyTaskPrefix is how much of the task text feeds the cache key.
const cacheKeyTaskPrefix = 50

// cacheKeyLen is the fixed digest length of a routing cache key.
const cacheKeyLen = 32

// CacheKey computes the deterministic routing cache key for a context:
// base64 of (task prefix | tier | priority | latency budget), truncated
// to 32 characters.
func CacheKey(rc models.RoutingContext) string {
	task := rc.Task
	if len(task) > cacheKeyTaskPrefix {
		task = task[:cacheKeyTaskPrefix]
	}
	raw := fmt.Sprintf("%s|%s|%s|%d", task, rc.UserTier, rc.Priority, rc.LatencyBudgetMs)
	key := base64.StdEncoding.EncodeToString([]byte(raw))
	if len(key) > cacheKeyLen {
		key = key[:cacheKeyLen]
	}
	return key
}

type cacheEntry struct {
	key         string
	modelName   string
	createdAt   time.Time
	accessCount int
}

// decisionCache is the LRU routing cache. Entries go stale after the
// configured TTL; size never exceeds the limit.
type decisionCache struct {
	mu      sync.Mutex
	limit   int
	ttl     time.Duration
	order   *list.List // front = most recently used
	entries map[string]*list.Element
}

func newDecisionCache(limit int, ttl time.Duration) *decisionCache {
	return &decisionCache{
		limit:   limit,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// get returns the cached model name on a fresh hit and refreshes the LRU
// order. Stale entries are dropped.
func (c *decisionCache) get(key string, now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	e := el.Value.(*cacheEntry)
	if now.Sub(e.createdAt) >= c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return "", false
	}
	e.accessCount++
	c.order.MoveToFront(el)
	return e.modelName, true
}

// put stores a decision, evicting the least recently used entry at the
// cap.
func (c *decisionCache) put(key, modelName string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*cacheEntry)
		e.modelName = modelName
		e.createdAt = now
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.limit {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
	el := c.order.PushFront(&cacheEntry{key: key, modelName: modelName, createdAt: now})
	c.entries[key] = el
}

// invalidateModel drops every entry pointing at the model, used when a
// model becomes unavailable.
func (c *decisionCache) invalidateModel(modelName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*cacheEntry)
		if e.modelName == modelName {
			c.order.Remove(el)
			delete(c.entries, e.key)
		}
		el = next
	}
}

func (c *decisionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
