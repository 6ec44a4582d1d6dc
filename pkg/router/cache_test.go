package router

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/maestro-run/maestro/pkg/models"
)

func TestCacheKeyDeterministic(t *testing.T) {
	rc := models.RoutingContext{
		Task:            "summarize report",
		UserTier:        models.TierPro,
		Priority:        models.PriorityMedium,
		LatencyBudgetMs: 1500,
	}
	assert.Equal(t, CacheKey(rc), CacheKey(rc))
}

func TestCacheKeyVariesByContext(t *testing.T) {
	base := models.RoutingContext{
		Task:            "summarize report",
		UserTier:        models.TierPro,
		Priority:        models.PriorityMedium,
		LatencyBudgetMs: 1500,
	}

	tier := base
	tier.UserTier = models.TierFree
	assert.NotEqual(t, CacheKey(base), CacheKey(tier))

	priority := base
	priority.Priority = models.PriorityHigh
	assert.NotEqual(t, CacheKey(base), CacheKey(priority))

	budget := base
	budget.LatencyBudgetMs = 500
	assert.NotEqual(t, CacheKey(base), CacheKey(budget))
}

func TestCacheKeyUsesTaskPrefix(t *testing.T) {
	prefix := strings.Repeat("a", cacheKeyTaskPrefix)
	one := models.RoutingContext{Task: prefix + " tail one", UserTier: models.TierPro}
	two := models.RoutingContext{Task: prefix + " different tail", UserTier: models.TierPro}

	assert.Equal(t, CacheKey(one), CacheKey(two))
	assert.Len(t, CacheKey(one), cacheKeyLen)
}

func TestDecisionCacheHitRefreshesOrder(t *testing.T) {
	c := newDecisionCache(2, time.Minute)
	now := time.Now()
	c.put("k1", "model-a", now)
	c.put("k2", "model-b", now)

	// Touch k1 so k2 becomes the LRU victim.
	_, ok := c.get("k1", now)
	assert.True(t, ok)

	c.put("k3", "model-c", now)
	_, ok = c.get("k2", now)
	assert.False(t, ok)
	name, ok := c.get("k1", now)
	assert.True(t, ok)
	assert.Equal(t, "model-a", name)
}

func TestDecisionCacheExpiresStaleEntries(t *testing.T) {
	c := newDecisionCache(10, 50*time.Millisecond)
	now := time.Now()
	c.put("k1", "model-a", now)

	name, ok := c.get("k1", now.Add(10*time.Millisecond))
	assert.True(t, ok)
	assert.Equal(t, "model-a", name)

	_, ok = c.get("k1", now.Add(100*time.Millisecond))
	assert.False(t, ok)
	assert.Equal(t, 0, c.len())
}

func TestDecisionCacheInvalidateModel(t *testing.T) {
	c := newDecisionCache(10, time.Minute)
	now := time.Now()
	c.put("k1", "model-a", now)
	c.put("k2", "model-b", now)
	c.put("k3", "model-a", now)

	c.invalidateModel("model-a")
	assert.Equal(t, 1, c.len())
	_, ok := c.get("k1", now)
	assert.False(t, ok)
	_, ok = c.get("k2", now)
	assert.True(t, ok)
}

func TestDecisionCacheHonorsLimit(t *testing.T) {
	c := newDecisionCache(3, time.Minute)
	now := time.Now()
	for _, k := range []string{"k1", "k2", "k3", "k4", "k5"} {
		c.put(k, "model-a", now)
	}
	assert.Equal(t, 3, c.len())
	_, ok := c.get("k5", now)
	assert.True(t, ok)
	_, ok = c.get("k1", now)
	assert.False(t, ok)
}
