// Package cache implements the two-level cache used for credentials and
// market data: a fast in-process tier in front of a shared Redis tier.
// The cache is a performance optimization, never a correctness dependency;
// every failure on the remote tier degrades to a miss.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Stats holds running cache counters.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Entries   int     `json:"entries"`
	HitRate   float64 `json:"hit_rate"` // percentage
}

// TieredCache combines the in-process and distributed tiers with
// per-category TTL and eviction policy.
type TieredCache struct {
	local  *localCache
	remote RemoteStore
	logger *zap.Logger

	policyMu sync.RWMutex
	policies map[Category]Policy

	hits      int64
	misses    int64
	evictions int64

	metrics *Metrics
}

// New creates a TieredCache. remote may be nil, in which case the cache
// runs on the local tier alone. metrics may be nil.
func New(remote RemoteStore, logger *zap.Logger, metrics *Metrics) *TieredCache {
	return &TieredCache{
		local:    newLocalCache(),
		remote:   remote,
		logger:   logger,
		policies: DefaultPolicies(),
		metrics:  metrics,
	}
}

// PolicyFor resolves the policy for a category, falling back to the
// default policy for unregistered categories.
func (c *TieredCache) PolicyFor(cat Category) Policy {
	c.policyMu.RLock()
	defer c.policyMu.RUnlock()
	if p, ok := c.policies[cat]; ok {
		return p
	}
	return FallbackPolicy
}

// SetPolicy overrides the policy for a category.
func (c *TieredCache) SetPolicy(cat Category, p Policy) {
	c.policyMu.Lock()
	defer c.policyMu.Unlock()
	c.policies[cat] = p
}

// Get checks the in-process tier first; on miss it checks the distributed
// tier and backfills the local entry on a hit. Lookup failures are logged
// and swallowed: absent, not an error.
func (c *TieredCache) Get(ctx context.Context, key string, cat Category) ([]byte, bool) {
	if data, ok := c.local.get(c.scoped(key, cat), cat); ok {
		c.recordHit()
		return data, true
	}

	if c.remote != nil {
		data, ok, err := c.remote.Get(ctx, c.scoped(key, cat))
		if err != nil {
			c.logger.Warn("remote cache lookup failed, treating as miss",
				zap.String("key", key), zap.String("category", string(cat)), zap.Error(err))
		} else if ok {
			policy := c.PolicyFor(cat)
			c.local.set(c.scoped(key, cat), data, cat, policy.TTL)
			c.recordHit()
			return data, true
		}
	}

	c.recordMiss()
	return nil, false
}

// Set writes to both tiers with the TTL resolved from the category policy
// and then runs the capacity check for that category.
func (c *TieredCache) Set(ctx context.Context, key string, data []byte, cat Category) {
	policy := c.PolicyFor(cat)
	scoped := c.scoped(key, cat)

	c.local.set(scoped, data, cat, policy.TTL)

	if c.remote != nil {
		if err := c.remote.Set(ctx, scoped, data, policy.TTL); err != nil {
			c.logger.Warn("remote cache write failed",
				zap.String("key", key), zap.String("category", string(cat)), zap.Error(err))
		}
	}

	c.checkEviction(ctx, cat, policy)
}

// Delete removes a key from both tiers, best-effort.
func (c *TieredCache) Delete(ctx context.Context, key string, cat Category) {
	scoped := c.scoped(key, cat)
	c.local.delete(scoped, cat)
	if c.remote != nil {
		if err := c.remote.Delete(ctx, scoped); err != nil {
			c.logger.Warn("remote cache delete failed",
				zap.String("key", key), zap.String("category", string(cat)), zap.Error(err))
		}
	}
}

// ClearCategory removes every entry in a category from both tiers.
func (c *TieredCache) ClearCategory(ctx context.Context, cat Category) {
	c.local.clearCategory(cat)
	if c.remote != nil {
		if err := c.remote.DeletePrefix(ctx, string(cat)+":"); err != nil {
			c.logger.Warn("remote cache category clear failed",
				zap.String("category", string(cat)), zap.Error(err))
		}
	}
}

// ClearAll wipes both tiers.
func (c *TieredCache) ClearAll(ctx context.Context) {
	c.local.clearAll()
	if c.remote != nil {
		if err := c.remote.DeletePrefix(ctx, ""); err != nil {
			c.logger.Warn("remote cache clear failed", zap.Error(err))
		}
	}
}

// Stats returns the running counters. Hit rate is a percentage.
func (c *TieredCache) Stats() Stats {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	total := hits + misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return Stats{
		Hits:      hits,
		Misses:    misses,
		Evictions: atomic.LoadInt64(&c.evictions),
		Entries:   c.local.totalLen(),
		HitRate:   hitRate,
	}
}

// checkEviction evicts the overflow past maxEntries from both tiers,
// ordered per the category's strategy.
func (c *TieredCache) checkEviction(ctx context.Context, cat Category, policy Policy) {
	if policy.MaxEntries <= 0 {
		return
	}
	evicted := c.local.overflowKeys(cat, policy.MaxEntries, policy.Eviction)
	if len(evicted) == 0 {
		return
	}

	atomic.AddInt64(&c.evictions, int64(len(evicted)))
	if c.metrics != nil {
		c.metrics.Evictions.Add(float64(len(evicted)))
	}

	if c.remote != nil {
		for _, key := range evicted {
			if err := c.remote.Delete(ctx, key); err != nil {
				c.logger.Warn("remote eviction failed", zap.String("key", key), zap.Error(err))
			}
		}
	}

	c.logger.Debug("cache eviction",
		zap.String("category", string(cat)),
		zap.String("strategy", policy.Eviction.String()),
		zap.Int("evicted", len(evicted)))
}

func (c *TieredCache) scoped(key string, cat Category) string {
	return string(cat) + ":" + key
}

func (c *TieredCache) recordHit() {
	atomic.AddInt64(&c.hits, 1)
	if c.metrics != nil {
		c.metrics.Hits.Inc()
	}
}

func (c *TieredCache) recordMiss() {
	atomic.AddInt64(&c.misses, 1)
	if c.metrics != nil {
		c.metrics.Misses.Inc()
	}
}

// GetJSON reads a key and unmarshals it into dest. A decode failure is
// treated as a miss and the bad entry is dropped.
func GetJSON[T any](ctx context.Context, c *TieredCache, key string, cat Category, dest *T) bool {
	data, ok := c.Get(ctx, key, cat)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Warn("cache entry decode failed, dropping",
			zap.String("key", key), zap.String("category", string(cat)), zap.Error(err))
		c.Delete(ctx, key, cat)
		return false
	}
	return true
}

// SetJSON marshals value and writes it through Set. Marshal failures are
// logged and swallowed.
func SetJSON[T any](ctx context.Context, c *TieredCache, key string, cat Category, value T) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache entry encode failed",
			zap.String("key", key), zap.String("category", string(cat)), zap.Error(err))
		return
	}
	c.Set(ctx, key, data, cat)
}
