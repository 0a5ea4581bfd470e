package cache

import (
	"sort"
	"sync"
	"time"
)

// timeNow is swapped out in tests.
var timeNow = time.Now

// localEntry is an item in the in-process tier together with the metadata
// the eviction strategies sort on.
type localEntry struct {
	key            string
	data           []byte
	writtenAt      time.Time
	ttl            time.Duration
	accessCount    int64
	lastAccessedAt time.Time
}

func (e *localEntry) expired(now time.Time) bool {
	return now.Sub(e.writtenAt) >= e.ttl
}

// localCache is the fast in-process tier. Entries are bucketed per
// category so capacity checks and clears never cross category boundaries.
type localCache struct {
	mu      sync.RWMutex
	buckets map[Category]map[string]*localEntry
}

func newLocalCache() *localCache {
	return &localCache{buckets: make(map[Category]map[string]*localEntry)}
}

// get returns the entry payload and refreshes its access metadata.
// Expired entries are removed on the spot and reported as absent.
func (c *localCache) get(key string, cat Category) ([]byte, bool) {
	now := timeNow()

	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.buckets[cat]
	if !ok {
		return nil, false
	}
	entry, ok := bucket[key]
	if !ok {
		return nil, false
	}
	if entry.expired(now) {
		delete(bucket, key)
		return nil, false
	}

	entry.accessCount++
	entry.lastAccessedAt = now
	return entry.data, true
}

func (c *localCache) set(key string, data []byte, cat Category, ttl time.Duration) {
	now := timeNow()

	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.buckets[cat]
	if !ok {
		bucket = make(map[string]*localEntry)
		c.buckets[cat] = bucket
	}
	bucket[key] = &localEntry{
		key:            key,
		data:           data,
		writtenAt:      now,
		ttl:            ttl,
		lastAccessedAt: now,
	}
}

func (c *localCache) delete(key string, cat Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bucket, ok := c.buckets[cat]; ok {
		delete(bucket, key)
	}
}

func (c *localCache) clearCategory(cat Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buckets, cat)
}

func (c *localCache) clearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets = make(map[Category]map[string]*localEntry)
}

func (c *localCache) len(cat Category) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buckets[cat])
}

func (c *localCache) totalLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, bucket := range c.buckets {
		total += len(bucket)
	}
	return total
}

// overflowKeys returns the keys that must be evicted to bring the category
// back under maxEntries, ordered per the eviction strategy, and removes
// them from the local tier.
func (c *localCache) overflowKeys(cat Category, maxEntries int, strategy EvictionStrategy) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.buckets[cat]
	if !ok || len(bucket) <= maxEntries {
		return nil
	}
	overflow := len(bucket) - maxEntries

	entries := make([]*localEntry, 0, len(bucket))
	for _, e := range bucket {
		entries = append(entries, e)
	}

	switch strategy {
	case EvictLFU:
		sort.Slice(entries, func(i, j int) bool { return entries[i].accessCount < entries[j].accessCount })
	case EvictFIFO:
		sort.Slice(entries, func(i, j int) bool { return entries[i].writtenAt.Before(entries[j].writtenAt) })
	default: // LRU
		sort.Slice(entries, func(i, j int) bool { return entries[i].lastAccessedAt.Before(entries[j].lastAccessedAt) })
	}

	keys := make([]string, 0, overflow)
	for _, e := range entries[:overflow] {
		delete(bucket, e.key)
		keys = append(keys, e.key)
	}
	return keys
}
