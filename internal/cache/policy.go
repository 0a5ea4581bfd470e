package cache

import "time"

// Category is a named policy bucket. Every cache operation is scoped to a
// category; the category decides TTL, capacity and eviction strategy.
type Category string

const (
	CategoryMarketData     Category = "market_data"
	CategoryUserData       Category = "user_data"
	CategoryExchangeData   Category = "exchange_data"
	CategoryHistoricalData Category = "historical_data"
	CategoryCredentials    Category = "credentials"
	CategoryMitigation     Category = "mitigation"
	CategoryDefault        Category = "default"
)

// EvictionStrategy decides which entries go first when a category is over
// capacity.
type EvictionStrategy int

const (
	EvictLRU EvictionStrategy = iota
	EvictLFU
	EvictFIFO
)

func (s EvictionStrategy) String() string {
	switch s {
	case EvictLRU:
		return "lru"
	case EvictLFU:
		return "lfu"
	case EvictFIFO:
		return "fifo"
	}
	return "unknown"
}

// Policy holds the per-category cache behavior.
type Policy struct {
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
	MaxEntries int           `yaml:"max_entries" json:"max_entries"`
	Eviction   EvictionStrategy
}

// FallbackPolicy applies to any category without an explicit registration.
var FallbackPolicy = Policy{
	TTL:        time.Minute,
	MaxEntries: 1000,
	Eviction:   EvictLRU,
}

// DefaultPolicies is the policy table registered at startup. Individual
// entries can be replaced at runtime through TieredCache.SetPolicy.
func DefaultPolicies() map[Category]Policy {
	return map[Category]Policy{
		CategoryMarketData:     {TTL: 5 * time.Second, MaxEntries: 2000, Eviction: EvictLRU},
		CategoryUserData:       {TTL: 30 * time.Second, MaxEntries: 5000, Eviction: EvictLRU},
		CategoryExchangeData:   {TTL: 10 * time.Second, MaxEntries: 2000, Eviction: EvictLFU},
		CategoryHistoricalData: {TTL: 10 * time.Minute, MaxEntries: 500, Eviction: EvictFIFO},
		CategoryCredentials:    {TTL: 60 * time.Second, MaxEntries: 5000, Eviction: EvictLRU},
		CategoryMitigation:     {TTL: 10 * time.Minute, MaxEntries: 5000, Eviction: EvictLRU},
		CategoryDefault:        FallbackPolicy,
	}
}
