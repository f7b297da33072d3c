package memorycache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/asakaida/gatekeeper/pkg/cache"
)

// entry represents a cache entry with value and metadata
type entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache implements an in-process LRU cache with TTL support.
// Entries never outlive DefaultTTL; a shorter per-entry TTL passed to Set is honoured.
type Cache struct {
	lru *lru.LRU[string, entry]

	// Metrics
	metricsEnabled bool
	hits           atomic.Uint64
	misses         atomic.Uint64
	keysAdded      atomic.Uint64
	removed        atomic.Uint64 // every removal reported by the LRU
	deleted        atomic.Uint64 // removals requested through Delete/Clear
}

// Config holds configuration for the memory cache.
type Config struct {
	// MaxEntries is the maximum number of cached entries.
	// When this limit is exceeded, least recently used entries are evicted.
	MaxEntries int

	// DefaultTTL is the default (and maximum) time-to-live for cached entries.
	DefaultTTL time.Duration

	// EnableMetrics enables collection of cache metrics.
	EnableMetrics bool
}

// New creates a new memory cache with the given configuration.
func New(config *Config) (*Cache, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.MaxEntries <= 0 {
		return nil, fmt.Errorf("max entries must be positive, got %d", config.MaxEntries)
	}
	if config.DefaultTTL <= 0 {
		return nil, fmt.Errorf("default TTL must be positive, got %s", config.DefaultTTL)
	}

	c := &Cache{metricsEnabled: config.EnableMetrics}
	c.lru = lru.NewLRU[string, entry](config.MaxEntries, func(string, entry) {
		c.removed.Add(1)
	}, config.DefaultTTL)

	return c, nil
}

// Get retrieves a value from cache.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ent, ok := c.lru.Get(key)
	if !ok {
		c.recordMiss()
		return nil, false, nil
	}

	// Per-entry TTL may be shorter than the LRU-wide TTL
	if time.Now().After(ent.expiresAt) {
		c.lru.Remove(key)
		c.recordMiss()
		return nil, false, nil
	}

	if c.metricsEnabled {
		c.hits.Add(1)
	}
	return append([]byte(nil), ent.value...), true, nil
}

// Set stores a value in cache with the specified TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}
	c.lru.Add(key, entry{
		value:     append([]byte(nil), value...),
		expiresAt: time.Now().Add(ttl),
	})
	if c.metricsEnabled {
		c.keysAdded.Add(1)
	}
	return nil
}

// Delete removes a value from cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if c.lru.Remove(key) {
		c.deleted.Add(1)
	}
	return nil
}

// Clear removes all entries from cache.
func (c *Cache) Clear(ctx context.Context) error {
	c.deleted.Add(uint64(c.lru.Len()))
	c.lru.Purge()
	return nil
}

// Close releases resources (no-op for memory cache).
func (c *Cache) Close() error {
	return nil
}

// Metrics returns cache statistics.
func (c *Cache) Metrics() *cache.Metrics {
	if !c.metricsEnabled {
		return &cache.Metrics{KeysCurrent: int64(c.lru.Len())}
	}

	removed := c.removed.Load()
	deleted := c.deleted.Load()
	var evicted uint64
	if removed > deleted {
		evicted = removed - deleted
	}

	return &cache.Metrics{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		KeysAdded:   c.keysAdded.Load(),
		KeysEvicted: evicted,
		KeysCurrent: int64(c.lru.Len()),
	}
}

// Len returns the current number of items in cache.
func (c *Cache) Len() int {
	return c.lru.Len()
}

func (c *Cache) recordMiss() {
	if c.metricsEnabled {
		c.misses.Add(1)
	}
}
