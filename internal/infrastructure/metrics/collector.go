package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/asakaida/gatekeeper/pkg/cache"
	"github.com/asakaida/gatekeeper/pkg/cache/memorycache"
)

// Collector collects and aggregates metrics for the application.
type Collector struct {
	// API metrics
	apiRequests sync.Map // map[string]*uint64 - method -> count
	apiErrors   sync.Map // map[string]*uint64 - method -> error count
	apiDuration sync.Map // map[string]*durationValue - method -> total duration in seconds

	// Ability cache events
	abilityHits      uint64
	abilityMisses    uint64
	abilityMalformed uint64
	abilityRebuilds  uint64

	// Query filter outcomes
	filterOutcomes sync.Map // map[FilterKey]*uint64

	// Cache reference (optional, for querying backend-specific metrics)
	cache cache.Cache
}

// durationValue holds duration with mutex for thread-safe updates.
type durationValue struct {
	mu           sync.Mutex
	totalSeconds float64
}

// FilterKey identifies a query filter outcome counter.
type FilterKey struct {
	Subject string
	Outcome string
}

// CacheMetrics holds ability cache metrics.
type CacheMetrics struct {
	Hits        uint64
	Misses      uint64
	Malformed   uint64
	Rebuilds    uint64
	HitRate     float64
	KeysCurrent int64
	Evictions   uint64
}

// APIMetrics holds API request metrics.
type APIMetrics struct {
	RequestCounts        map[string]uint64
	ErrorCounts          map[string]uint64
	TotalDurationSeconds map[string]float64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// SetCache sets the cache backend for collecting backend metrics.
func (c *Collector) SetCache(cache cache.Cache) {
	c.cache = cache
}

// RecordRequest records an API request.
func (c *Collector) RecordRequest(method string) {
	counter := c.getOrCreateCounter(&c.apiRequests, method)
	atomic.AddUint64(counter, 1)
}

// RecordError records an API error.
func (c *Collector) RecordError(method string) {
	counter := c.getOrCreateCounter(&c.apiErrors, method)
	atomic.AddUint64(counter, 1)
}

// RecordDuration records the duration of an API call in seconds.
func (c *Collector) RecordDuration(method string, durationSeconds float64) {
	val, _ := c.apiDuration.LoadOrStore(method, &durationValue{})
	dv := val.(*durationValue)

	dv.mu.Lock()
	dv.totalSeconds += durationSeconds
	dv.mu.Unlock()
}

// RecordCacheHit records an ability served from the cache.
func (c *Collector) RecordCacheHit() { atomic.AddUint64(&c.abilityHits, 1) }

// RecordCacheMiss records an ability lookup that found nothing usable.
func (c *Collector) RecordCacheMiss() { atomic.AddUint64(&c.abilityMisses, 1) }

// RecordCacheMalformed records a cache entry that failed to decode.
func (c *Collector) RecordCacheMalformed() { atomic.AddUint64(&c.abilityMalformed, 1) }

// RecordAbilityRebuild records an ability compiled from the rule store.
func (c *Collector) RecordAbilityRebuild() { atomic.AddUint64(&c.abilityRebuilds, 1) }

// RecordFilterOutcome records the outcome of one query filter application.
func (c *Collector) RecordFilterOutcome(subject, outcome string) {
	val, _ := c.filterOutcomes.LoadOrStore(FilterKey{Subject: subject, Outcome: outcome}, new(uint64))
	atomic.AddUint64(val.(*uint64), 1)
}

// GetCacheMetrics returns current ability cache metrics.
func (c *Collector) GetCacheMetrics() *CacheMetrics {
	result := &CacheMetrics{
		Hits:      atomic.LoadUint64(&c.abilityHits),
		Misses:    atomic.LoadUint64(&c.abilityMisses),
		Malformed: atomic.LoadUint64(&c.abilityMalformed),
		Rebuilds:  atomic.LoadUint64(&c.abilityRebuilds),
	}
	if total := result.Hits + result.Misses; total > 0 {
		result.HitRate = float64(result.Hits) / float64(total)
	}

	if c.cache == nil {
		return result
	}

	if backend := c.cache.Metrics(); backend != nil {
		result.Evictions = backend.KeysEvicted
		result.KeysCurrent = backend.KeysCurrent
	}

	// Get current keys if available
	if memCache, ok := c.cache.(*memorycache.Cache); ok {
		result.KeysCurrent = int64(memCache.Len())
	}

	return result
}

// GetFilterOutcomes returns the query filter outcome counts.
func (c *Collector) GetFilterOutcomes() map[FilterKey]uint64 {
	result := make(map[FilterKey]uint64)
	c.filterOutcomes.Range(func(key, value interface{}) bool {
		result[key.(FilterKey)] = atomic.LoadUint64(value.(*uint64))
		return true
	})
	return result
}

// GetAPIMetrics returns current API metrics.
func (c *Collector) GetAPIMetrics() *APIMetrics {
	result := &APIMetrics{
		RequestCounts:        make(map[string]uint64),
		ErrorCounts:          make(map[string]uint64),
		TotalDurationSeconds: make(map[string]float64),
	}

	// Collect request counts
	c.apiRequests.Range(func(key, value interface{}) bool {
		method := key.(string)
		count := atomic.LoadUint64(value.(*uint64))
		result.RequestCounts[method] = count
		return true
	})

	// Collect error counts
	c.apiErrors.Range(func(key, value interface{}) bool {
		method := key.(string)
		count := atomic.LoadUint64(value.(*uint64))
		result.ErrorCounts[method] = count
		return true
	})

	// Collect duration totals
	c.apiDuration.Range(func(key, value interface{}) bool {
		method := key.(string)
		dv := value.(*durationValue)
		dv.mu.Lock()
		result.TotalDurationSeconds[method] = dv.totalSeconds
		dv.mu.Unlock()
		return true
	})

	return result
}

// getOrCreateCounter gets or creates a counter for the given key.
func (c *Collector) getOrCreateCounter(m *sync.Map, key string) *uint64 {
	val, _ := m.LoadOrStore(key, new(uint64))
	return val.(*uint64)
}
