package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusExporter exports metrics to Prometheus format.
// It also implements the ability cache and query filter recorders, counting
// every event in both Prometheus and the collector.
type PrometheusExporter struct {
	collector *Collector

	// Prometheus metrics
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheMalformed prometheus.Counter
	rebuilds       prometheus.Counter
	cacheHitRate   prometheus.Gauge
	cacheKeys      prometheus.Gauge
	cacheEvictions prometheus.Gauge
	filterOutcomes *prometheus.CounterVec
	grpcRequests   *prometheus.CounterVec
	grpcDuration   *prometheus.HistogramVec
	grpcErrors     *prometheus.CounterVec
}

// NewPrometheusExporter creates a new Prometheus exporter registered with reg
// (prometheus.DefaultRegisterer when nil).
func NewPrometheusExporter(collector *Collector, reg prometheus.Registerer) *PrometheusExporter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusExporter{
		collector: collector,
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_ability_cache_hits_total",
			Help: "Total number of abilities served from the cache",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_ability_cache_misses_total",
			Help: "Total number of ability cache misses",
		}),
		cacheMalformed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_ability_cache_malformed_total",
			Help: "Total number of malformed ability cache entries dropped",
		}),
		rebuilds: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_ability_rebuilds_total",
			Help: "Total number of abilities compiled from the rule store",
		}),
		cacheHitRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_ability_cache_hit_rate",
			Help: "Current ability cache hit rate (0.0 to 1.0)",
		}),
		cacheKeys: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_ability_cache_keys_current",
			Help: "Current number of cached abilities",
		}),
		cacheEvictions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_ability_cache_evictions",
			Help: "Number of ability cache evictions since start",
		}),
		filterOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_query_filter_outcomes_total",
				Help: "Total number of query filter applications by outcome",
			},
			[]string{"subject", "outcome"},
		),
		grpcRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_grpc_requests_total",
				Help: "Total number of gRPC requests",
			},
			[]string{"method"},
		),
		grpcDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_grpc_request_duration_seconds",
				Help:    "Duration of gRPC requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
			},
			[]string{"method"},
		),
		grpcErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_grpc_errors_total",
				Help: "Total number of gRPC errors",
			},
			[]string{"method", "code"},
		),
	}
}

// Update updates Gauge metrics from the collector.
// Counters are updated as events happen, so only gauges are refreshed here.
// This should be called periodically (e.g., every 10 seconds).
func (e *PrometheusExporter) Update() {
	cacheMetrics := e.collector.GetCacheMetrics()
	e.cacheHitRate.Set(cacheMetrics.HitRate)
	e.cacheKeys.Set(float64(cacheMetrics.KeysCurrent))
	e.cacheEvictions.Set(float64(cacheMetrics.Evictions))
}

// RecordRequest records a request in Prometheus.
func (e *PrometheusExporter) RecordRequest(method string) {
	e.grpcRequests.WithLabelValues(method).Inc()
}

// RecordDuration records a duration in Prometheus.
func (e *PrometheusExporter) RecordDuration(method string, durationSeconds float64) {
	e.grpcDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordError records an error with its gRPC status code in Prometheus.
func (e *PrometheusExporter) RecordError(method, code string) {
	e.grpcErrors.WithLabelValues(method, code).Inc()
}

// RecordCacheHit records a cache hit.
func (e *PrometheusExporter) RecordCacheHit() {
	e.cacheHits.Inc()
	e.collector.RecordCacheHit()
}

// RecordCacheMiss records a cache miss.
func (e *PrometheusExporter) RecordCacheMiss() {
	e.cacheMisses.Inc()
	e.collector.RecordCacheMiss()
}

// RecordCacheMalformed records a malformed cache entry.
func (e *PrometheusExporter) RecordCacheMalformed() {
	e.cacheMalformed.Inc()
	e.collector.RecordCacheMalformed()
}

// RecordAbilityRebuild records an ability compiled from the rule store.
func (e *PrometheusExporter) RecordAbilityRebuild() {
	e.rebuilds.Inc()
	e.collector.RecordAbilityRebuild()
}

// RecordFilterOutcome records a query filter outcome.
func (e *PrometheusExporter) RecordFilterOutcome(subject, outcome string) {
	e.filterOutcomes.WithLabelValues(subject, outcome).Inc()
	e.collector.RecordFilterOutcome(subject, outcome)
}
