package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/asakaida/gatekeeper/pkg/cache/memorycache"
)

func TestPrometheusExporter_AbilityCacheEvents(t *testing.T) {
	collector := NewCollector()
	exporter, _ := newTestExporter(collector)

	exporter.RecordCacheHit()
	exporter.RecordCacheHit()
	exporter.RecordCacheHit()
	exporter.RecordCacheMiss()
	exporter.RecordCacheMalformed()
	exporter.RecordAbilityRebuild()

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"hits", testutil.ToFloat64(exporter.cacheHits), 3},
		{"misses", testutil.ToFloat64(exporter.cacheMisses), 1},
		{"malformed", testutil.ToFloat64(exporter.cacheMalformed), 1},
		{"rebuilds", testutil.ToFloat64(exporter.rebuilds), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	m := collector.GetCacheMetrics()
	if m.Hits != 3 || m.Misses != 1 || m.Malformed != 1 || m.Rebuilds != 1 {
		t.Errorf("collector out of sync: %+v", m)
	}
	if m.HitRate != 0.75 {
		t.Errorf("expected hit rate 0.75, got %v", m.HitRate)
	}
}

func TestPrometheusExporter_FilterOutcomes(t *testing.T) {
	collector := NewCollector()
	exporter, _ := newTestExporter(collector)

	exporter.RecordFilterOutcome("Article", "applied")
	exporter.RecordFilterOutcome("Article", "applied")
	exporter.RecordFilterOutcome("Article", "denied")
	exporter.RecordFilterOutcome("File", "failed")

	if got := testutil.ToFloat64(exporter.filterOutcomes.WithLabelValues("Article", "applied")); got != 2 {
		t.Errorf("expected 2 applied, got %v", got)
	}
	if got := testutil.CollectAndCount(exporter.filterOutcomes); got != 3 {
		t.Errorf("expected 3 label combinations, got %d", got)
	}

	outcomes := collector.GetFilterOutcomes()
	if outcomes[FilterKey{Subject: "File", Outcome: "failed"}] != 1 {
		t.Errorf("unexpected collector outcomes %v", outcomes)
	}
}

func TestPrometheusExporter_UpdateReadsCacheBackend(t *testing.T) {
	collector := NewCollector()
	exporter, _ := newTestExporter(collector)

	backend, err := memorycache.New(&memorycache.Config{MaxEntries: 10, DefaultTTL: time.Minute, EnableMetrics: true})
	if err != nil {
		t.Fatalf("memorycache.New failed: %v", err)
	}
	collector.SetCache(backend)

	ctx := context.Background()
	for _, key := range []string{"ability:alice", "ability:bob"} {
		if err := backend.Set(ctx, key, []byte("{}"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	exporter.RecordCacheHit()

	exporter.Update()

	if got := testutil.ToFloat64(exporter.cacheKeys); got != 2 {
		t.Errorf("expected 2 keys, got %v", got)
	}
	if got := testutil.ToFloat64(exporter.cacheHitRate); got != 1 {
		t.Errorf("expected hit rate 1, got %v", got)
	}
}

func TestCollector_NoCache(t *testing.T) {
	m := NewCollector().GetCacheMetrics()
	if m.KeysCurrent != 0 || m.HitRate != 0 {
		t.Errorf("expected zero metrics, got %+v", m)
	}
}
