package analytics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yanolja/promptcache/tiered"
)

// Metrics exposes cache statistics to Prometheus. Counters arrive as
// snapshot totals rather than increments, so everything is modeled as a
// gauge set to the latest snapshot.
type Metrics struct {
	registry *prometheus.Registry

	hits        *prometheus.GaugeVec
	misses      *prometheus.GaugeVec
	sets        *prometheus.GaugeVec
	evictions   *prometheus.GaugeVec
	entries     *prometheus.GaugeVec
	memoryBytes *prometheus.GaugeVec

	hitRate     prometheus.Gauge
	tokensSaved prometheus.Gauge
}

// NewMetrics builds and registers the collectors under the given namespace.
func NewMetrics(namespace string) *Metrics {
	tierLabels := []string{"tier"}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		hits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cumulative cache hits per tier.",
		}, tierLabels),
		misses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cumulative cache misses per tier.",
		}, tierLabels),
		sets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_sets_total",
			Help:      "Cumulative cache writes per tier.",
		}, tierLabels),
		evictions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Cumulative cache evictions per tier.",
		}, tierLabels),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Current number of cached entries per tier.",
		}, tierLabels),
		memoryBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_memory_bytes",
			Help:      "Approximate bytes held per tier.",
		}, tierLabels),
		hitRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_hit_rate",
			Help:      "Aggregate hit rate across all tiers.",
		}),
		tokensSaved: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_tokens_saved_total",
			Help:      "Cumulative generation tokens avoided by cache hits.",
		}),
	}

	m.registry.MustRegister(
		m.hits, m.misses, m.sets, m.evictions, m.entries, m.memoryBytes,
		m.hitRate, m.tokensSaved,
	)
	return m
}

// Observe updates every collector from a statistics snapshot.
func (m *Metrics) Observe(stats tiered.Stats) {
	for tier, tierStats := range stats.ByTier {
		labels := prometheus.Labels{"tier": string(tier)}
		m.hits.With(labels).Set(float64(tierStats.Hits))
		m.misses.With(labels).Set(float64(tierStats.Misses))
		m.sets.With(labels).Set(float64(tierStats.Sets))
		m.evictions.With(labels).Set(float64(tierStats.Evictions))
		m.entries.With(labels).Set(float64(tierStats.CurrentSize))
		m.memoryBytes.With(labels).Set(float64(tierStats.MemoryUsageBytes))
	}
	m.hitRate.Set(stats.Aggregate.HitRate)
	m.tokensSaved.Set(float64(stats.Aggregate.TokensSaved))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
