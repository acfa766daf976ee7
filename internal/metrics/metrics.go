// Package metrics exposes Prometheus collectors for the memory tiers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	TierItems          *prometheus.GaugeVec
	PromotionsTotal    *prometheus.CounterVec
	EvictionsTotal     *prometheus.CounterVec
	SnapshotSavesTotal *prometheus.CounterVec
	ArchivedTotal      prometheus.Counter
	SearchTierErrors   *prometheus.CounterVec
	SearchDuration     prometheus.Histogram
}

// NewMetrics creates and registers all collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		TierItems: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tiermem_tier_items",
				Help: "Number of items resident in each tier",
			},
			[]string{"tier"},
		),
		PromotionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiermem_promotions_total",
				Help: "Total number of items promoted between tiers",
			},
			[]string{"from", "to"},
		),
		EvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiermem_evictions_total",
				Help: "Total number of items evicted to make room",
			},
			[]string{"tier"},
		),
		SnapshotSavesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiermem_snapshot_saves_total",
				Help: "Total number of snapshot saves by outcome",
			},
			[]string{"status"},
		),
		ArchivedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tiermem_archived_total",
				Help: "Total number of long-term items archived",
			},
		),
		SearchTierErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiermem_search_tier_errors_total",
				Help: "Total number of tier failures during search",
			},
			[]string{"tier"},
		),
		SearchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tiermem_search_duration_seconds",
				Help:    "Duration of cross-tier searches in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	registry.MustRegister(
		m.TierItems,
		m.PromotionsTotal,
		m.EvictionsTotal,
		m.SnapshotSavesTotal,
		m.ArchivedTotal,
		m.SearchTierErrors,
		m.SearchDuration,
	)
	return m
}

func (m *Metrics) SetTierItems(tier string, n int) {
	if m == nil {
		return
	}
	m.TierItems.WithLabelValues(tier).Set(float64(n))
}

func (m *Metrics) Promoted(from, to string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PromotionsTotal.WithLabelValues(from, to).Add(float64(n))
}

func (m *Metrics) Evicted(tier string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EvictionsTotal.WithLabelValues(tier).Add(float64(n))
}

func (m *Metrics) SnapshotSaved(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.SnapshotSavesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) Archived(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ArchivedTotal.Add(float64(n))
}

func (m *Metrics) SearchTierFailed(tier string) {
	if m == nil {
		return
	}
	m.SearchTierErrors.WithLabelValues(tier).Inc()
}

func (m *Metrics) ObserveSearch(d time.Duration) {
	if m == nil {
		return
	}
	m.SearchDuration.Observe(d.Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
