// Package metrics holds the daemon's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the daemon records into.
type Metrics struct {
	gatherer prometheus.Gatherer

	viewLoads       *prometheus.CounterVec
	viewLoadSeconds *prometheus.HistogramVec
	reconciles      *prometheus.CounterVec
	viewRecords     prometheus.Gauge
	persistFailures *prometheus.CounterVec
	transportEvents *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWith(reg, reg)
}

// NewWith registers all collectors on reg and serves them from g.
func NewWith(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: g,
		viewLoads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_view_loads_total",
			Help: "Conversation list loads by operation and result",
		}, []string{"op", "result"}),
		viewLoadSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inbox_view_load_seconds",
			Help:    "Conversation list load latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		reconciles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_reconcile_total",
			Help: "Loaded window reconciles by result",
		}, []string{"result"}),
		viewRecords: f.NewGauge(prometheus.GaugeOpts{
			Name: "inbox_view_records",
			Help: "Records currently materialized in the conversation list",
		}),
		persistFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_persist_failures_total",
			Help: "Optimistic mutations whose durable write failed",
		}, []string{"op"}),
		transportEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_transport_events_total",
			Help: "Transport events consumed by the reconciler",
		}, []string{"kind"}),
		cacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_cache_hits_total",
			Help: "Cache hits by cache name",
		}, []string{"cache"}),
		cacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_cache_misses_total",
			Help: "Cache misses by cache name",
		}, []string{"cache"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveLoad records one list load.
func (m *Metrics) ObserveLoad(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.viewLoads.WithLabelValues(op, result).Inc()
	m.viewLoadSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Reconcile counts a reconcile outcome: applied, skipped, stale or error.
func (m *Metrics) Reconcile(result string) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(result).Inc()
}

// SetRecords sets the materialized record count.
func (m *Metrics) SetRecords(n int) {
	if m == nil {
		return
	}
	m.viewRecords.Set(float64(n))
}

// PersistFailed counts a failed durable write.
func (m *Metrics) PersistFailed(op string) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(op).Inc()
}

// TransportEvent counts a consumed transport event.
func (m *Metrics) TransportEvent(kind string) {
	if m == nil {
		return
	}
	m.transportEvents.WithLabelValues(kind).Inc()
}

// CacheLookup counts a cache hit or miss.
func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.WithLabelValues(cache).Inc()
		return
	}
	m.cacheMisses.WithLabelValues(cache).Inc()
}
