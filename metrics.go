package mitmca

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the certificate authority.
type Metrics struct {
	certCacheSize   prometheus.Gauge
	certCacheHits   prometheus.Counter
	certCacheMisses prometheus.Counter
	issuanceErrors  prometheus.Counter
	bootstraps      prometheus.Counter
	regenerations   prometheus.Counter
	resets          prometheus.Counter
	exports         prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mitmca",
			Name:      "cert_cache_size",
			Help:      "Number of cached host certificates.",
		}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mitmca",
			Name:      "cert_cache_hits_total",
			Help:      "Number of certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mitmca",
			Name:      "cert_cache_misses_total",
			Help:      "Number of certificate cache misses (issuances).",
		}),

		issuanceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mitmca",
			Name:      "issuance_errors_total",
			Help:      "Number of failed certificate issuances.",
		}),

		bootstraps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mitmca",
			Name:      "bootstraps_total",
			Help:      "Number of root CA initializations from disk.",
		}),

		regenerations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mitmca",
			Name:      "regenerations_total",
			Help:      "Number of root CA regenerations.",
		}),

		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mitmca",
			Name:      "resets_total",
			Help:      "Number of resets to the bundled default root.",
		}),

		exports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mitmca",
			Name:      "trust_bundle_exports_total",
			Help:      "Number of trust bundle exports.",
		}),
	}

	reg.MustRegister(
		m.certCacheSize,
		m.certCacheHits,
		m.certCacheMisses,
		m.issuanceErrors,
		m.bootstraps,
		m.regenerations,
		m.resets,
		m.exports,
	)

	m.registry = reg
	return m
}

// Handler returns an http.Handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry for callers that
// want to register additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetCacheSize records the current certificate cache size.
func (m *Metrics) SetCacheSize(n int) {
	m.certCacheSize.Set(float64(n))
}

// RecordCacheHit increments the cache hit counter.
func (m *Metrics) RecordCacheHit() {
	m.certCacheHits.Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (m *Metrics) RecordCacheMiss() {
	m.certCacheMisses.Inc()
}

// RecordIssuanceError increments the issuance error counter.
func (m *Metrics) RecordIssuanceError() {
	m.issuanceErrors.Inc()
}

// RecordBootstrap increments the bootstrap counter.
func (m *Metrics) RecordBootstrap() {
	m.bootstraps.Inc()
}

// RecordRegeneration increments the regeneration counter.
func (m *Metrics) RecordRegeneration() {
	m.regenerations.Inc()
}

// RecordReset increments the reset counter.
func (m *Metrics) RecordReset() {
	m.resets.Inc()
}

// RecordExport increments the export counter.
func (m *Metrics) RecordExport() {
	m.exports.Inc()
}
