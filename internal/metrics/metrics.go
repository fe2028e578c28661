// Package metrics exposes the proxy's Prometheus instrumentation:
// cache hit/miss/write counters, an upstream fetch latency histogram,
// and a validation-rejection counter, plus the /metrics and /healthz
// HTTP handlers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "provider_proxy"

// Registry bundles every metric the proxy records, registered against
// its own prometheus.Registry rather than the global default so tests
// can construct as many isolated instances as they need.
type Registry struct {
	reg *prometheus.Registry

	cacheResults     *prometheus.CounterVec
	cacheWrites      *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	rejections       *prometheus.CounterVec
}

// New builds a Registry with all metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		cacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_results_total",
			Help:      "Cache lookups by outcome (hit or miss).",
		}, []string{"result"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Cache writes by outcome (ok, error, or skipped).",
		}, []string{"outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_fetch_duration_seconds",
			Help:      "Time spent waiting on the upstream origin for a cache miss.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"host"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_rejections_total",
			Help:      "Requests rejected by a validation gate, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.cacheResults, m.cacheWrites, m.upstreamDuration, m.rejections)
	return m
}

// RecordCacheResult implements cachestore.Recorder.
func (m *Registry) RecordCacheResult(hit bool) {
	if hit {
		m.cacheResults.WithLabelValues("hit").Inc()
		return
	}
	m.cacheResults.WithLabelValues("miss").Inc()
}

// RecordCacheWrite implements cachestore.Recorder.
func (m *Registry) RecordCacheWrite(outcome string) {
	m.cacheWrites.WithLabelValues(outcome).Inc()
}

// ObserveUpstreamFetch records how long an upstream round trip for
// host took.
func (m *Registry) ObserveUpstreamFetch(host string, d time.Duration) {
	m.upstreamDuration.WithLabelValues(host).Observe(d.Seconds())
}

// RecordRejection counts a request turned away by a validation gate
// before it reached the cache or upstream.
func (m *Registry) RecordRejection(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus text exposition
// format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// HealthzHandler answers liveness probes unconditionally: the process
// has no external dependency whose failure should flip it unhealthy,
// since the cache is local disk and the upstream fetcher is per-request.
func HealthzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
