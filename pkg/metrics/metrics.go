// Package metrics exposes the engine's Prometheus instrumentation: token
// cache hit/miss counters, audit overflow counts, and token-exchange
// latency and error rates.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oboauth/delegation-engine/pkg/audit"
)

// Registry groups the engine's collectors behind one constructor so
// CoreContext can register them on a *prometheus.Registry (or the default
// one) exactly once at wiring time.
type Registry struct {
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	AuditOverflow   prometheus.Counter
	ExchangeLatency prometheus.Histogram
	ExchangeErrors  *prometheus.CounterVec
}

// New constructs a Registry's collectors (unregistered).
func New() *Registry {
	return &Registry{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oboauth", Subsystem: "tokencache", Name: "hits_total",
			Help: "Token cache lookups that returned a usable plaintext.",
		}, []string{"audience"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oboauth", Subsystem: "tokencache", Name: "misses_total",
			Help: "Token cache lookups that missed (absent, expired, or AAD mismatch).",
		}, []string{"audience"}),
		AuditOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oboauth", Subsystem: "audit", Name: "overflow_total",
			Help: "Audit entries evicted by ring-buffer capacity pressure.",
		}),
		ExchangeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "oboauth", Subsystem: "tokenexchange", Name: "latency_seconds",
			Help:    "Latency of RFC 8693 token exchange calls to external IdPs.",
			Buckets: prometheus.DefBuckets,
		}),
		ExchangeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oboauth", Subsystem: "tokenexchange", Name: "errors_total",
			Help: "Failed token exchange attempts, by audience.",
		}, []string{"audience"}),
	}
}

// MustRegister registers every collector on reg, panicking on a duplicate
// registration.
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(r.CacheHits, r.CacheMisses, r.AuditOverflow, r.ExchangeLatency, r.ExchangeErrors)
}

// ObserveExchange records one token-exchange attempt's latency and outcome.
func (r *Registry) ObserveExchange(audience string, d time.Duration, err error) {
	r.ExchangeLatency.Observe(d.Seconds())
	if err != nil {
		r.ExchangeErrors.WithLabelValues(audience).Inc()
	}
}

// ObserveCache records a cache lookup outcome for audience.
func (r *Registry) ObserveCache(audience string, hit bool) {
	if hit {
		r.CacheHits.WithLabelValues(audience).Inc()
		return
	}
	r.CacheMisses.WithLabelValues(audience).Inc()
}

// OverflowCallback returns an audit.OverflowFunc that just counts
// evictions; wire it into audit.Config.OnOverflow when metrics are enabled.
func (r *Registry) OverflowCallback() audit.OverflowFunc {
	return func(audit.Entry) { r.AuditOverflow.Inc() }
}
