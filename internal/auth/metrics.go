package auth

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// Metrics holds Prometheus metrics for authentication operations.
type Metrics struct {
	attemptsTotal  *prometheus.CounterVec
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	verifyDuration prometheus.Histogram
}

// NewMetrics creates authentication metrics registered with registerer. A
// nil registerer leaves them unregistered. Duplicate registration is
// ignored.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}

	m := &Metrics{}

	m.attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Total number of authentication attempts by outcome",
		},
		[]string{"outcome"},
	)

	m.cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "cache_hits_total",
			Help:      "Total number of authentications served from the cache",
		},
	)

	m.cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "cache_misses_total",
			Help:      "Total number of authentications that required verification",
		},
	)

	m.verifyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "verify_duration_seconds",
			Help:      "Token verification duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	if registerer != nil {
		for _, c := range []prometheus.Collector{m.attemptsTotal, m.cacheHits, m.cacheMisses, m.verifyDuration} {
			_ = registerer.Register(c)
		}
	}

	return m
}

// RecordAttempt records an authentication attempt outcome.
func (m *Metrics) RecordAttempt(outcome string) {
	m.attemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.cacheMisses.Inc()
}

// ObserveVerify records a verification duration.
func (m *Metrics) ObserveVerify(d time.Duration) {
	m.verifyDuration.Observe(d.Seconds())
}
