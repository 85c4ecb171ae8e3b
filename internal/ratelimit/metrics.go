package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// Decision results used as metric labels.
const (
	resultAllowed  = "allowed"
	resultRejected = "rejected"
	resultError    = "error"
)

// Metrics holds Prometheus metrics for rate limiting.
type Metrics struct {
	decisionsTotal *prometheus.CounterVec
	fallbacksTotal prometheus.Counter
}

// NewMetrics creates rate limit metrics registered with registerer. A nil
// registerer leaves them unregistered. Duplicate registration is ignored.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}

	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rate_limit",
				Name:      "decisions_total",
				Help:      "Total number of rate limit decisions by tier and result",
			},
			[]string{"tier", "result"},
		),
		fallbacksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rate_limit",
				Name:      "store_fallbacks_total",
				Help:      "Total number of decisions answered by the local fallback store",
			},
		),
	}

	if registerer != nil {
		for _, c := range []prometheus.Collector{m.decisionsTotal, m.fallbacksTotal} {
			_ = registerer.Register(c)
		}
	}

	return m
}

// RecordDecision records one tier decision.
func (m *Metrics) RecordDecision(tier Tier, result string) {
	m.decisionsTotal.WithLabelValues(string(tier), result).Inc()
}

// FallbackCounter returns the counter to hand to a Redis store.
func (m *Metrics) FallbackCounter() prometheus.Counter {
	return m.fallbacksTotal
}
