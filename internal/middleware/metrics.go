package middleware

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// Metrics holds Prometheus metrics for middleware operations.
type Metrics struct {
	panicsRecovered   prometheus.Counter
	bodyLimitRejected prometheus.Counter
}

// NewMetrics creates middleware metrics registered with registerer. A nil
// registerer leaves them unregistered. Duplicate registration is ignored.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}

	m := &Metrics{
		panicsRecovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "middleware",
				Name:      "panics_recovered_total",
				Help:      "Total number of panics recovered in HTTP handlers",
			},
		),
		bodyLimitRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "middleware",
				Name:      "body_limit_rejected_total",
				Help:      "Total number of requests rejected for an oversized body",
			},
		),
	}

	if registerer != nil {
		for _, c := range []prometheus.Collector{m.panicsRecovered, m.bodyLimitRejected} {
			_ = registerer.Register(c)
		}
	}

	return m
}

func orDefault(m *Metrics) *Metrics {
	if m == nil {
		return NewMetrics("", nil)
	}
	return m
}
