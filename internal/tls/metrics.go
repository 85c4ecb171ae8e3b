package tls

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// Metrics holds Prometheus metrics for listener certificates.
type Metrics struct {
	expiry      prometheus.Gauge
	reloadTotal *prometheus.CounterVec
}

// NewMetrics creates TLS metrics registered with registerer. A nil
// registerer leaves them unregistered. Duplicate registration is ignored.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}

	m := &Metrics{
		expiry: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "tls",
				Name:      "certificate_expiry_seconds",
				Help:      "Unix time at which the serving certificate expires",
			},
		),
		reloadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tls",
				Name:      "certificate_reload_total",
				Help:      "Total number of certificate reload attempts",
			},
			[]string{"result"},
		),
	}

	if registerer != nil {
		for _, c := range []prometheus.Collector{m.expiry, m.reloadTotal} {
			_ = registerer.Register(c)
		}
	}

	return m
}

func orDefault(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return NewMetrics("", nil)
}

func (m *Metrics) recordReload(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.reloadTotal.WithLabelValues(result).Inc()
}
