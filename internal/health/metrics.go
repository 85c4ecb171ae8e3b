package health

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// Metrics holds Prometheus metrics for health checks.
type Metrics struct {
	checksTotal   *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	checkStatus   *prometheus.GaugeVec
	ready         prometheus.Gauge
}

// NewMetrics creates health metrics registered with registerer. A nil
// registerer leaves them unregistered. Duplicate registration is ignored.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}

	m := &Metrics{
		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "checks_total",
				Help:      "Total number of health check executions",
			},
			[]string{"check", "result"},
		),
		checkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "check_duration_seconds",
				Help:      "Health check duration in seconds",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"check"},
		),
		checkStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "check_status",
				Help:      "Last health check result (1=ok, 0=error)",
			},
			[]string{"check"},
		),
		ready: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "ready",
				Help:      "Whether the gateway accepts traffic (1=ready, 0=not ready)",
			},
		),
	}

	if registerer != nil {
		for _, c := range []prometheus.Collector{m.checksTotal, m.checkDuration, m.checkStatus, m.ready} {
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

func (m *Metrics) recordCheck(name string, err error, d time.Duration) {
	result, value := "ok", 1.0
	if err != nil {
		result, value = "error", 0
	}
	m.checksTotal.WithLabelValues(name, result).Inc()
	m.checkDuration.WithLabelValues(name).Observe(d.Seconds())
	m.checkStatus.WithLabelValues(name).Set(value)
}

func (m *Metrics) setReady(ready bool) {
	if ready {
		m.ready.Set(1)
		return
	}
	m.ready.Set(0)
}
