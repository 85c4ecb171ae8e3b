package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// Metrics holds Prometheus metrics for pipeline outcomes.
type Metrics struct {
	rejections *prometheus.CounterVec
	streams    prometheus.Gauge
	sessions   *prometheus.CounterVec
}

// NewMetrics creates pipeline metrics registered with registerer. A nil
// registerer leaves them unregistered. Duplicate registration is ignored.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}

	m := &Metrics{
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "rejections_total",
				Help:      "Total number of requests ended before dispatch, by stage and reason",
			},
			[]string{"stage", "reason"},
		),
		streams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "open_streams",
				Help:      "Number of event streams being relayed to clients",
			},
		),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "session_operations_total",
				Help:      "Total number of session store operations, by operation and result",
			},
			[]string{"operation", "result"},
		),
	}

	if registerer != nil {
		for _, c := range []prometheus.Collector{m.rejections, m.streams, m.sessions} {
			_ = registerer.Register(c)
		}
	}

	return m
}

func (m *Metrics) recordRejection(stage Stage, reason string) {
	m.rejections.WithLabelValues(string(stage), reason).Inc()
}

func (m *Metrics) recordSession(operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.sessions.WithLabelValues(operation, result).Inc()
}
