package upstream

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// Metrics holds Prometheus metrics for upstream dispatch.
type Metrics struct {
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	failoversTotal   *prometheus.CounterVec
	activeStreams    *prometheus.GaugeVec
}

// NewMetrics creates upstream metrics registered with registerer. A nil
// registerer leaves them unregistered. Duplicate registration is ignored.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}

	m := &Metrics{
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "dispatch_total",
				Help:      "Total number of upstream dispatch attempts by target and outcome",
			},
			[]string{"target", "outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "dispatch_duration_seconds",
				Help:      "Time until the upstream reply headers arrived",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"target"},
		),
		failoversTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "failovers_total",
				Help:      "Total number of retries on another target",
			},
			[]string{"upstream"},
		),
		activeStreams: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "active_streams",
				Help:      "Number of streamed replies currently holding a connection",
			},
			[]string{"target"},
		),
	}

	if registerer != nil {
		for _, c := range []prometheus.Collector{
			m.dispatchTotal, m.dispatchDuration, m.failoversTotal, m.activeStreams,
		} {
			_ = registerer.Register(c)
		}
	}

	return m
}

func (m *Metrics) recordAttempt(target, outcome string, start time.Time) {
	m.dispatchTotal.WithLabelValues(target, outcome).Inc()
	m.dispatchDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())
}
