package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// Metrics holds Prometheus metrics for connection pools.
type Metrics struct {
	connections     *prometheus.GaugeVec
	createdTotal    *prometheus.CounterVec
	closedTotal     *prometheus.CounterVec
	acquireDuration *prometheus.HistogramVec
	acquireErrors   *prometheus.CounterVec
	probesTotal     *prometheus.CounterVec
}

// NewMetrics creates pool metrics registered with registerer. A nil
// registerer leaves them unregistered.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}

	m := &Metrics{
		connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "connections",
				Help:      "Pooled upstream connections by state",
			},
			[]string{"target", "state"},
		),
		createdTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "connections_created_total",
				Help:      "Total number of upstream connections opened",
			},
			[]string{"target"},
		),
		closedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "connections_closed_total",
				Help:      "Total number of upstream connections closed",
			},
			[]string{"target", "reason"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "acquire_duration_seconds",
				Help:      "Time spent acquiring a connection",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 2.5, 5},
			},
			[]string{"target"},
		),
		acquireErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "acquire_errors_total",
				Help:      "Total number of failed acquires",
			},
			[]string{"target", "reason"},
		),
		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "health_probes_total",
				Help:      "Total number of idle connection health probes",
			},
			[]string{"target", "result"},
		),
	}

	if registerer != nil {
		for _, c := range []prometheus.Collector{
			m.connections, m.createdTotal, m.closedTotal, m.acquireDuration, m.acquireErrors, m.probesTotal,
		} {
			_ = registerer.Register(c)
		}
	}

	return m
}

func (m *Metrics) observeAcquire(target string, start time.Time) {
	m.acquireDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())
}

func (m *Metrics) setGauges(target string, idle, inUse int) {
	m.connections.WithLabelValues(target, "idle").Set(float64(idle))
	m.connections.WithLabelValues(target, "in_use").Set(float64(inUse))
}
