package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// Metrics holds Prometheus metrics for circuit breakers.
type Metrics struct {
	state         *prometheus.GaugeVec
	requestsTotal *prometheus.CounterVec
	failuresTotal *prometheus.CounterVec
	successTotal  *prometheus.CounterVec
	changesTotal  *prometheus.CounterVec
}

// NewMetrics creates circuit breaker metrics registered with registerer. A
// nil registerer leaves them unregistered. Duplicate registration is ignored.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}

	m := &Metrics{
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "state",
				Help:      "Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"target"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "requests_total",
				Help:      "Total number of requests through circuit breakers",
			},
			[]string{"target", "result"},
		),
		failuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "failures_total",
				Help:      "Total number of failures recorded by circuit breakers",
			},
			[]string{"target"},
		),
		successTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "successes_total",
				Help:      "Total number of successes recorded by circuit breakers",
			},
			[]string{"target"},
		),
		changesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "state_changes_total",
				Help:      "Total number of circuit breaker state changes",
			},
			[]string{"target", "from", "to"},
		),
	}

	if registerer != nil {
		for _, c := range []prometheus.Collector{
			m.state, m.requestsTotal, m.failuresTotal, m.successTotal, m.changesTotal,
		} {
			_ = registerer.Register(c)
		}
	}

	return m
}

func (m *Metrics) recordRequest(name string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	m.requestsTotal.WithLabelValues(name, result).Inc()
}

func (m *Metrics) recordStateChange(name string, from, to State) {
	m.changesTotal.WithLabelValues(name, from.String(), to.String()).Inc()
	m.state.WithLabelValues(name).Set(float64(to))
}
