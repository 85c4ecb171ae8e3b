package policy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// Metrics holds Prometheus metrics for policy evaluation.
type Metrics struct {
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	evaluationErrors   prometheus.Counter
	reloadsTotal       *prometheus.CounterVec
	activeRules        prometheus.Gauge
	activeVersion      prometheus.Gauge
}

// NewMetrics creates policy metrics registered with registerer. A nil
// registerer leaves them unregistered. Duplicate registration is ignored.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}

	m := &Metrics{
		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "evaluations_total",
				Help:      "Total number of policy evaluations by decision",
			},
			[]string{"decision"},
		),
		evaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "evaluation_duration_seconds",
				Help:      "Duration of policy evaluations",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
			},
		),
		evaluationErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "evaluation_errors_total",
				Help:      "Total number of conditions that failed during evaluation",
			},
		),
		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "reloads_total",
				Help:      "Total number of rule set reloads by result",
			},
			[]string{"result"},
		),
		activeRules: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "active_rules",
				Help:      "Number of enabled rules in the active snapshot",
			},
		),
		activeVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "active_version",
				Help:      "Version of the active rule snapshot",
			},
		),
	}

	if registerer != nil {
		for _, c := range []prometheus.Collector{
			m.evaluationsTotal, m.evaluationDuration, m.evaluationErrors,
			m.reloadsTotal, m.activeRules, m.activeVersion,
		} {
			_ = registerer.Register(c)
		}
	}

	return m
}

func (m *Metrics) recordEvaluation(kind DecisionKind, start time.Time) {
	m.evaluationsTotal.WithLabelValues(kind.String()).Inc()
	m.evaluationDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) recordSnapshot(s *Snapshot) {
	m.activeRules.Set(float64(s.Len()))
	m.activeVersion.Set(float64(s.Version()))
}
