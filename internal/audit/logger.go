package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// Logger is the audit logger interface.
type Logger interface {
	// Log enqueues an event. It never blocks longer than the configured
	// enqueue timeout.
	Log(ctx context.Context, e Event)

	// Close drains queued events and closes the sink.
	Close() error
}

// Metrics contains audit metrics.
type Metrics struct {
	eventsTotal   *prometheus.CounterVec
	droppedTotal  prometheus.Counter
	sinkErrors    prometheus.Counter
	queueCapacity prometheus.Gauge
}

// NewMetrics creates audit metrics registered with registerer. Duplicate
// registration is ignored so tests can share a registry.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}

	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Total number of audit events written",
		}, []string{"type", "outcome"}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "events_dropped_total",
			Help:      "Audit events dropped because the buffer was full or the logger closed",
		}),
		sinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "sink_errors_total",
			Help:      "Audit events the sink failed to persist",
		}),
		queueCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "queue_capacity",
			Help:      "Configured audit buffer size",
		}),
	}

	if registerer != nil {
		for _, c := range []prometheus.Collector{m.eventsTotal, m.droppedTotal, m.sinkErrors, m.queueCapacity} {
			_ = registerer.Register(c)
		}
	}

	return m
}

// LoggerOption is a functional option for the async logger.
type LoggerOption func(*AsyncLogger)

// WithLogger sets the operational logger used for sink failures.
func WithLogger(l observability.Logger) LoggerOption {
	return func(a *AsyncLogger) {
		a.logger = l
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) LoggerOption {
	return func(a *AsyncLogger) {
		a.metrics = m
	}
}

// AsyncLogger enqueues events on a bounded channel drained by a single
// writer goroutine.
type AsyncLogger struct {
	config  atomic.Pointer[Config]
	sink    Sink
	queue   chan Event
	logger  observability.Logger
	metrics *Metrics

	// mu orders sends against Close so Log never sends on a closed queue.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncLogger starts an AsyncLogger writing to sink.
func NewAsyncLogger(cfg *Config, sink Sink, opts ...LoggerOption) (*AsyncLogger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &AsyncLogger{
		sink:   sink,
		queue:  make(chan Event, cfg.BufferSize),
		logger: observability.NopLogger(),
		done:   make(chan struct{}),
	}
	a.config.Store(cfg)

	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = NewMetrics("", nil)
	}
	a.metrics.queueCapacity.Set(float64(cfg.BufferSize))

	go a.run()

	return a, nil
}

// UpdateConfig swaps the verbosity toggles and redaction list. The buffer
// size is fixed at construction.
func (a *AsyncLogger) UpdateConfig(cfg *Config) {
	if cfg == nil {
		return
	}
	a.config.Store(cfg)
}

// Log implements Logger.
func (a *AsyncLogger) Log(ctx context.Context, e Event) {
	cfg := a.config.Load()
	if !cfg.ShouldLog(&e) {
		return
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		if e.TraceID == "" {
			e.TraceID = sc.TraceID().String()
		}
		if e.SpanID == "" {
			e.SpanID = sc.SpanID().String()
		}
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.drop(e, "logger closed")
		return
	}

	select {
	case a.queue <- e:
		return
	default:
	}

	if cfg.EnqueueTimeout <= 0 {
		a.drop(e, "buffer full")
		return
	}

	timer := time.NewTimer(cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case a.queue <- e:
	case <-timer.C:
		a.drop(e, "buffer full")
	}
}

func (a *AsyncLogger) drop(e Event, reason string) {
	a.metrics.droppedTotal.Inc()
	a.logger.Warn("audit event dropped",
		observability.String("reason", reason),
		observability.String("event_type", string(e.Type)),
		observability.String("request_id", e.RequestID),
	)
}

func (a *AsyncLogger) run() {
	defer close(a.done)

	for e := range a.queue {
		e = e.redacted(a.config.Load().RedactFields)
		if err := a.sink.Write(e); err != nil {
			a.metrics.sinkErrors.Inc()
			a.logger.Error("failed to write audit event",
				observability.Error(err),
				observability.String("event_type", string(e.Type)),
			)
			continue
		}
		a.metrics.eventsTotal.WithLabelValues(string(e.Type), string(e.Outcome)).Inc()
	}
}

// Close stops accepting events, waits for queued events to be written and
// closes the sink. It is safe to call more than once.
func (a *AsyncLogger) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.sink.Close()
}

// noopLogger discards every event.
type noopLogger struct{}

// NewNoopLogger returns a Logger that discards every event.
func NewNoopLogger() Logger {
	return noopLogger{}
}

func (noopLogger) Log(context.Context, Event) {}
func (noopLogger) Close() error               { return nil }

var (
	_ Logger = (*AsyncLogger)(nil)
	_ Logger = noopLogger{}
	_ Sink   = (*WriterSink)(nil)
	_ Sink   = (*MemorySink)(nil)
)
