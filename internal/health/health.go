package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// Default probe timeouts.
const (
	// DefaultReadinessProbeTimeout bounds the checks run by a readiness probe.
	DefaultReadinessProbeTimeout = 5 * time.Second

	// DefaultHealthProbeTimeout bounds the checks run by the detailed health probe.
	DefaultHealthProbeTimeout = 10 * time.Second
)

// Endpoint paths served by Register.
const (
	PathHealth = "/health"
	PathReady  = "/ready"
	PathLive   = "/live"
)

// Status values reported in probe bodies.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusStarting = "starting"
	StatusDraining = "draining"
)

// Response headers written by the probes.
const (
	HeaderContentType = "Content-Type"
	ContentTypeJSON   = "application/json"
)

// HealthCheck defines the interface for health checks.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// Reporter is implemented by checks that expose details alongside their
// result.
type Reporter interface {
	Report() map[string]string
}

// HealthCheckFunc is a function type that implements HealthCheck.
type HealthCheckFunc struct {
	name      string
	checkFunc func(ctx context.Context) error
}

// Name returns the name of the health check.
func (f *HealthCheckFunc) Name() string {
	return f.name
}

// Check performs the health check.
func (f *HealthCheckFunc) Check(ctx context.Context) error {
	return f.checkFunc(ctx)
}

// NewHealthCheckFunc creates a new health check function.
func NewHealthCheckFunc(name string, check func(ctx context.Context) error) *HealthCheckFunc {
	return &HealthCheckFunc{
		name:      name,
		checkFunc: check,
	}
}

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status    string                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime,omitempty"`
	Version   string                  `json:"version,omitempty"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Status    string            `json:"status"`
	Error     string            `json:"error,omitempty"`
	Duration  string            `json:"duration,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics sets the health metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(h *Handler) {
		h.metrics = metrics
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(version string) Option {
	return func(h *Handler) {
		h.version = version
	}
}

// WithTimeouts overrides the probe timeouts. Non-positive values keep the
// defaults.
func WithTimeouts(readiness, health time.Duration) Option {
	return func(h *Handler) {
		if readiness > 0 {
			h.readinessTimeout = readiness
		}
		if health > 0 {
			h.healthTimeout = health
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// Handler serves health probes.
type Handler struct {
	logger           observability.Logger
	metrics          *Metrics
	version          string
	readinessTimeout time.Duration
	healthTimeout    time.Duration
	now              func() time.Time
	startTime        time.Time

	ready    atomic.Bool
	draining atomic.Bool

	mu     sync.RWMutex
	checks []HealthCheck
}

// NewHandler creates a health handler. It reports not ready until MarkReady
// is called.
func NewHandler(logger observability.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	h := &Handler{
		logger:           logger,
		readinessTimeout: DefaultReadinessProbeTimeout,
		healthTimeout:    DefaultHealthProbeTimeout,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.metrics = orDefault(h.metrics)
	h.startTime = h.now()
	h.metrics.setReady(false)
	return h
}

// AddCheck adds a health check.
func (h *Handler) AddCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// RemoveCheck removes a health check by name.
func (h *Handler) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, check := range h.checks {
		if check.Name() == name {
			h.checks = append(h.checks[:i], h.checks[i+1:]...)
			return
		}
	}
}

// MarkReady records that warm-up has completed.
func (h *Handler) MarkReady() {
	h.ready.Store(true)
	h.metrics.setReady(!h.draining.Load())
	h.logger.Info("gateway ready")
}

// SetDraining flips readiness off while the gateway shuts down.
func (h *Handler) SetDraining(draining bool) {
	h.draining.Store(draining)
	h.metrics.setReady(h.ready.Load() && !draining)
	if draining {
		h.logger.Info("gateway draining")
	}
}

// Ready reports whether warm-up has completed and the gateway is not
// draining.
func (h *Handler) Ready() bool {
	return h.ready.Load() && !h.draining.Load()
}

// Register mounts the probe endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle(PathHealth, h.HealthHandler())
	mux.Handle(PathReady, h.ReadinessHandler())
	mux.Handle(PathLive, h.LivenessHandler())
}

// LivenessHandler reports that the process is serving.
func (h *Handler) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    StatusOK,
			"timestamp": h.now().UTC(),
		})
	})
}

// ReadinessHandler reports whether the gateway should receive traffic.
func (h *Handler) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case h.draining.Load():
			h.writeJSON(w, http.StatusServiceUnavailable, &HealthStatus{
				Status:    StatusDraining,
				Timestamp: h.now().UTC(),
			})
			return
		case !h.ready.Load():
			h.writeJSON(w, http.StatusServiceUnavailable, &HealthStatus{
				Status:    StatusStarting,
				Timestamp: h.now().UTC(),
			})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), h.readinessTimeout)
		defer cancel()

		status := h.runChecks(ctx)
		h.writeJSON(w, statusCode(status), status)
	})
}

// HealthHandler runs every check and reports the detailed result.
func (h *Handler) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), h.healthTimeout)
		defer cancel()

		status := h.runChecks(ctx)
		status.Uptime = h.now().Sub(h.startTime).Round(time.Second).String()
		status.Version = h.version
		h.writeJSON(w, statusCode(status), status)
	})
}

func statusCode(status *HealthStatus) int {
	if status.Status != StatusOK {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// runChecks runs all health checks concurrently and returns the status.
func (h *Handler) runChecks(ctx context.Context) *HealthStatus {
	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := &HealthStatus{
		Status:    StatusOK,
		Timestamp: h.now().UTC(),
		Checks:    make(map[string]*CheckResult, len(checks)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, check := range checks {
		wg.Add(1)
		go func(c HealthCheck) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			duration := time.Since(start)
			h.metrics.recordCheck(c.Name(), err, duration)

			result := &CheckResult{
				Status:    StatusOK,
				Duration:  duration.String(),
				Timestamp: h.now().UTC(),
			}
			if r, ok := c.(Reporter); ok {
				result.Details = r.Report()
			}

			if err != nil {
				result.Status = StatusError
				result.Error = err.Error()

				h.logger.Warn("health check failed",
					observability.String("check", c.Name()),
					observability.Error(err),
					observability.Duration("duration", duration),
				)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				status.Status = StatusError
			}
			status.Checks[c.Name()] = result
		}(check)
	}

	wg.Wait()
	return status
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set(HeaderContentType, ContentTypeJSON)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to write health response", observability.Error(err))
	}
}
