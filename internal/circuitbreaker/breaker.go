package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
	"github.com/vyrodovalexey/mcpgw/internal/util"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen

	// StateHalfOpen indicates the circuit is admitting probes.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit rejects a request: it is
// open, or half-open with every probe slot taken.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// circuitOpenError classifies ErrCircuitOpen for status mapping.
type circuitOpenError struct{ name string }

func (e *circuitOpenError) Error() string {
	return "circuit breaker for " + e.name + " is open"
}

func (e *circuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

func (e *circuitOpenError) ErrorClass() util.ErrorClass {
	return util.ClassUpstream
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(cb *CircuitBreaker) {
		cb.metrics = metrics
	}
}

// CircuitBreaker is the per-target breaker state machine.
type CircuitBreaker struct {
	name    string
	config  Config
	logger  observability.Logger
	metrics *Metrics

	mu                  sync.Mutex
	state               State
	generation          uint64
	consecutiveFailures int
	openedAt            time.Time
	openDuration        time.Duration
	probesInFlight      int
	lastStateChange     time.Time
	lastFailure         time.Time

	failures  atomic.Uint64
	successes atomic.Uint64
	rejected  atomic.Uint64
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, cfg Config, opts ...Option) *CircuitBreaker {
	cfg = cfg.withDefaults()

	cb := &CircuitBreaker{
		name:         name,
		config:       cfg,
		logger:       observability.NopLogger(),
		state:        StateClosed,
		openDuration: cfg.OpenDuration,
	}
	for _, opt := range opts {
		opt(cb)
	}
	if cb.metrics == nil {
		cb.metrics = NewMetrics("", nil)
	}
	cb.lastStateChange = cfg.Clock()
	cb.metrics.state.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

// Probe is a permit returned by Allow. Exactly one of Success, Failure or
// Cancel should be called; later calls are ignored.
type Probe struct {
	cb         *CircuitBreaker
	generation uint64
	halfOpen   bool
	done       *atomic.Bool
}

// HalfOpen reports whether the permit is a half-open probe.
func (p Probe) HalfOpen() bool {
	return p.halfOpen
}

// Success records a successful call.
func (p Probe) Success() {
	if p.claim() {
		p.cb.recordSuccess(p)
	}
}

// Failure records a failed call.
func (p Probe) Failure() {
	if p.claim() {
		p.cb.recordFailure(p)
	}
}

// Cancel releases the permit without recording an outcome. Used when the
// client aborted the call.
func (p Probe) Cancel() {
	if p.claim() {
		p.cb.release(p)
	}
}

func (p Probe) claim() bool {
	return p.cb != nil && p.done.CompareAndSwap(false, true)
}

type transition struct {
	from, to State
}

// Allow admits a call or returns ErrCircuitOpen. No work should be done
// against the target when it returns an error.
func (cb *CircuitBreaker) Allow() (Probe, error) {
	cb.mu.Lock()
	now := cb.config.Clock()
	var changed *transition

	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.openDuration {
		changed = cb.transitionLocked(StateHalfOpen, now)
	}

	var (
		probe Probe
		err   error
	)
	switch cb.state {
	case StateClosed:
		probe = Probe{cb: cb, generation: cb.generation, done: new(atomic.Bool)}
	case StateHalfOpen:
		if cb.probesInFlight < cb.config.HalfOpenMaxProbes {
			cb.probesInFlight++
			probe = Probe{cb: cb, generation: cb.generation, halfOpen: true, done: new(atomic.Bool)}
		} else {
			err = &circuitOpenError{name: cb.name}
		}
	default:
		err = &circuitOpenError{name: cb.name}
	}
	cb.mu.Unlock()

	cb.notify(changed)
	cb.metrics.recordRequest(cb.name, err == nil)
	if err != nil {
		cb.rejected.Add(1)
	}
	return probe, err
}

// Available reports whether Allow would currently admit a call, without
// changing state.
func (cb *CircuitBreaker) Available() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return cb.config.Clock().Sub(cb.openedAt) >= cb.openDuration
	default:
		return cb.probesInFlight < cb.config.HalfOpenMaxProbes
	}
}

func (cb *CircuitBreaker) recordSuccess(p Probe) {
	cb.successes.Add(1)
	cb.metrics.successTotal.WithLabelValues(cb.name).Inc()

	cb.mu.Lock()
	var changed *transition
	if p.generation == cb.generation {
		switch cb.state {
		case StateClosed:
			cb.consecutiveFailures = 0
		case StateHalfOpen:
			cb.openDuration = cb.config.OpenDuration
			changed = cb.transitionLocked(StateClosed, cb.config.Clock())
		}
	}
	cb.mu.Unlock()

	cb.notify(changed)
}

func (cb *CircuitBreaker) recordFailure(p Probe) {
	cb.failures.Add(1)
	cb.metrics.failuresTotal.WithLabelValues(cb.name).Inc()

	cb.mu.Lock()
	now := cb.config.Clock()
	cb.lastFailure = now
	var changed *transition
	if p.generation == cb.generation {
		switch cb.state {
		case StateClosed:
			cb.consecutiveFailures++
			if cb.consecutiveFailures >= cb.config.FailureThreshold {
				changed = cb.transitionLocked(StateOpen, now)
			}
		case StateHalfOpen:
			cb.openDuration *= 2
			if cb.openDuration > cb.config.MaxOpenDuration {
				cb.openDuration = cb.config.MaxOpenDuration
			}
			changed = cb.transitionLocked(StateOpen, now)
		}
	}
	cb.mu.Unlock()

	cb.notify(changed)
}

func (cb *CircuitBreaker) release(p Probe) {
	if !p.halfOpen {
		return
	}
	cb.mu.Lock()
	if p.generation == cb.generation && cb.state == StateHalfOpen && cb.probesInFlight > 0 {
		cb.probesInFlight--
	}
	cb.mu.Unlock()
}

// RecordSuccess records a success outside of an Allow permit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	gen := cb.generation
	cb.mu.Unlock()
	cb.recordSuccess(Probe{generation: gen})
}

// RecordFailure records a failure outside of an Allow permit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	gen := cb.generation
	cb.mu.Unlock()
	cb.recordFailure(Probe{generation: gen})
}

// transitionLocked moves to state and starts a new generation. Outcomes of
// permits issued before the transition are then ignored.
func (cb *CircuitBreaker) transitionLocked(to State, now time.Time) *transition {
	from := cb.state
	cb.state = to
	cb.generation++
	cb.lastStateChange = now
	cb.probesInFlight = 0
	cb.consecutiveFailures = 0
	if to == StateOpen {
		cb.openedAt = now
	}
	return &transition{from: from, to: to}
}

func (cb *CircuitBreaker) notify(t *transition) {
	if t == nil {
		return
	}

	cb.metrics.recordStateChange(cb.name, t.from, t.to)

	fields := []observability.Field{
		observability.String("target", cb.name),
		observability.String("from", t.from.String()),
		observability.String("to", t.to.String()),
	}
	if t.to == StateOpen {
		cb.logger.Warn("circuit breaker opened",
			append(fields, observability.Duration("openDuration", cb.currentOpenDuration()))...)
	} else {
		cb.logger.Info("circuit breaker state changed", fields...)
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, t.from, t.to)
	}
}

func (cb *CircuitBreaker) currentOpenDuration() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.openDuration
}

// State returns the current state. An open circuit whose open duration has
// elapsed still reports Open until the next Allow.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and restores the initial open duration.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var changed *transition
	cb.openDuration = cb.config.OpenDuration
	if cb.state != StateClosed {
		changed = cb.transitionLocked(StateClosed, cb.config.Clock())
	}
	cb.mu.Unlock()

	cb.notify(changed)
}

// Name returns the name of the circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns the current statistics of the circuit breaker.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		OpenDuration:        cb.openDuration,
		OpenedAt:            cb.openedAt,
		ProbesInFlight:      cb.probesInFlight,
		Failures:            cb.failures.Load(),
		Successes:           cb.successes.Load(),
		Rejected:            cb.rejected.Load(),
		LastFailure:         cb.lastFailure,
		LastStateChange:     cb.lastStateChange,
	}
}

// Stats holds circuit breaker statistics.
type Stats struct {
	State               State
	ConsecutiveFailures int
	OpenDuration        time.Duration
	OpenedAt            time.Time
	ProbesInFlight      int
	Failures            uint64
	Successes           uint64
	Rejected            uint64
	LastFailure         time.Time
	LastStateChange     time.Time
}

// FailureRatio returns the share of recorded outcomes that failed.
func (s Stats) FailureRatio() float64 {
	total := s.Failures + s.Successes
	if total == 0 {
		return 0
	}
	return float64(s.Failures) / float64(total)
}
