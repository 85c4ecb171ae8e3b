package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// Registry manages one circuit breaker per upstream target.
type Registry struct {
	breakers sync.Map
	config   Config
	logger   observability.Logger
	metrics  *Metrics
}

// NewRegistry creates a new circuit breaker registry. Breakers created by
// the registry share cfg, logger and metrics.
func NewRegistry(cfg Config, logger observability.Logger, metrics *Metrics) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = NewMetrics("", nil)
	}

	return &Registry{
		config:  cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Get returns a circuit breaker by name, or nil if not found.
func (r *Registry) Get(name string) *CircuitBreaker {
	value, ok := r.breakers.Load(name)
	if !ok {
		return nil
	}
	return value.(*CircuitBreaker)
}

// GetOrCreate returns an existing circuit breaker or creates a new one.
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	if value, ok := r.breakers.Load(name); ok {
		return value.(*CircuitBreaker)
	}

	cb := NewCircuitBreaker(name, r.config, WithLogger(r.logger), WithMetrics(r.metrics))

	// Another goroutine may have won the race.
	actual, loaded := r.breakers.LoadOrStore(name, cb)
	if loaded {
		return actual.(*CircuitBreaker)
	}

	r.logger.Debug("created circuit breaker", observability.String("target", name))
	return cb
}

// Remove removes a circuit breaker from the registry.
func (r *Registry) Remove(name string) {
	r.breakers.Delete(name)
	r.logger.Debug("removed circuit breaker", observability.String("target", name))
}

// List returns the names of all circuit breakers, sorted.
func (r *Registry) List() []string {
	var names []string
	r.breakers.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// States returns the current state of every breaker.
func (r *Registry) States() map[string]State {
	states := make(map[string]State)
	r.breakers.Range(func(key, value any) bool {
		states[key.(string)] = value.(*CircuitBreaker).State()
		return true
	})
	return states
}

// Stats returns statistics for all circuit breakers.
func (r *Registry) Stats() map[string]Stats {
	stats := make(map[string]Stats)
	r.breakers.Range(func(key, value any) bool {
		stats[key.(string)] = value.(*CircuitBreaker).Stats()
		return true
	})
	return stats
}

// ResetAll resets all circuit breakers to closed state.
func (r *Registry) ResetAll() {
	r.breakers.Range(func(_, value any) bool {
		value.(*CircuitBreaker).Reset()
		return true
	})
	r.logger.Info("reset all circuit breakers")
}
