package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/mcpgw/internal/circuitbreaker"
)

// ErrNoTargetAvailable is returned by the breaker check when every target's
// circuit is open.
var ErrNoTargetAvailable = errors.New("no upstream target available")

// RedisHealthCheck pings a Redis client.
func RedisHealthCheck(name string, client redis.UniversalClient) *HealthCheckFunc {
	return NewHealthCheckFunc(name, func(ctx context.Context) error {
		if client == nil {
			return fmt.Errorf("redis client is nil")
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	})
}

// BreakerHealthCheck reports the circuit state of every upstream target.
type BreakerHealthCheck struct {
	name   string
	states func() map[string]circuitbreaker.State

	mu   sync.Mutex
	last map[string]string
}

// NewBreakerHealthCheck creates a breaker check over a state snapshot
// function such as upstream.Manager.States.
func NewBreakerHealthCheck(name string, states func() map[string]circuitbreaker.State) *BreakerHealthCheck {
	return &BreakerHealthCheck{name: name, states: states}
}

// Name returns the name of the health check.
func (b *BreakerHealthCheck) Name() string {
	return b.name
}

// Check fails only when targets exist and every one of them is open.
func (b *BreakerHealthCheck) Check(_ context.Context) error {
	states := b.states()

	details := make(map[string]string, len(states))
	var open []string
	for target, state := range states {
		details[target] = state.String()
		if state == circuitbreaker.StateOpen {
			open = append(open, target)
		}
	}

	b.mu.Lock()
	b.last = details
	b.mu.Unlock()

	if len(states) > 0 && len(open) == len(states) {
		sort.Strings(open)
		return fmt.Errorf("%w: open circuits %s", ErrNoTargetAvailable, strings.Join(open, ", "))
	}
	return nil
}

// Report returns the states observed by the last Check.
func (b *BreakerHealthCheck) Report() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.last))
	for k, v := range b.last {
		out[k] = v
	}
	return out
}

// TimeoutHealthCheck wraps a health check with a timeout.
type TimeoutHealthCheck struct {
	check   HealthCheck
	timeout time.Duration
}

// NewTimeoutHealthCheck creates a new timeout health check.
func NewTimeoutHealthCheck(check HealthCheck, timeout time.Duration) *TimeoutHealthCheck {
	return &TimeoutHealthCheck{
		check:   check,
		timeout: timeout,
	}
}

// Name returns the name of the health check.
func (t *TimeoutHealthCheck) Name() string {
	return t.check.Name()
}

// Check performs the health check with a timeout.
func (t *TimeoutHealthCheck) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- t.check.Check(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("health check timed out after %v", t.timeout)
	}
}

// Report forwards the wrapped check's details.
func (t *TimeoutHealthCheck) Report() map[string]string {
	if r, ok := t.check.(Reporter); ok {
		return r.Report()
	}
	return nil
}

// CachedHealthCheck caches health check results for a TTL.
type CachedHealthCheck struct {
	check    HealthCheck
	cacheTTL time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastCheck  time.Time
	lastResult error
}

// NewCachedHealthCheck creates a new cached health check.
func NewCachedHealthCheck(check HealthCheck, cacheTTL time.Duration) *CachedHealthCheck {
	return &CachedHealthCheck{
		check:    check,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Name returns the name of the health check.
func (c *CachedHealthCheck) Name() string {
	return c.check.Name()
}

// Check returns the cached result while it is fresh and re-runs the wrapped
// check otherwise. Concurrent callers share one refresh.
func (c *CachedHealthCheck) Check(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastCheck.IsZero() && c.now().Sub(c.lastCheck) < c.cacheTTL {
		return c.lastResult
	}

	c.lastResult = c.check.Check(ctx)
	c.lastCheck = c.now()
	return c.lastResult
}

// Report forwards the wrapped check's details.
func (c *CachedHealthCheck) Report() map[string]string {
	if r, ok := c.check.(Reporter); ok {
		return r.Report()
	}
	return nil
}
