// Package circuitbreaker protects upstream targets from cascading failure.
// Each target gets its own breaker. A breaker opens after a run of
// consecutive failures, admits a bounded number of half-open probes once the
// open duration has elapsed, and doubles the open duration after each failed
// probe up to a ceiling.
package circuitbreaker

import (
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/config"
	"github.com/vyrodovalexey/mcpgw/internal/util"
)

// Default configuration values.
const (
	DefaultFailureThreshold  = 5
	DefaultOpenDuration      = 30 * time.Second
	DefaultMaxOpenDuration   = 5 * time.Minute
	DefaultHalfOpenMaxProbes = 1
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int

	// OpenDuration is how long the circuit stays open before admitting a
	// probe.
	OpenDuration time.Duration

	// MaxOpenDuration caps the doubling of OpenDuration after failed probes.
	MaxOpenDuration time.Duration

	// HalfOpenMaxProbes is the number of probes allowed in flight while
	// half-open.
	HalfOpenMaxProbes int

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)

	// Clock is the time source. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  DefaultFailureThreshold,
		OpenDuration:      DefaultOpenDuration,
		MaxOpenDuration:   DefaultMaxOpenDuration,
		HalfOpenMaxProbes: DefaultHalfOpenMaxProbes,
	}
}

// FromConfig converts the circuit_breaker configuration section.
func FromConfig(c config.CircuitBreakerConfig) Config {
	return Config{
		FailureThreshold:  c.FailureThreshold,
		OpenDuration:      c.OpenDuration.Duration(),
		MaxOpenDuration:   c.MaxOpenDuration.Duration(),
		HalfOpenMaxProbes: c.HalfOpenMaxProbes,
	}
}

// Validate checks for values that cannot be defaulted.
func (c Config) Validate() error {
	verr := util.NewValidationError("invalid circuit breaker configuration")
	if c.FailureThreshold < 0 {
		verr.AddField("failure_threshold", "must not be negative")
	}
	if c.OpenDuration < 0 {
		verr.AddField("open_duration", "must not be negative")
	}
	if c.MaxOpenDuration < 0 {
		verr.AddField("max_open_duration", "must not be negative")
	}
	if c.HalfOpenMaxProbes < 0 {
		verr.AddField("half_open_max_probes", "must not be negative")
	}
	return verr.OrNil()
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = DefaultOpenDuration
	}
	if c.MaxOpenDuration <= 0 {
		c.MaxOpenDuration = DefaultMaxOpenDuration
	}
	if c.MaxOpenDuration < c.OpenDuration {
		c.MaxOpenDuration = c.OpenDuration
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = DefaultHalfOpenMaxProbes
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// WithFailureThreshold sets the failure threshold.
func (c Config) WithFailureThreshold(n int) Config {
	c.FailureThreshold = n
	return c
}

// WithOpenDuration sets the initial open duration.
func (c Config) WithOpenDuration(d time.Duration) Config {
	c.OpenDuration = d
	return c
}

// WithMaxOpenDuration sets the open duration ceiling.
func (c Config) WithMaxOpenDuration(d time.Duration) Config {
	c.MaxOpenDuration = d
	return c
}

// WithHalfOpenMaxProbes sets the number of concurrent half-open probes.
func (c Config) WithHalfOpenMaxProbes(n int) Config {
	c.HalfOpenMaxProbes = n
	return c
}

// WithOnStateChange sets the state change callback.
func (c Config) WithOnStateChange(fn func(name string, from, to State)) Config {
	c.OnStateChange = fn
	return c
}

// WithClock sets the time source.
func (c Config) WithClock(now func() time.Time) Config {
	c.Clock = now
	return c
}
