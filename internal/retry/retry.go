package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second

	// DefaultJitterFactor adds up to 25% to each backoff.
	DefaultJitterFactor = 0.25

	// MaxJitterFactor caps the configured jitter.
	MaxJitterFactor = 1.0
)

// Config controls the number of attempts and the backoff between them.
// Zero fields take the package defaults.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

// normalized returns a copy of c with defaults filled in. A nil receiver
// yields the defaults.
func (c *Config) normalized() Config {
	var n Config
	if c != nil {
		n = *c
	}
	if n.MaxRetries <= 0 {
		n.MaxRetries = DefaultMaxRetries
	}
	if n.InitialBackoff <= 0 {
		n.InitialBackoff = DefaultInitialBackoff
	}
	if n.MaxBackoff <= 0 {
		n.MaxBackoff = DefaultMaxBackoff
	}
	switch {
	case n.JitterFactor <= 0:
		n.JitterFactor = DefaultJitterFactor
	case n.JitterFactor > MaxJitterFactor:
		n.JitterFactor = MaxJitterFactor
	}
	return n
}

// Backoff returns the delay before retry number attempt+1: the initial
// backoff doubled per attempt, plus jitter, capped at MaxBackoff.
func (c Config) Backoff(attempt int) time.Duration {
	d := float64(c.InitialBackoff) * math.Pow(2, float64(attempt))
	//nolint:gosec // G404: jitter for retry timing is not security-sensitive
	d += d * c.JitterFactor * rand.Float64()
	if d > float64(c.MaxBackoff) {
		d = float64(c.MaxBackoff)
	}
	return time.Duration(d)
}

// RetryableFunc is one attempt. attempt starts at 0, so callers can vary
// what each attempt does, such as picking another upstream target.
type RetryableFunc func(attempt int) error

// ShouldRetryFunc reports whether err should trigger another attempt.
type ShouldRetryFunc func(error) bool

// OnRetryFunc is called before sleeping ahead of retry number attempt.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Options holds optional hooks for Do. A nil ShouldRetry retries every error.
type Options struct {
	ShouldRetry ShouldRetryFunc
	OnRetry     OnRetryFunc
}

// Do runs fn until it succeeds, returns a Permanent error, is refused by
// ShouldRetry, or has been retried MaxRetries times. It returns the last
// error, or the context error if ctx ends first.
func Do(ctx context.Context, cfg *Config, fn RetryableFunc, opts *Options) error {
	c := cfg.normalized()
	if opts == nil {
		opts = &Options{}
	}

	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(lastErr) {
			return lastErr
		}
		if attempt == c.MaxRetries {
			break
		}

		backoff := c.Backoff(attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, lastErr, backoff)
		}
		if err := sleep(ctx, backoff); err != nil {
			return err
		}
	}

	return lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Do returns it immediately, unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
