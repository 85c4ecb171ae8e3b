// Package store provides GCRA state backends for rate limiting.
//
// A backend keeps one theoretical arrival time (TAT) per key and applies
// the generic cell rate algorithm atomically. There are no timers:
// capacity is replenished lazily from the elapsed time on the next take.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidLimit is returned for a limit with no sustained rate.
var ErrInvalidLimit = errors.New("rate limit must allow at least one request per minute")

// Store defines the interface for rate limit state.
type Store interface {
	// Take consumes one unit of key's capacity under limit, if available.
	Take(ctx context.Context, key string, limit Limit, now time.Time) (Result, error)

	// Refund returns one unit taken from key by an earlier Take under
	// the same limit. Capacity never rises above a full burst.
	Refund(ctx context.Context, key string, limit Limit, now time.Time) error

	// Close releases resources held by the store.
	Close() error
}

// Limit is a sustained rate plus burst allowance.
type Limit struct {
	RequestsPerMinute int
	Burst             int
}

// Validate checks the limit.
func (l Limit) Validate() error {
	if l.RequestsPerMinute <= 0 {
		return ErrInvalidLimit
	}
	return nil
}

// Emission returns the interval between requests at the sustained rate.
func (l Limit) Emission() time.Duration {
	if l.RequestsPerMinute <= 0 {
		return 0
	}
	return time.Minute / time.Duration(l.RequestsPerMinute)
}

// Tolerance returns how far ahead of now the TAT may run, which is what
// allows Burst requests back to back.
func (l Limit) Tolerance() time.Duration {
	burst := l.Burst
	if burst < 1 {
		burst = 1
	}
	return l.Emission() * time.Duration(burst-1)
}

// Result is the outcome of a Take.
type Result struct {
	// Allowed reports whether the request fits within the limit.
	Allowed bool

	// Remaining is the number of further requests allowed right now.
	Remaining int

	// RetryAfter is the wait until the next request would be allowed.
	// Zero when Allowed.
	RetryAfter time.Duration

	// ResetAfter is the wait until the full burst is available again.
	ResetAfter time.Duration
}
