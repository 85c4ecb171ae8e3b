package store

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Memory store defaults.
const (
	// DefaultIdleAfter is how long a fully replenished key is kept.
	DefaultIdleAfter = time.Minute

	// DefaultSweepInterval is the minimum time between idle sweeps.
	DefaultSweepInterval = time.Minute
)

// tombstone marks an entry removed by Cleanup. No CAS can succeed on it,
// so a take racing the removal retries on the key's current entry.
const tombstone = math.MinInt64

// memoryEntry holds one key's TAT in nanoseconds.
type memoryEntry struct {
	tat atomic.Int64
}

// MemoryStore implements Store in process memory. Updates are a
// compare-and-swap on the key's TAT, so concurrent takes never lose an
// update and an existing key is updated without allocating.
type MemoryStore struct {
	keys sync.Map

	idleAfter     time.Duration
	sweepInterval time.Duration
	lastSweep     atomic.Int64
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithIdleAfter sets how long a fully replenished key is retained.
func WithIdleAfter(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.idleAfter = d
		}
	}
}

// WithSweepInterval sets the minimum time between idle sweeps.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		idleAfter:     DefaultIdleAfter,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Take implements Store.
func (s *MemoryStore) Take(ctx context.Context, key string, limit Limit, now time.Time) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := limit.Validate(); err != nil {
		return Result{}, err
	}

	e := s.entry(key)
	n := now.UnixNano()
	emission := int64(limit.Emission())
	tolerance := int64(limit.Tolerance())

	var res Result
	for {
		old := e.tat.Load()
		if old == tombstone {
			e = s.replace(key, e)
			continue
		}
		newTAT, allowed, retry := gcra(old, n, emission, tolerance)
		if !allowed {
			res = Result{
				RetryAfter: time.Duration(retry),
				ResetAfter: time.Duration(resetAfter(newTAT, n)),
			}
			break
		}
		if e.tat.CompareAndSwap(old, newTAT) {
			res = Result{
				Allowed:    true,
				Remaining:  remaining(newTAT, n, emission, tolerance),
				ResetAfter: time.Duration(resetAfter(newTAT, n)),
			}
			break
		}
	}

	s.maybeSweep(now)
	return res, nil
}

// Refund implements Store.
func (s *MemoryStore) Refund(_ context.Context, key string, limit Limit, now time.Time) error {
	if err := limit.Validate(); err != nil {
		return err
	}
	v, ok := s.keys.Load(key)
	if !ok {
		return nil
	}
	e := v.(*memoryEntry)
	n := now.UnixNano()
	emission := int64(limit.Emission())

	for {
		old := e.tat.Load()
		if old == tombstone {
			return nil
		}
		next := refund(old, n, emission)
		if next == old || e.tat.CompareAndSwap(old, next) {
			return nil
		}
	}
}

func (s *MemoryStore) entry(key string) *memoryEntry {
	if v, ok := s.keys.Load(key); ok {
		return v.(*memoryEntry)
	}
	v, _ := s.keys.LoadOrStore(key, &memoryEntry{})
	return v.(*memoryEntry)
}

// replace drops a tombstoned entry from the map if it is still there and
// returns the key's live entry.
func (s *MemoryStore) replace(key string, dead *memoryEntry) *memoryEntry {
	s.keys.CompareAndDelete(key, dead)
	return s.entry(key)
}

// maybeSweep starts an idle sweep when the interval has elapsed. Only the
// caller that wins the CAS on lastSweep runs it.
func (s *MemoryStore) maybeSweep(now time.Time) {
	n := now.UnixNano()
	last := s.lastSweep.Load()
	if last == 0 {
		s.lastSweep.CompareAndSwap(0, n)
		return
	}
	if n-last < int64(s.sweepInterval) {
		return
	}
	if s.lastSweep.CompareAndSwap(last, n) {
		go s.Cleanup(now)
	}
}

// Cleanup removes keys that have been fully replenished for longer than
// the idle period and returns how many were removed. Such keys are
// indistinguishable from keys never seen.
//
// An entry is tombstoned before it leaves the map, so a concurrent Take
// holding it either commits first, keeping the key, or retries on a fresh
// entry.
func (s *MemoryStore) Cleanup(now time.Time) int {
	cutoff := now.Add(-s.idleAfter).UnixNano()
	removed := 0
	s.keys.Range(func(k, v interface{}) bool {
		e := v.(*memoryEntry)
		tat := e.tat.Load()
		if tat == tombstone || tat >= cutoff || !e.tat.CompareAndSwap(tat, tombstone) {
			return true
		}
		if s.keys.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	n := 0
	s.keys.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Reset forgets key.
func (s *MemoryStore) Reset(key string) {
	s.keys.Delete(key)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
