package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Attempt limiter default configuration constants.
const (
	// DefaultAttemptIdleTTL is how long an idle client keeps its limiter.
	DefaultAttemptIdleTTL = 10 * time.Minute

	// attemptSweepInterval bounds how often Allow scans for idle clients.
	attemptSweepInterval = time.Minute
)

// attemptEntry holds a limiter and its last access time for TTL-based
// cleanup.
type attemptEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// AttemptLimiter throttles authentication attempts per client address.
// Idle clients are swept from the Allow path, so no background goroutine
// is needed.
type AttemptLimiter struct {
	mu        sync.Mutex
	clients   map[string]*attemptEntry
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
}

// NewAttemptLimiter creates a limiter allowing requestsPerMinute attempts
// per client with the given burst.
func NewAttemptLimiter(requestsPerMinute, burst int) *AttemptLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &AttemptLimiter{
		clients: make(map[string]*attemptEntry),
		limit:   rate.Limit(float64(requestsPerMinute) / 60),
		burst:   burst,
		idleTTL: DefaultAttemptIdleTTL,
	}
}

// Allow reports whether clientAddress may attempt authentication at now.
// When it may not, the returned duration is the wait until it may.
func (l *AttemptLimiter) Allow(clientAddress string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	entry, ok := l.clients[clientAddress]
	if !ok {
		entry = &attemptEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[clientAddress] = entry
	}
	entry.lastAccess = now
	limiter := entry.limiter
	if now.Sub(l.lastSweep) >= attemptSweepInterval {
		l.sweepLocked(now)
	}
	l.mu.Unlock()

	r := limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, l.idleTTL
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Len returns the number of tracked clients.
func (l *AttemptLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *AttemptLimiter) sweepLocked(now time.Time) {
	l.lastSweep = now
	for addr, entry := range l.clients {
		if now.Sub(entry.lastAccess) > l.idleTTL {
			delete(l.clients, addr)
		}
	}
}
