package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/multierr"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// Redis store defaults.
const (
	// DefaultRedisPrefix is the key prefix for rate limit state.
	DefaultRedisPrefix = "mcpgw:rl:"

	// DefaultRedisTimeout bounds a single script call.
	DefaultRedisTimeout = 50 * time.Millisecond

	// DefaultBreakerFailures is the number of consecutive Redis failures
	// that switches the store to its in-memory fallback.
	DefaultBreakerFailures = 3

	// DefaultBreakerOpenTimeout is how long the fallback is used before
	// Redis is probed again.
	DefaultBreakerOpenTimeout = 5 * time.Second
)

// ErrUnexpectedScriptResult is returned when the GCRA script replies with
// an unexpected shape.
var ErrUnexpectedScriptResult = errors.New("unexpected rate limit script result")

// gcraScript runs one GCRA step atomically. Times are in microseconds so
// they stay exact in Lua's double precision numbers.
// KEYS[1] = key
// ARGV[1] = now
// ARGV[2] = emission interval
// ARGV[3] = tolerance
// Returns {allowed, retry_after, tat}.
var gcraScript = redis.NewScript(`
local tat = tonumber(redis.call('GET', KEYS[1]))
local now = tonumber(ARGV[1])
local emission = tonumber(ARGV[2])
local tolerance = tonumber(ARGV[3])
if not tat or tat < now then
	tat = now
end
if now < tat - tolerance then
	return {0, tat - tolerance - now, tat}
end
local new_tat = tat + emission
local ttl = math.ceil((new_tat - now) / 1000) + 1
redis.call('SET', KEYS[1], string.format('%.0f', new_tat), 'PX', ttl)
return {1, 0, new_tat}
`)

// refundScript gives back one emission on a key's TAT, never moving it
// before now.
// KEYS[1] = key
// ARGV[1] = now
// ARGV[2] = emission interval
// Returns the new TAT, or 0 when the key holds no pending debt.
var refundScript = redis.NewScript(`
local tat = tonumber(redis.call('GET', KEYS[1]))
local now = tonumber(ARGV[1])
local emission = tonumber(ARGV[2])
if not tat or tat <= now then
	return 0
end
local new_tat = tat - emission
if new_tat <= now then
	redis.call('DEL', KEYS[1])
	return 0
end
local ttl = math.ceil((new_tat - now) / 1000) + 1
redis.call('SET', KEYS[1], string.format('%.0f', new_tat), 'PX', ttl)
return new_tat
`)

// RedisStore implements Store on Redis so that limits are shared between
// gateway replicas. Calls go through a circuit breaker; while it is open,
// or when a call fails, the store answers from an in-memory fallback.
type RedisStore struct {
	client   redis.UniversalClient
	prefix   string
	timeout  time.Duration
	breaker  *gobreaker.CircuitBreaker
	fallback *MemoryStore
	logger   observability.Logger

	fallbacks   prometheus.Counter
	closeClient bool
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRedisTimeout bounds each script call.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger observability.Logger) RedisOption {
	return func(s *RedisStore) {
		s.logger = logger
	}
}

// WithFallbackCounter sets a counter incremented on every fallback answer.
func WithFallbackCounter(c prometheus.Counter) RedisOption {
	return func(s *RedisStore) {
		s.fallbacks = c
	}
}

// WithFallbackStore overrides the in-memory fallback.
func WithFallbackStore(m *MemoryStore) RedisOption {
	return func(s *RedisStore) {
		if m != nil {
			s.fallback = m
		}
	}
}

// WithClientOwnership makes Close also close the Redis client.
func WithClientOwnership() RedisOption {
	return func(s *RedisStore) {
		s.closeClient = true
	}
}

// NewRedisStore creates a store on client. The client stays owned by the
// caller unless WithClientOwnership is given.
func NewRedisStore(client redis.UniversalClient, breakerCfg BreakerConfig, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:   client,
		prefix:   DefaultRedisPrefix,
		timeout:  DefaultRedisTimeout,
		fallback: NewMemoryStore(),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.breaker = newBreaker("ratelimit-redis", breakerCfg, s.logger)
	return s
}

// BreakerConfig configures the breaker guarding Redis.
type BreakerConfig struct {
	ConsecutiveFailures int
	OpenTimeout         time.Duration
}

func newBreaker(name string, cfg BreakerConfig, logger observability.Logger) *gobreaker.CircuitBreaker {
	failures := cfg.ConsecutiveFailures
	if failures <= 0 {
		failures = DefaultBreakerFailures
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = DefaultBreakerOpenTimeout
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= safeIntToUint32(failures)
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up says nothing about Redis health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("rate limit store breaker state changed",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key string, limit Limit, now time.Time) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := limit.Validate(); err != nil {
		return Result{}, err
	}

	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.takeRedis(ctx, key, limit, now)
	})
	if err == nil {
		return out.(Result), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}

	if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		s.logger.Warn("redis rate limit store failed, using local fallback",
			observability.String("key", key),
			observability.Error(err),
		)
	}
	if s.fallbacks != nil {
		s.fallbacks.Inc()
	}
	return s.fallback.Take(ctx, key, limit, now)
}

func (s *RedisStore) takeRedis(ctx context.Context, key string, limit Limit, now time.Time) (Result, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	nowUS := now.UnixMicro()
	emission := limit.Emission().Microseconds()
	tolerance := limit.Tolerance().Microseconds()
	if emission <= 0 {
		emission = 1
	}

	raw, err := gcraScript.Run(opCtx, s.client, []string{s.prefix + key}, nowUS, emission, tolerance).Result()
	if err != nil {
		return Result{}, fmt.Errorf("run gcra script: %w", err)
	}

	allowed, retryUS, tat, err := parseScriptResult(raw)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Allowed:    allowed,
		ResetAfter: time.Duration(resetAfter(tat, nowUS)) * time.Microsecond,
	}
	if allowed {
		res.Remaining = remaining(tat, nowUS, emission, tolerance)
	} else {
		res.RetryAfter = time.Duration(retryUS) * time.Microsecond
	}
	return res, nil
}

// Refund implements Store. A refund that cannot reach Redis is applied to
// the local fallback, which is where the matching Take was answered.
func (s *RedisStore) Refund(ctx context.Context, key string, limit Limit, now time.Time) error {
	if err := limit.Validate(); err != nil {
		return err
	}

	_, err := s.breaker.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		emission := limit.Emission().Microseconds()
		if emission <= 0 {
			emission = 1
		}
		return refundScript.Run(opCtx, s.client, []string{s.prefix + key}, now.UnixMicro(), emission).Result()
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return s.fallback.Refund(ctx, key, limit, now)
}

func parseScriptResult(raw interface{}) (allowed bool, retry, tat int64, err error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return false, 0, 0, ErrUnexpectedScriptResult
	}

	ints := make([]int64, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return false, 0, 0, fmt.Errorf("%w: element %d is %T", ErrUnexpectedScriptResult, i, v)
		}
		ints[i] = n
	}
	return ints[0] == 1, ints[1], ints[2], nil
}

// BreakerState returns the state of the breaker guarding Redis.
func (s *RedisStore) BreakerState() gobreaker.State {
	return s.breaker.State()
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	err := s.fallback.Close()
	if s.closeClient {
		err = multierr.Append(err, s.client.Close())
	}
	return err
}

// safeIntToUint32 converts an int to uint32, clamping out-of-range values.
func safeIntToUint32(v int) uint32 {
	if v < 0 {
		return 0
	}
	if int64(v) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}
