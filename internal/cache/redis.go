package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/mcpgw/internal/config"
	"github.com/vyrodovalexey/mcpgw/internal/observability"
	"github.com/vyrodovalexey/mcpgw/internal/retry"
)

// defaultPingTimeout bounds each connection probe when no timeout is configured.
const defaultPingTimeout = 5 * time.Second

// redisRetryConfig returns the retry configuration for Redis operations.
func redisRetryConfig() *retry.Config {
	return &retry.Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		JitterFactor:   retry.DefaultJitterFactor,
	}
}

// isRetryableRedisError checks if the error is retryable (network/connection errors).
func isRetryableRedisError(err error) bool {
	if err == nil {
		return false
	}
	// Don't retry on cache miss or context errors
	if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// NewRedisClient dials Redis and verifies the connection with a retried ping.
// The caller owns the returned client.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, logger observability.Logger) (*redis.Client, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: redis address is required", ErrInvalidConfig)
	}

	opts := &redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if timeout := cfg.Timeout.Duration(); timeout > 0 {
		opts.ReadTimeout = timeout
		opts.WriteTimeout = timeout
	}

	client := redis.NewClient(opts)

	pingTimeout := cfg.Timeout.OrDefault(defaultPingTimeout)
	err := retry.Do(ctx, redisRetryConfig(), func(int) error {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}, &retry.Options{
		ShouldRetry: func(err error) bool {
			// A per-attempt deadline is a connection failure, not the caller giving up.
			return ctx.Err() == nil && err != nil && !errors.Is(err, context.Canceled)
		},
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			logger.Debug("retrying redis ping",
				observability.String("address", cfg.Address),
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Error(err))
		},
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection to %s failed: %w", cfg.Address, err)
	}

	logger.Info("redis client connected",
		observability.String("address", cfg.Address),
		observability.Int("db", cfg.DB))

	return client, nil
}

// redisCache implements a Redis-based cache.
type redisCache struct {
	logger     observability.Logger
	metrics    *Metrics
	client     redis.UniversalClient
	ownsClient bool
	keyPrefix  string
	defaultTTL time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

func newRedisCache(ctx context.Context, cfg Config, logger observability.Logger, o *options) (*redisCache, error) {
	client := o.client
	owns := false
	if client == nil {
		c, err := NewRedisClient(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		client = c
		owns = true
	}

	c := &redisCache{
		logger:     logger,
		metrics:    o.metrics,
		client:     client,
		ownsClient: owns,
		keyPrefix:  cfg.Redis.KeyPrefix,
		defaultTTL: cfg.DefaultTTL,
	}

	logger.Info("redis cache initialized",
		observability.String("keyPrefix", c.keyPrefix),
		observability.Duration("defaultTTL", c.defaultTTL))

	return c, nil
}

func (c *redisCache) startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return otel.Tracer(cacheTracerName).Start(ctx, "cache."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", backendRedis),
			attribute.String("cache.key", key),
		),
	)
}

// do runs fn with the shared retry policy.
func (c *redisCache) do(ctx context.Context, op, key string, fn func() error) error {
	return retry.Do(ctx, redisRetryConfig(), func(int) error {
		return fn()
	}, &retry.Options{
		ShouldRetry: isRetryableRedisError,
		OnRetry: func(attempt int, _ error, _ time.Duration) {
			c.logger.Debug("retrying redis "+op,
				observability.String("key", key),
				observability.Int("attempt", attempt))
		},
	})
}

func (c *redisCache) fail(span trace.Span, op, key string, err error) {
	c.metrics.errorsTotal.WithLabelValues(backendRedis, op).Inc()
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	c.logger.Error("redis "+op+" failed",
		observability.String("key", key),
		observability.Error(err))
}

// Get retrieves a value from the cache with exponential backoff retry.
func (c *redisCache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := c.startSpan(ctx, "Get", key)
	defer span.End()
	defer c.metrics.observe(backendRedis, "get", time.Now())

	var result []byte
	err := c.do(ctx, "get", key, func() error {
		val, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
		if err != nil {
			return err
		}
		result = val
		return nil
	})

	switch {
	case err == nil:
		c.hits.Add(1)
		c.metrics.hitsTotal.WithLabelValues(backendRedis).Inc()
		span.SetAttributes(
			attribute.Bool("cache.hit", true),
			attribute.Int("cache.value_size", len(result)),
		)
		return result, nil
	case errors.Is(err, redis.Nil):
		c.misses.Add(1)
		c.metrics.missesTotal.WithLabelValues(backendRedis).Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	default:
		c.fail(span, "get", key, err)
		return nil, err
	}
}

// Set stores a value in the cache with exponential backoff retry.
func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := c.startSpan(ctx, "Set", key)
	defer span.End()
	defer c.metrics.observe(backendRedis, "set", time.Now())

	if ttl == 0 {
		ttl = c.defaultTTL
	}
	// go-redis reads a zero expiration as "no expiry" and -1 as KEEPTTL.
	if ttl < 0 {
		ttl = 0
	}

	err := c.do(ctx, "set", key, func() error {
		return c.client.Set(ctx, c.keyPrefix+key, value, ttl).Err()
	})
	if err != nil {
		c.fail(span, "set", key, err)
		return err
	}
	return nil
}

// Delete removes a value from the cache with exponential backoff retry.
func (c *redisCache) Delete(ctx context.Context, key string) error {
	ctx, span := c.startSpan(ctx, "Delete", key)
	defer span.End()
	defer c.metrics.observe(backendRedis, "delete", time.Now())

	err := c.do(ctx, "delete", key, func() error {
		return c.client.Del(ctx, c.keyPrefix+key).Err()
	})
	if err != nil {
		c.fail(span, "delete", key, err)
		return err
	}
	return nil
}

// Exists checks if a key exists in the cache with exponential backoff retry.
func (c *redisCache) Exists(ctx context.Context, key string) (bool, error) {
	ctx, span := c.startSpan(ctx, "Exists", key)
	defer span.End()
	defer c.metrics.observe(backendRedis, "exists", time.Now())

	var n int64
	err := c.do(ctx, "exists", key, func() error {
		var err error
		n, err = c.client.Exists(ctx, c.keyPrefix+key).Result()
		return err
	})
	if err != nil {
		c.fail(span, "exists", key, err)
		return false, err
	}

	span.SetAttributes(attribute.Bool("cache.exists", n > 0))
	return n > 0, nil
}

// Close closes the Redis connection if this cache dialed it.
func (c *redisCache) Close() error {
	if !c.ownsClient {
		return nil
	}
	c.logger.Info("redis cache closing")
	return c.client.Close()
}

// Stats returns cache statistics. Size is not tracked for Redis.
func (c *redisCache) Stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}
