package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/mcpgw/internal/config"
	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// Common cache errors.
var (
	// ErrCacheMiss indicates that the key was not found in the cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidConfig indicates that the cache configuration is invalid.
	ErrInvalidConfig = errors.New("invalid cache configuration")

	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("cache closed")
)

// cacheTracerName is the OpenTelemetry tracer name for cache operations.
const cacheTracerName = "mcpgw/cache"

// Cache is a byte-valued key store with per-entry TTL.
type Cache interface {
	// Get retrieves a value. Returns ErrCacheMiss if the key is absent
	// or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value. A TTL of 0 uses the cache default; a negative
	// TTL means the entry never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases resources.
	Close() error
}

// CacheWithStats extends Cache with statistics.
type CacheWithStats interface {
	Cache

	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats contains cache statistics.
type CacheStats struct {
	Hits   int64
	Misses int64
	Size   int64
}

// HitRate returns the cache hit rate as a percentage.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Config selects and configures a cache backend.
type Config struct {
	// Backend is memory or redis.
	Backend string

	// MaxEntries bounds the memory backend.
	MaxEntries int

	// DefaultTTL applies when Set is called with a zero TTL.
	DefaultTTL time.Duration

	// Redis configures the redis backend.
	Redis config.RedisConfig
}

// Option configures a cache.
type Option func(*options)

type options struct {
	metrics         *Metrics
	client          redis.UniversalClient
	cleanupInterval time.Duration
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithRedisClient makes the redis backend use an existing client instead
// of dialing one. The client stays owned by the caller.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithCleanupInterval sets how often the memory backend drops expired
// entries.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		o.cleanupInterval = d
	}
}

func buildOptions(opts []Option) *options {
	o := &options{cleanupInterval: time.Minute}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics("", nil)
	}
	return o
}

// New creates the cache selected by cfg.Backend.
func New(ctx context.Context, cfg Config, logger observability.Logger, opts ...Option) (Cache, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	o := buildOptions(opts)

	switch cfg.Backend {
	case config.BackendMemory, "":
		return newMemoryCache(cfg, logger, o), nil
	case config.BackendRedis:
		return newRedisCache(ctx, cfg, logger, o)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, cfg.Backend)
	}
}
