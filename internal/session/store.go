package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/mcpgw/internal/cache"
	"github.com/vyrodovalexey/mcpgw/internal/config"
	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// DefaultTTL is how long an idle session is kept.
const DefaultTTL = time.Hour

// CacheStore stores sessions as JSON in a cache.Cache.
type CacheStore struct {
	cache  cache.Cache
	ttl    time.Duration
	now    func() time.Time
	logger observability.Logger
}

// Option configures a CacheStore.
type Option func(*CacheStore)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *CacheStore) {
		s.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *CacheStore) {
		s.now = now
	}
}

// NewCacheStore creates a store over c. A non-positive ttl uses DefaultTTL.
func NewCacheStore(c cache.Cache, ttl time.Duration, opts ...Option) *CacheStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &CacheStore{
		cache:  c,
		ttl:    ttl,
		now:    time.Now,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewMemoryStore creates an in-process session store.
func NewMemoryStore(ttl time.Duration, maxEntries int, opts ...Option) (*CacheStore, error) {
	c, err := cache.New(context.Background(), cache.Config{
		Backend:    config.BackendMemory,
		MaxEntries: maxEntries,
		DefaultTTL: ttl,
	}, nil)
	if err != nil {
		return nil, err
	}
	return NewCacheStore(c, ttl, opts...), nil
}

// NewRedisStore creates a session store sharing client. The client stays
// owned by the caller.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration, opts ...Option) (*CacheStore, error) {
	c, err := cache.New(context.Background(), cache.Config{
		Backend:    config.BackendRedis,
		DefaultTTL: ttl,
		Redis:      config.RedisConfig{KeyPrefix: prefix},
	}, nil, cache.WithRedisClient(client))
	if err != nil {
		return nil, err
	}
	return NewCacheStore(c, ttl, opts...), nil
}

// New builds the store selected by cfg.Store. The redis backend dials its
// own client, which Close releases.
func New(ctx context.Context, cfg config.SessionConfig, logger observability.Logger, opts ...cache.Option) (*CacheStore, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	ttl := cfg.TTL.OrDefault(DefaultTTL)

	c, err := cache.New(ctx, cache.Config{
		Backend:    cfg.Store,
		DefaultTTL: ttl,
		Redis:      cfg.Redis,
	}, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	logger.Info("session store initialized",
		observability.String("backend", cfg.Store),
		observability.Duration("ttl", ttl))

	return NewCacheStore(c, ttl, WithLogger(logger)), nil
}

// Get implements Store.
func (s *CacheStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	data, err := s.cache.Get(ctx, id)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session get: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		s.logger.Warn("discarding corrupt session",
			observability.String("session_id", id),
			observability.Error(err))
		_ = s.cache.Delete(ctx, id)
		return nil, ErrNotFound
	}
	return &sess, nil
}

// Update implements Store. It stamps LastSeenAt, and CreatedAt when unset.
func (s *CacheStore) Update(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return ErrInvalidID
	}

	now := s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.LastSeenAt = now

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session encode: %w", err)
	}
	if err := s.cache.Set(ctx, sess.ID, data, s.ttl); err != nil {
		return fmt.Errorf("session update: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *CacheStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := s.cache.Delete(ctx, id); err != nil {
		return fmt.Errorf("session delete: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *CacheStore) Close() error {
	return s.cache.Close()
}
