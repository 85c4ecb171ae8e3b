package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// defaultMaxEntries bounds a memory cache with no configured size.
const defaultMaxEntries = 10000

// memoryCache implements an in-memory LRU cache.
type memoryCache struct {
	logger     observability.Logger
	metrics    *Metrics
	maxEntries int
	defaultTTL time.Duration
	now        func() time.Time

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List
	closed   bool

	hits   atomic.Int64
	misses atomic.Int64

	stopCh    chan struct{}
	closeOnce sync.Once
}

// memoryCacheEntry represents an entry in the memory cache.
type memoryCacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

func (e *memoryCacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func newMemoryCache(cfg Config, logger observability.Logger, o *options) *memoryCache {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}

	c := &memoryCache{
		logger:     logger,
		metrics:    o.metrics,
		maxEntries: maxEntries,
		defaultTTL: cfg.DefaultTTL,
		now:        time.Now,
		items:      make(map[string]*list.Element),
		eviction:   list.New(),
		stopCh:     make(chan struct{}),
	}

	if o.cleanupInterval > 0 {
		go c.cleanupLoop(o.cleanupInterval)
	}

	logger.Debug("memory cache initialized",
		observability.Int("maxEntries", maxEntries),
		observability.Duration("defaultTTL", c.defaultTTL))

	return c
}

func (c *memoryCache) startSpan(ctx context.Context, op, key string) trace.Span {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", backendMemory),
			attribute.String("cache.key", key),
		),
	)
	return span
}

// Get retrieves a value from the cache.
func (c *memoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	span := c.startSpan(ctx, "Get", key)
	defer span.End()
	defer c.metrics.observe(backendMemory, "get", time.Now())

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	elem, exists := c.items[key]
	if !exists || elem.Value.(*memoryCacheEntry).expired(c.now()) {
		if exists {
			c.removeElement(elem)
		}
		c.misses.Add(1)
		c.metrics.missesTotal.WithLabelValues(backendMemory).Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	c.eviction.MoveToFront(elem)
	c.hits.Add(1)
	c.metrics.hitsTotal.WithLabelValues(backendMemory).Inc()
	span.SetAttributes(attribute.Bool("cache.hit", true))

	entry := elem.Value.(*memoryCacheEntry)
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Set stores a value in the cache.
func (c *memoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	span := c.startSpan(ctx, "Set", key)
	defer span.End()
	defer c.metrics.observe(backendMemory, "set", time.Now())

	if ttl == 0 {
		ttl = c.defaultTTL
	}

	entry := &memoryCacheEntry{
		key:   key,
		value: append([]byte(nil), value...),
	}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if elem, exists := c.items[key]; exists {
		c.eviction.MoveToFront(elem)
		elem.Value = entry
		return nil
	}

	c.items[key] = c.eviction.PushFront(entry)
	for c.eviction.Len() > c.maxEntries {
		c.evictOldest()
	}
	c.metrics.sizeGauge.WithLabelValues(backendMemory).Set(float64(c.eviction.Len()))

	return nil
}

// Delete removes a value from the cache.
func (c *memoryCache) Delete(ctx context.Context, key string) error {
	span := c.startSpan(ctx, "Delete", key)
	defer span.End()
	defer c.metrics.observe(backendMemory, "delete", time.Now())

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		c.removeElement(elem)
	}
	return nil
}

// Exists checks if a key exists in the cache.
func (c *memoryCache) Exists(ctx context.Context, key string) (bool, error) {
	span := c.startSpan(ctx, "Exists", key)
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[key]
	if !exists {
		return false, nil
	}
	if elem.Value.(*memoryCacheEntry).expired(c.now()) {
		c.removeElement(elem)
		return false, nil
	}
	return true, nil
}

// Close stops the cleanup goroutine and drops every entry.
func (c *memoryCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)

		c.mu.Lock()
		c.closed = true
		c.items = make(map[string]*list.Element)
		c.eviction.Init()
		c.mu.Unlock()
	})
	return nil
}

// Stats returns cache statistics.
func (c *memoryCache) Stats() CacheStats {
	c.mu.Lock()
	size := int64(c.eviction.Len())
	c.mu.Unlock()

	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   size,
	}
}

// evictOldest removes the least recently used entry.
// Must be called with lock held.
func (c *memoryCache) evictOldest() {
	if elem := c.eviction.Back(); elem != nil {
		c.removeElement(elem)
		c.metrics.evictionsTotal.WithLabelValues(backendMemory).Inc()
	}
}

// removeElement removes an element from the cache.
// Must be called with lock held.
func (c *memoryCache) removeElement(elem *list.Element) {
	c.eviction.Remove(elem)
	delete(c.items, elem.Value.(*memoryCacheEntry).key)
}

func (c *memoryCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCh:
			return
		}
	}
}

// cleanup removes expired entries under a single write lock.
func (c *memoryCache) cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.eviction.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*memoryCacheEntry).expired(now) {
			c.removeElement(elem)
			removed++
		}
		elem = prev
	}

	if removed > 0 {
		c.metrics.sizeGauge.WithLabelValues(backendMemory).Set(float64(c.eviction.Len()))
		c.logger.Debug("cache cleanup completed", observability.Int("removed", removed))
	}
	return removed
}
