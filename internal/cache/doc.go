// Package cache provides the key-value backing used for gateway session state
// and the shared Redis client constructor.
//
// Two backends are available:
//
//   - In-memory LRU cache with a size bound and periodic expiry sweep
//   - Redis-based cache with key prefixing and retried operations
//
// Every operation is traced with OpenTelemetry and recorded in Prometheus
// metrics labelled by backend.
//
// # Example Usage
//
//	c, err := cache.New(ctx, cache.Config{
//	    Backend:    config.BackendMemory,
//	    MaxEntries: 10000,
//	    DefaultTTL: 30 * time.Minute,
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	err = c.Set(ctx, "key", []byte("value"), 0)
//	value, err := c.Get(ctx, "key")
//
// # Thread Safety
//
// All cache implementations are safe for concurrent use.
package cache
