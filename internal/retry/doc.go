// Package retry provides exponential backoff with jitter for calls to
// external dependencies of the gateway: the Redis connection used by the
// rate limiter and session store, and failover between upstream targets.
//
// # Usage
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func(attempt int) error {
//	    return client.Ping(ctx).Err()
//	}, &retry.Options{
//	    ShouldRetry: func(err error) bool { return !errors.Is(err, redis.Nil) },
//	})
//
// Returning retry.Permanent(err) from the function stops retrying at once.
package retry
