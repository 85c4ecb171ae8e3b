package ratelimit

import (
	"context"
	"fmt"

	"github.com/vyrodovalexey/mcpgw/internal/cache"
	"github.com/vyrodovalexey/mcpgw/internal/config"
	"github.com/vyrodovalexey/mcpgw/internal/observability"
	"github.com/vyrodovalexey/mcpgw/internal/ratelimit/store"
)

// FromConfig converts the YAML rate limit section.
func FromConfig(cfg config.RateLimitsConfig) Config {
	out := Config{
		Order: make([]Tier, 0, len(cfg.Order)),
		Tiers: make(map[Tier]TierConfig, 4),
	}
	for _, name := range cfg.Order {
		out.Order = append(out.Order, Tier(name))
	}
	for _, name := range config.DefaultTierOrder {
		tc, _ := cfg.Tier(name)
		out.Tiers[Tier(name)] = TierConfig{
			RequestsPerMinute: tc.RequestsPerMinute,
			BurstSize:         tc.BurstSize,
			Enabled:           tc.Enabled,
		}
	}
	return out
}

// NewStore creates the store selected by cfg.Backend. A Redis store owns
// its client and falls back to memory when Redis fails.
func NewStore(
	ctx context.Context,
	cfg config.RateLimitsConfig,
	metrics *Metrics,
	logger observability.Logger,
) (store.Store, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	switch cfg.Backend {
	case config.BackendMemory, "":
		return store.NewMemoryStore(), nil
	case config.BackendRedis:
		client, err := cache.NewRedisClient(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("rate limit redis store: %w", err)
		}
		opts := []store.RedisOption{
			store.WithRedisPrefix(cfg.Redis.KeyPrefix),
			store.WithRedisTimeout(cfg.Redis.Timeout.Duration()),
			store.WithRedisLogger(logger),
			store.WithClientOwnership(),
		}
		if metrics != nil {
			opts = append(opts, store.WithFallbackCounter(metrics.FallbackCounter()))
		}
		logger.Info("rate limit redis store initialized",
			observability.String("address", cfg.Redis.Address),
			observability.String("prefix", cfg.Redis.KeyPrefix),
		)
		return store.NewRedisStore(client, store.BreakerConfig{}, opts...), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}
