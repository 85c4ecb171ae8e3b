package pool

import (
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/config"
	"github.com/vyrodovalexey/mcpgw/internal/util"
)

// Default pool settings.
const (
	DefaultMaxConnections       = 10
	DefaultConnectTimeout       = 5 * time.Second
	DefaultPoolTimeout          = 2 * time.Second
	DefaultIdleTimeout          = 5 * time.Minute
	DefaultMaxLifetime          = 30 * time.Minute
	DefaultHealthCheckInterval  = 30 * time.Second
	DefaultHealthCheckFreshness = 60 * time.Second
)

// Config configures a Pool.
type Config struct {
	// MaxConnections bounds concurrently checked-out connections. The idle
	// set is trimmed so open connections settle at or below it.
	MaxConnections int

	// MinConnections are opened by Warm and kept open by the sweep.
	MinConnections int

	ConnectTimeout time.Duration

	// PoolTimeout is how long Acquire waits for a free slot.
	PoolTimeout time.Duration

	// IdleTimeout closes connections idle for longer. Zero disables it.
	IdleTimeout time.Duration

	// MaxLifetime closes connections older than this. Zero disables it.
	MaxLifetime time.Duration

	HealthCheckInterval time.Duration

	// HealthCheckFreshness is how long an idle connection may go without
	// use or a probe before the sweep pings it.
	HealthCheckFreshness time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxConnections:       DefaultMaxConnections,
		ConnectTimeout:       DefaultConnectTimeout,
		PoolTimeout:          DefaultPoolTimeout,
		IdleTimeout:          DefaultIdleTimeout,
		MaxLifetime:          DefaultMaxLifetime,
		HealthCheckInterval:  DefaultHealthCheckInterval,
		HealthCheckFreshness: DefaultHealthCheckFreshness,
	}
}

// FromConfig converts the pool configuration section.
func FromConfig(c config.PoolConfig) Config {
	return Config{
		MaxConnections:       c.MaxConnections,
		MinConnections:       c.MinConnections,
		ConnectTimeout:       c.ConnectTimeout.Duration(),
		PoolTimeout:          c.PoolTimeout.Duration(),
		IdleTimeout:          c.IdleTimeout.Duration(),
		MaxLifetime:          c.MaxLifetime.Duration(),
		HealthCheckInterval:  c.HealthCheckInterval.Duration(),
		HealthCheckFreshness: c.HealthCheckFreshness.Duration(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	verr := util.NewValidationError("invalid pool configuration")
	if c.MaxConnections < 0 {
		verr.AddField("max_connections", "must not be negative")
	}
	if c.MinConnections < 0 {
		verr.AddField("min_connections", "must not be negative")
	}
	if c.MaxConnections > 0 && c.MinConnections > c.MaxConnections {
		verr.AddField("min_connections", "must not exceed max_connections")
	}
	return verr.OrNil()
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MinConnections > c.MaxConnections {
		c.MinConnections = c.MaxConnections
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.PoolTimeout <= 0 {
		c.PoolTimeout = DefaultPoolTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.HealthCheckFreshness <= 0 {
		c.HealthCheckFreshness = DefaultHealthCheckFreshness
	}
	return c
}
