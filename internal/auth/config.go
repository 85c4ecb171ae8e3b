package auth

import (
	"github.com/vyrodovalexey/mcpgw/internal/config"
)

// FromConfig converts the YAML auth section.
func FromConfig(c config.AuthConfig) Config {
	return Config{
		Enabled:         c.Enabled,
		Issuers:         append([]string(nil), c.Issuers...),
		Audiences:       append([]string(nil), c.Audiences...),
		ClockSkew:       c.ClockSkew.Duration(),
		VerifyTimeout:   c.VerifyTimeout.Duration(),
		CacheTTLCeiling: c.CacheTTLCeiling.Duration(),
		CacheMaxEntries: c.CacheMaxEntries,
		AttemptLimit: AttemptLimitConfig{
			Enabled:           c.AttemptLimit.Enabled,
			RequestsPerMinute: c.AttemptLimit.RequestsPerMinute,
			Burst:             c.AttemptLimit.BurstSize,
		},
		RevokedSubjects: append([]string(nil), c.RevokedSubjects...),
	}
}
