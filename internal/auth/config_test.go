package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vyrodovalexey/mcpgw/internal/config"
)

func TestFromConfig(t *testing.T) {
	t.Parallel()

	in := config.AuthConfig{
		Enabled:         true,
		Issuers:         []string{"https://idp"},
		Audiences:       []string{"mcpgw"},
		ClockSkew:       config.Duration(30 * time.Second),
		VerifyTimeout:   config.Duration(2 * time.Second),
		CacheTTLCeiling: config.Duration(5 * time.Minute),
		CacheMaxEntries: 100,
		AttemptLimit:    config.TierConfig{Enabled: true, RequestsPerMinute: 20, BurstSize: 5},
	}

	got := FromConfig(in)
	assert.True(t, got.Enabled)
	assert.Equal(t, []string{"https://idp"}, got.Issuers)
	assert.Equal(t, []string{"mcpgw"}, got.Audiences)
	assert.Equal(t, 30*time.Second, got.ClockSkew)
	assert.Equal(t, 2*time.Second, got.VerifyTimeout)
	assert.Equal(t, 5*time.Minute, got.CacheTTLCeiling)
	assert.Equal(t, 100, got.CacheMaxEntries)
	assert.Equal(t, AttemptLimitConfig{Enabled: true, RequestsPerMinute: 20, Burst: 5}, got.AttemptLimit)

	in.Issuers[0] = "changed"
	assert.Equal(t, "https://idp", got.Issuers[0])
}
