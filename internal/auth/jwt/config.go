package jwt

import (
	"github.com/vyrodovalexey/mcpgw/internal/config"
)

// FromConfig converts the YAML auth section. Issuer and audience allow-lists
// are enforced by the auth gateway, so they are left unset here.
func FromConfig(c config.AuthConfig) Config {
	return Config{
		JWKSURL:           c.JWKSURL,
		ClockSkew:         c.ClockSkew.Duration(),
		AllowedAlgorithms: append([]string(nil), c.Algorithms...),
		RefreshInterval:   c.JWKSRefreshInterval.Duration(),
	}
}
