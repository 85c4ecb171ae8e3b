package audit

import (
	"fmt"
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/config"
)

// Output formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config configures audit logging.
type Config struct {
	// Enabled turns audit logging on. When false every event is discarded.
	Enabled bool

	// Output is stdout, stderr or a file path.
	Output string

	// Format is json or text.
	Format string

	// BufferSize bounds the number of queued events.
	BufferSize int

	// EnqueueTimeout is how long Log waits for buffer space before
	// dropping an event.
	EnqueueTimeout time.Duration

	LogSuccessfulAuth      bool
	LogFailedAuth          bool
	LogPolicyDecisions     bool
	LogRateLimitViolations bool

	// RedactFields lists extra detail keys to mask.
	RedactFields []string
}

// DefaultConfig returns a Config with every event kind enabled.
func DefaultConfig() *Config {
	return &Config{
		Enabled:                true,
		Output:                 "stdout",
		Format:                 FormatJSON,
		BufferSize:             4096,
		EnqueueTimeout:         5 * time.Millisecond,
		LogSuccessfulAuth:      true,
		LogFailedAuth:          true,
		LogPolicyDecisions:     true,
		LogRateLimitViolations: true,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.BufferSize <= 0 {
		return fmt.Errorf("audit buffer size must be positive, got %d", c.BufferSize)
	}
	if c.EnqueueTimeout < 0 {
		return fmt.Errorf("audit enqueue timeout must not be negative")
	}
	switch c.Format {
	case FormatJSON, FormatText:
	default:
		return fmt.Errorf("unknown audit format %q", c.Format)
	}
	return nil
}

// ShouldLog reports whether e passes the verbosity toggles. Dispatch and
// circuit events are always logged.
func (c *Config) ShouldLog(e *Event) bool {
	if !c.Enabled {
		return false
	}
	switch e.Type {
	case EventAuthentication:
		if e.Outcome == OutcomeSuccess {
			return c.LogSuccessfulAuth
		}
		return c.LogFailedAuth
	case EventPolicyEnforcement:
		return c.LogPolicyDecisions
	case EventRateLimitExceeded:
		return c.LogRateLimitViolations
	default:
		return true
	}
}

// FromConfig converts the YAML audit section. Unset toggles default to on.
func FromConfig(c config.AuditConfig) *Config {
	return &Config{
		Enabled:                c.Enabled,
		Output:                 c.Output,
		Format:                 c.Format,
		BufferSize:             c.BufferSize,
		EnqueueTimeout:         c.EnqueueTimeout.Duration(),
		LogSuccessfulAuth:      config.BoolOr(c.LogSuccessfulAuth, true),
		LogFailedAuth:          config.BoolOr(c.LogFailedAuth, true),
		LogPolicyDecisions:     config.BoolOr(c.LogPolicyDecisions, true),
		LogRateLimitViolations: config.BoolOr(c.LogRateLimitViolations, true),
		RedactFields:           append([]string(nil), c.RedactFields...),
	}
}
