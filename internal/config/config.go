// Package config defines the gateway configuration schema and loads it from
// YAML files with environment variable substitution. A Watcher reloads the
// file on change so rules and limits can be swapped at runtime.
package config

import (
	"time"
)

// Transport kinds accepted for upstream targets.
const (
	TransportHTTP      = "http"
	TransportSSE       = "sse"
	TransportStdio     = "stdio"
	TransportWebSocket = "websocket"
)

// Backend and store kinds.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Rate limit tier names, in the default evaluation order.
const (
	TierGlobal   = "global"
	TierSession  = "session"
	TierIdentity = "identity"
	TierEndpoint = "endpoint"
)

// DefaultTierOrder is the order tiers are checked in when none is configured.
var DefaultTierOrder = []string{TierGlobal, TierSession, TierIdentity, TierEndpoint}

// Config is the root gateway configuration.
type Config struct {
	Listener       ListenerConfig       `yaml:"listener" json:"listener"`
	Auth           AuthConfig           `yaml:"auth" json:"auth"`
	RateLimits     RateLimitsConfig     `yaml:"rate_limits" json:"rate_limits"`
	Upstreams      []UpstreamConfig     `yaml:"upstreams" json:"upstreams"`
	Pool           PoolConfig           `yaml:"pool" json:"pool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Dispatch       DispatchConfig       `yaml:"dispatch" json:"dispatch"`
	Audit          AuditConfig          `yaml:"audit" json:"audit"`
	Session        SessionConfig        `yaml:"session" json:"session"`
	Observability  ObservabilityConfig  `yaml:"observability" json:"observability"`
	Policy         PolicyConfig         `yaml:"policy" json:"policy"`
	Rules          []RuleConfig         `yaml:"rules" json:"rules"`
}

// ListenerConfig configures the inbound HTTP listener.
type ListenerConfig struct {
	Address           string    `yaml:"address" json:"address"`
	Path              string    `yaml:"path" json:"path"`
	ReadHeaderTimeout Duration  `yaml:"read_header_timeout" json:"read_header_timeout"`
	ShutdownTimeout   Duration  `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes      int64     `yaml:"max_body_bytes" json:"max_body_bytes"`
	TrustedProxies    []string  `yaml:"trusted_proxies" json:"trusted_proxies"`
	TLS               TLSConfig `yaml:"tls" json:"tls"`
}

// TLSConfig configures TLS termination on the listener.
type TLSConfig struct {
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	CertFile          string   `yaml:"cert_file" json:"cert_file"`
	KeyFile           string   `yaml:"key_file" json:"key_file"`
	ClientCAFile      string   `yaml:"client_ca_file,omitempty" json:"client_ca_file,omitempty"`
	RequireClientCert bool     `yaml:"require_client_cert,omitempty" json:"require_client_cert,omitempty"`
	MinVersion        string   `yaml:"min_version,omitempty" json:"min_version,omitempty"`
	CipherSuites      []string `yaml:"cipher_suites,omitempty" json:"cipher_suites,omitempty"`
	ReloadDebounce    Duration `yaml:"reload_debounce,omitempty" json:"reload_debounce,omitempty"`
}

// AuthConfig configures bearer token authentication.
type AuthConfig struct {
	Enabled             bool       `yaml:"enabled" json:"enabled"`
	Issuers             []string   `yaml:"issuers" json:"issuers"`
	Audiences           []string   `yaml:"audiences" json:"audiences"`
	JWKSURL             string     `yaml:"jwks_url" json:"jwks_url"`
	JWKSRefreshInterval Duration   `yaml:"jwks_refresh_interval" json:"jwks_refresh_interval"`
	Algorithms          []string   `yaml:"algorithms" json:"algorithms"`
	ClockSkew           Duration   `yaml:"clock_skew" json:"clock_skew"`
	VerifyTimeout       Duration   `yaml:"verify_timeout" json:"verify_timeout"`
	CacheTTLCeiling     Duration   `yaml:"cache_ttl_ceiling" json:"cache_ttl_ceiling"`
	CacheMaxEntries     int        `yaml:"cache_max_entries" json:"cache_max_entries"`
	AttemptLimit        TierConfig `yaml:"attempt_limit" json:"attempt_limit"`
	RevokedSubjects     []string   `yaml:"revoked_subjects" json:"revoked_subjects"`
}

// TierConfig configures one rate limit tier.
type TierConfig struct {
	RequestsPerMinute int  `yaml:"requests_per_minute" json:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size" json:"burst_size"`
	Enabled           bool `yaml:"enabled" json:"enabled"`
}

// RateLimitsConfig configures the multi-tier request limiter.
type RateLimitsConfig struct {
	Backend  string      `yaml:"backend" json:"backend"`
	Order    []string    `yaml:"order" json:"order"`
	Global   TierConfig  `yaml:"global" json:"global"`
	Session  TierConfig  `yaml:"session" json:"session"`
	Identity TierConfig  `yaml:"identity" json:"identity"`
	Endpoint TierConfig  `yaml:"endpoint" json:"endpoint"`
	Redis    RedisConfig `yaml:"redis" json:"redis"`
}

// Tier returns the configuration for the named tier.
func (c RateLimitsConfig) Tier(name string) (TierConfig, bool) {
	switch name {
	case TierGlobal:
		return c.Global, true
	case TierSession:
		return c.Session, true
	case TierIdentity:
		return c.Identity, true
	case TierEndpoint:
		return c.Endpoint, true
	default:
		return TierConfig{}, false
	}
}

// RedisConfig configures a Redis connection.
type RedisConfig struct {
	Address   string   `yaml:"address" json:"address"`
	Username  string   `yaml:"username" json:"username"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	KeyPrefix string   `yaml:"key_prefix" json:"key_prefix"`
	Timeout   Duration `yaml:"timeout" json:"timeout"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// UpstreamConfig is a logical upstream served by one or more targets.
type UpstreamConfig struct {
	Name    string         `yaml:"name" json:"name"`
	Targets []TargetConfig `yaml:"targets" json:"targets"`
}

// TargetConfig is a single upstream MCP server.
type TargetConfig struct {
	ID        string            `yaml:"id" json:"id"`
	Transport string            `yaml:"transport" json:"transport"`
	URL       string            `yaml:"url" json:"url"`
	Command   string            `yaml:"command" json:"command"`
	Args      []string          `yaml:"args" json:"args"`
	Env       map[string]string `yaml:"env" json:"env"`
	Headers   map[string]string `yaml:"headers" json:"headers"`
}

// PoolConfig configures per-target connection pools.
type PoolConfig struct {
	MaxConnections       int      `yaml:"max_connections" json:"max_connections"`
	MinConnections       int      `yaml:"min_connections" json:"min_connections"`
	ConnectTimeout       Duration `yaml:"connect_timeout" json:"connect_timeout"`
	PoolTimeout          Duration `yaml:"pool_timeout" json:"pool_timeout"`
	IdleTimeout          Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxLifetime          Duration `yaml:"max_lifetime" json:"max_lifetime"`
	HealthCheckInterval  Duration `yaml:"health_check_interval" json:"health_check_interval"`
	HealthCheckFreshness Duration `yaml:"health_check_freshness" json:"health_check_freshness"`
}

// CircuitBreakerConfig configures the per-target breaker.
type CircuitBreakerConfig struct {
	FailureThreshold  int      `yaml:"failure_threshold" json:"failure_threshold"`
	OpenDuration      Duration `yaml:"open_duration" json:"open_duration"`
	MaxOpenDuration   Duration `yaml:"max_open_duration" json:"max_open_duration"`
	HalfOpenMaxProbes int      `yaml:"half_open_max_probes" json:"half_open_max_probes"`
}

// DispatchConfig configures upstream dispatch.
type DispatchConfig struct {
	Timeout    Duration `yaml:"timeout" json:"timeout"`
	MaxRetries int      `yaml:"max_retries" json:"max_retries"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	Enabled                bool     `yaml:"enabled" json:"enabled"`
	Output                 string   `yaml:"output" json:"output"`
	Format                 string   `yaml:"format" json:"format"`
	BufferSize             int      `yaml:"buffer_size" json:"buffer_size"`
	EnqueueTimeout         Duration `yaml:"enqueue_timeout" json:"enqueue_timeout"`
	LogSuccessfulAuth      *bool    `yaml:"log_successful_auth" json:"log_successful_auth"`
	LogFailedAuth          *bool    `yaml:"log_failed_auth" json:"log_failed_auth"`
	LogPolicyDecisions     *bool    `yaml:"log_policy_decisions" json:"log_policy_decisions"`
	LogRateLimitViolations *bool    `yaml:"log_rate_limit_violations" json:"log_rate_limit_violations"`
	RedactFields           []string `yaml:"redact_fields" json:"redact_fields"`
}

// BoolOr returns *p, or def when p is nil. Audit toggles default to on.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// SessionConfig configures the MCP session store.
type SessionConfig struct {
	Store string      `yaml:"store" json:"store"`
	TTL   Duration    `yaml:"ttl" json:"ttl"`
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// ObservabilityConfig configures logging, metrics and tracing.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig configures the metrics and health listener.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Address   string `yaml:"address" json:"address"`
	Path      string `yaml:"path" json:"path"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"service_name" json:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
}

// Policy default actions.
const (
	DefaultActionAllow = "allow"
	DefaultActionDeny  = "deny"
)

// PolicyConfig configures rule evaluation outside the rules themselves.
type PolicyConfig struct {
	DefaultAction     string   `yaml:"default_action" json:"default_action"`
	DenyStatus        int      `yaml:"deny_status" json:"deny_status"`
	DenyBody          string   `yaml:"deny_body" json:"deny_body"`
	EvaluationTimeout Duration `yaml:"evaluation_timeout" json:"evaluation_timeout"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with defaults. It is safe to call more
// than once.
func (c *Config) ApplyDefaults() {
	setString(&c.Listener.Address, ":8080")
	setString(&c.Listener.Path, "/mcp")
	setDuration(&c.Listener.ReadHeaderTimeout, 5*time.Second)
	setDuration(&c.Listener.ShutdownTimeout, 30*time.Second)
	setInt64(&c.Listener.MaxBodyBytes, 4<<20)

	if len(c.Auth.Algorithms) == 0 {
		c.Auth.Algorithms = []string{"RS256", "ES256"}
	}
	setDuration(&c.Auth.JWKSRefreshInterval, 15*time.Minute)
	setDuration(&c.Auth.ClockSkew, 30*time.Second)
	setDuration(&c.Auth.VerifyTimeout, 2*time.Second)
	setDuration(&c.Auth.CacheTTLCeiling, 5*time.Minute)
	setInt(&c.Auth.CacheMaxEntries, 10000)

	setString(&c.RateLimits.Backend, BackendMemory)
	if len(c.RateLimits.Order) == 0 {
		c.RateLimits.Order = append([]string(nil), DefaultTierOrder...)
	}
	setString(&c.RateLimits.Redis.KeyPrefix, "mcpgw:rl:")
	setDuration(&c.RateLimits.Redis.Timeout, 50*time.Millisecond)

	setInt(&c.Pool.MaxConnections, 10)
	setDuration(&c.Pool.ConnectTimeout, 5*time.Second)
	setDuration(&c.Pool.PoolTimeout, 2*time.Second)
	setDuration(&c.Pool.IdleTimeout, 5*time.Minute)
	setDuration(&c.Pool.MaxLifetime, 30*time.Minute)
	setDuration(&c.Pool.HealthCheckInterval, 30*time.Second)
	setDuration(&c.Pool.HealthCheckFreshness, 60*time.Second)

	setInt(&c.CircuitBreaker.FailureThreshold, 5)
	setDuration(&c.CircuitBreaker.OpenDuration, 30*time.Second)
	setDuration(&c.CircuitBreaker.MaxOpenDuration, 5*time.Minute)
	setInt(&c.CircuitBreaker.HalfOpenMaxProbes, 1)

	setDuration(&c.Dispatch.Timeout, 30*time.Second)

	setString(&c.Audit.Output, "stdout")
	setString(&c.Audit.Format, "json")
	setInt(&c.Audit.BufferSize, 4096)
	setDuration(&c.Audit.EnqueueTimeout, 5*time.Millisecond)

	setString(&c.Session.Store, BackendMemory)
	setDuration(&c.Session.TTL, time.Hour)
	setString(&c.Session.Redis.KeyPrefix, "mcpgw:session:")
	setDuration(&c.Session.Redis.Timeout, 100*time.Millisecond)

	setString(&c.Observability.Logging.Level, "info")
	setString(&c.Observability.Logging.Format, "json")
	setString(&c.Observability.Logging.Output, "stdout")
	setString(&c.Observability.Metrics.Address, ":9090")
	setString(&c.Observability.Metrics.Path, "/metrics")
	setString(&c.Observability.Metrics.Namespace, "mcpgw")
	setString(&c.Observability.Tracing.ServiceName, "mcpgw")

	setString(&c.Policy.DefaultAction, DefaultActionAllow)
	setInt(&c.Policy.DenyStatus, 403)
	setDuration(&c.Policy.EvaluationTimeout, 100*time.Millisecond)

	for i := range c.Upstreams {
		for j := range c.Upstreams[i].Targets {
			setString(&c.Upstreams[i].Targets[j].Transport, TransportHTTP)
		}
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setInt64(dst *int64, def int64) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *Duration, def time.Duration) {
	if *dst == 0 {
		*dst = Duration(def)
	}
}
