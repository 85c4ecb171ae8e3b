package config

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/vyrodovalexey/mcpgw/internal/util"
)

// Validate checks the configuration and returns a *util.ValidationError
// listing every problem found, or nil.
func Validate(cfg *Config) error {
	v := util.NewValidationError("invalid configuration")

	validateListener(v, cfg.Listener)
	validateAuth(v, cfg.Auth)
	validateRateLimits(v, cfg.RateLimits)
	validateUpstreams(v, cfg.Upstreams)
	validatePool(v, cfg.Pool)
	validateCircuitBreaker(v, cfg.CircuitBreaker)
	validateAudit(v, cfg.Audit)
	validateSession(v, cfg.Session)
	validatePolicy(v, cfg.Policy)
	ValidateRules(v, cfg.Rules)

	return v.OrNil()
}

func validateListener(v *util.ValidationError, c ListenerConfig) {
	if !strings.HasPrefix(c.Path, "/") {
		v.AddField("listener.path", "must start with /")
	}
	if c.MaxBodyBytes < 0 {
		v.AddField("listener.max_body_bytes", "must not be negative")
	}
	validateTLS(v, c.TLS)
}

func validateTLS(v *util.ValidationError, c TLSConfig) {
	if !c.Enabled {
		return
	}
	if c.CertFile == "" {
		v.AddField("listener.tls.cert_file", "required when tls is enabled")
	}
	if c.KeyFile == "" {
		v.AddField("listener.tls.key_file", "required when tls is enabled")
	}
	if c.RequireClientCert && c.ClientCAFile == "" {
		v.AddField("listener.tls.client_ca_file", "required when client certificates are required")
	}
	switch c.MinVersion {
	case "", "TLS12", "TLS13":
	default:
		v.AddField("listener.tls.min_version", "must be TLS12 or TLS13")
	}
	if c.ReloadDebounce < 0 {
		v.AddField("listener.tls.reload_debounce", "must not be negative")
	}
}

func validateAuth(v *util.ValidationError, c AuthConfig) {
	if !c.Enabled {
		return
	}
	if c.JWKSURL == "" {
		v.AddField("auth.jwks_url", "required when auth is enabled")
	} else if err := util.ValidateURL(c.JWKSURL); err != nil {
		v.AddField("auth.jwks_url", err.Error())
	}
	if c.CacheTTLCeiling < 0 {
		v.AddField("auth.cache_ttl_ceiling", "must not be negative")
	}
	if c.CacheMaxEntries < 0 {
		v.AddField("auth.cache_max_entries", "must not be negative")
	}
	validateTier(v, "auth.attempt_limit", c.AttemptLimit)
}

func validateTier(v *util.ValidationError, field string, c TierConfig) {
	if !c.Enabled {
		return
	}
	if c.RequestsPerMinute <= 0 {
		v.AddField(field+".requests_per_minute", "must be positive when enabled")
	}
	if c.BurstSize <= 0 {
		v.AddField(field+".burst_size", "must be positive when enabled")
	}
}

func validateRateLimits(v *util.ValidationError, c RateLimitsConfig) {
	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Address == "" {
			v.AddField("rate_limits.redis.address", "required for the redis backend")
		}
	default:
		v.AddField("rate_limits.backend", fmt.Sprintf("unknown backend %q", c.Backend))
	}

	seen := make(map[string]bool, len(c.Order))
	for i, name := range c.Order {
		field := fmt.Sprintf("rate_limits.order[%d]", i)
		if _, ok := c.Tier(name); !ok {
			v.AddField(field, fmt.Sprintf("unknown tier %q", name))
			continue
		}
		if seen[name] {
			v.AddField(field, fmt.Sprintf("duplicate tier %q", name))
		}
		seen[name] = true
	}

	for _, name := range DefaultTierOrder {
		tier, _ := c.Tier(name)
		validateTier(v, "rate_limits."+name, tier)
	}
}

func validateUpstreams(v *util.ValidationError, upstreams []UpstreamConfig) {
	names := make(map[string]bool, len(upstreams))
	ids := make(map[string]bool)

	for i, u := range upstreams {
		field := fmt.Sprintf("upstreams[%d]", i)
		if u.Name == "" {
			v.AddField(field+".name", "required")
		} else if names[u.Name] {
			v.AddField(field+".name", fmt.Sprintf("duplicate upstream %q", u.Name))
		}
		names[u.Name] = true

		if len(u.Targets) == 0 {
			v.AddField(field+".targets", "at least one target is required")
		}

		for j, t := range u.Targets {
			tfield := fmt.Sprintf("%s.targets[%d]", field, j)
			if t.ID == "" {
				v.AddField(tfield+".id", "required")
			} else if ids[t.ID] {
				v.AddField(tfield+".id", fmt.Sprintf("duplicate target %q", t.ID))
			}
			ids[t.ID] = true
			validateTarget(v, tfield, t)
		}
	}
}

func validateTarget(v *util.ValidationError, field string, t TargetConfig) {
	switch t.Transport {
	case TransportHTTP, TransportSSE:
		if err := util.ValidateURL(t.URL); err != nil {
			v.AddField(field+".url", err.Error())
		}
	case TransportWebSocket:
		if err := util.ValidateURL(t.URL, "ws", "wss"); err != nil {
			v.AddField(field+".url", err.Error())
		}
	case TransportStdio:
		if t.Command == "" {
			v.AddField(field+".command", "required for stdio transport")
		}
	default:
		v.AddField(field+".transport", fmt.Sprintf("unknown transport %q", t.Transport))
	}

	for name := range t.Headers {
		if err := util.ValidateHeaderName(name); err != nil {
			v.AddField(field+".headers", err.Error())
		}
		if strings.EqualFold(name, "Authorization") {
			v.AddField(field+".headers", "Authorization must not be forwarded to upstreams")
		}
	}
}

func validatePool(v *util.ValidationError, c PoolConfig) {
	if c.MaxConnections <= 0 {
		v.AddField("pool.max_connections", "must be positive")
	}
	if c.MinConnections < 0 || c.MinConnections > c.MaxConnections {
		v.AddField("pool.min_connections", "must be between 0 and max_connections")
	}
	if c.PoolTimeout < 0 {
		v.AddField("pool.pool_timeout", "must not be negative")
	}
}

func validateCircuitBreaker(v *util.ValidationError, c CircuitBreakerConfig) {
	if c.FailureThreshold <= 0 {
		v.AddField("circuit_breaker.failure_threshold", "must be positive")
	}
	if c.OpenDuration <= 0 {
		v.AddField("circuit_breaker.open_duration", "must be positive")
	}
	if c.MaxOpenDuration < c.OpenDuration {
		v.AddField("circuit_breaker.max_open_duration", "must not be less than open_duration")
	}
	if c.HalfOpenMaxProbes <= 0 {
		v.AddField("circuit_breaker.half_open_max_probes", "must be positive")
	}
}

func validateAudit(v *util.ValidationError, c AuditConfig) {
	if c.BufferSize <= 0 {
		v.AddField("audit.buffer_size", "must be positive")
	}
	switch c.Format {
	case "json", "text":
	default:
		v.AddField("audit.format", fmt.Sprintf("unknown format %q", c.Format))
	}
}

func validateSession(v *util.ValidationError, c SessionConfig) {
	switch c.Store {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Address == "" {
			v.AddField("session.redis.address", "required for the redis store")
		}
	default:
		v.AddField("session.store", fmt.Sprintf("unknown store %q", c.Store))
	}
}

func validatePolicy(v *util.ValidationError, c PolicyConfig) {
	switch c.DefaultAction {
	case DefaultActionAllow, DefaultActionDeny:
	default:
		v.AddField("policy.default_action", fmt.Sprintf("must be %q or %q", DefaultActionAllow, DefaultActionDeny))
	}
	if err := util.ValidateHTTPStatusCode(c.DenyStatus); err != nil {
		v.AddField("policy.deny_status", err.Error())
	}
}

// ValidateRules checks rule identifiers, conditions and actions. Regex and
// CEL compilation errors are reported later by the policy compiler.
func ValidateRules(v *util.ValidationError, rules []RuleConfig) {
	ids := make(map[string]bool, len(rules))
	for i, r := range rules {
		field := fmt.Sprintf("rules[%d]", i)
		if r.ID == "" {
			v.AddField(field+".id", "required")
		} else if ids[r.ID] {
			v.AddField(field+".id", fmt.Sprintf("duplicate rule %q", r.ID))
		}
		ids[r.ID] = true

		validateCondition(v, field+".condition", r.Condition)

		if len(r.Actions) == 0 {
			v.AddField(field+".actions", "at least one action is required")
		}
		for j, a := range r.Actions {
			validateAction(v, fmt.Sprintf("%s.actions[%d]", field, j), a)
		}
	}
}

func validateCondition(v *util.ValidationError, field string, c ConditionConfig) {
	if n := c.setCount(); n != 1 {
		v.AddField(field, fmt.Sprintf("exactly one condition kind must be set, got %d", n))
		return
	}

	switch {
	case c.Path != nil:
		if c.Path.Exact == "" && c.Path.Prefix == "" && c.Path.Regex == "" {
			v.AddField(field+".path", "one of exact, prefix or regex is required")
		}
	case c.Method != nil:
		if len(c.Method.Methods) == 0 && len(c.Method.RPCMethods) == 0 {
			v.AddField(field+".method", "methods or rpc_methods is required")
		}
		for _, m := range c.Method.Methods {
			if err := util.ValidateHTTPMethod(strings.ToUpper(m)); err != nil {
				v.AddField(field+".method", err.Error())
			}
		}
	case c.Header != nil:
		if err := util.ValidateHeaderName(c.Header.Name); err != nil {
			v.AddField(field+".header.name", err.Error())
		}
	case c.AuthScope != nil:
		switch c.AuthScope.Mode {
		case "any", "all", "exact":
		default:
			v.AddField(field+".auth_scope.mode", "must be any, all or exact")
		}
	case c.AuthSubject != nil:
		if len(c.AuthSubject.Equals) == 0 && c.AuthSubject.Regex == "" {
			v.AddField(field+".auth_subject", "equals or regex is required")
		}
	case c.AuthClaim != nil:
		if c.AuthClaim.Name == "" {
			v.AddField(field+".auth_claim.name", "required")
		}
		switch c.AuthClaim.Mode {
		case "exists", "equals", "contains", "regex":
		default:
			v.AddField(field+".auth_claim.mode", "must be exists, equals, contains or regex")
		}
	case c.And != nil:
		validateChildren(v, field+".and", c.And)
	case c.Or != nil:
		validateChildren(v, field+".or", c.Or)
	case c.Not != nil:
		validateCondition(v, field+".not", *c.Not)
	}
}

func validateChildren(v *util.ValidationError, field string, children []ConditionConfig) {
	if len(children) == 0 {
		v.AddField(field, "at least one operand is required")
	}
	for i, child := range children {
		validateCondition(v, fmt.Sprintf("%s[%d]", field, i), child)
	}
}

func validateAction(v *util.ValidationError, field string, a ActionConfig) {
	switch a.Type {
	case ActionAllow, ActionLog:
	case ActionBlock:
		if a.Status != 0 {
			if err := util.ValidateHTTPStatusCode(a.Status); err != nil {
				v.AddField(field+".status", err.Error())
			}
		}
	case ActionRedirect:
		if a.Location == "" {
			v.AddField(field+".location", "required for redirect")
		}
		if a.Status != 0 && (a.Status < http.StatusMultipleChoices || a.Status > http.StatusPermanentRedirect) {
			v.AddField(field+".status", "redirect status must be 3xx")
		}
	case ActionSetHeader, ActionRemoveHeader:
		if err := util.ValidateHeaderName(a.Header); err != nil {
			v.AddField(field+".header", err.Error())
		}
		if strings.EqualFold(a.Header, "Authorization") && a.Type == ActionSetHeader {
			v.AddField(field+".header", "rules may not set Authorization")
		}
	default:
		v.AddField(field+".type", fmt.Sprintf("unknown action %q", a.Type))
	}
}
