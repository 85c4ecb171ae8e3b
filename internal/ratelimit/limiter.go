package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/audit"
	"github.com/vyrodovalexey/mcpgw/internal/observability"
	"github.com/vyrodovalexey/mcpgw/internal/ratelimit/store"
	"github.com/vyrodovalexey/mcpgw/internal/reqctx"
	"github.com/vyrodovalexey/mcpgw/internal/util"
)

// Tier names a rate limit scope.
type Tier string

// Tiers.
const (
	TierGlobal   Tier = "global"
	TierSession  Tier = "session"
	TierIdentity Tier = "identity"
	TierEndpoint Tier = "endpoint"
)

// DefaultOrder returns the default tier evaluation order. Shared capacity
// is protected first.
func DefaultOrder() []Tier {
	return []Tier{TierGlobal, TierSession, TierIdentity, TierEndpoint}
}

// globalKey is the single key of the global tier.
const globalKey = "global"

// TierConfig configures one tier.
type TierConfig struct {
	RequestsPerMinute int
	BurstSize         int
	Enabled           bool
}

// active reports whether the tier takes part in checks.
func (c TierConfig) active() bool {
	return c.Enabled && c.RequestsPerMinute > 0
}

func (c TierConfig) limit() store.Limit {
	return store.Limit{RequestsPerMinute: c.RequestsPerMinute, Burst: c.BurstSize}
}

// Config configures a Limiter.
type Config struct {
	// Order is the tier evaluation order. Empty uses DefaultOrder.
	Order []Tier

	// Tiers holds per-tier settings. Missing tiers are disabled.
	Tiers map[Tier]TierConfig
}

// Validate checks the configuration.
func (c Config) Validate() error {
	verr := util.NewValidationError("invalid rate limit configuration")

	seen := make(map[Tier]bool, len(c.Order))
	for i, t := range c.Order {
		if !knownTier(t) {
			verr.AddField(fmt.Sprintf("order[%d]", i), fmt.Sprintf("unknown tier %q", t))
		}
		if seen[t] {
			verr.AddField(fmt.Sprintf("order[%d]", i), fmt.Sprintf("duplicate tier %q", t))
		}
		seen[t] = true
	}

	for t, tc := range c.Tiers {
		if !knownTier(t) {
			verr.AddField(string(t), "unknown tier")
			continue
		}
		if !tc.Enabled {
			continue
		}
		if tc.RequestsPerMinute <= 0 {
			verr.AddField(string(t)+".requests_per_minute", "must be positive when enabled")
		}
		if tc.BurstSize < 0 {
			verr.AddField(string(t)+".burst_size", "must not be negative")
		}
	}

	return verr.OrNil()
}

func (c Config) normalized() *Config {
	out := &Config{
		Order: append([]Tier(nil), c.Order...),
		Tiers: make(map[Tier]TierConfig, len(c.Tiers)),
	}
	if len(out.Order) == 0 {
		out.Order = DefaultOrder()
	}
	for t, tc := range c.Tiers {
		out.Tiers[t] = tc
	}
	return out
}

func knownTier(t Tier) bool {
	switch t {
	case TierGlobal, TierSession, TierIdentity, TierEndpoint:
		return true
	default:
		return false
	}
}

// Stats is a snapshot of limiter counters.
type Stats struct {
	Allowed  uint64
	Rejected uint64
	Errors   uint64
}

// SuccessRate returns the allowed share of decided requests, in percent.
// With no requests it is 100.
func (s Stats) SuccessRate() float64 {
	total := s.Allowed + s.Rejected
	if total == 0 {
		return 100
	}
	return float64(s.Allowed) / float64(total) * 100
}

// Option is a functional option for the Limiter.
type Option func(*Limiter)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(logger audit.Logger) Option {
	return func(l *Limiter) {
		l.audit = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(l *Limiter) {
		l.metrics = metrics
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// Limiter checks requests against the configured tiers.
type Limiter struct {
	config  atomic.Pointer[Config]
	store   store.Store
	logger  observability.Logger
	audit   audit.Logger
	metrics *Metrics
	now     func() time.Time

	allowed  atomic.Uint64
	rejected atomic.Uint64
	errors   atomic.Uint64
}

// New creates a Limiter on st.
func New(cfg Config, st store.Store, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		st = store.NewMemoryStore()
	}

	l := &Limiter{
		store:  st,
		logger: observability.NopLogger(),
		audit:  audit.NewNoopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = NewMetrics("", nil)
	}

	l.config.Store(cfg.normalized())
	return l, nil
}

// UpdateConfig atomically replaces the tier configuration. Requests in
// flight finish under the configuration they started with. Tier state in
// the store is kept.
func (l *Limiter) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.config.Store(cfg.normalized())
	l.logger.Info("rate limit configuration updated",
		observability.Int("tiers", len(cfg.Tiers)),
	)
	return nil
}

// Config returns a copy of the active configuration.
func (l *Limiter) Config() Config {
	return *l.config.Load().normalized()
}

// Check consumes one unit from every enabled tier in order and stops at
// the first tier without capacity. A rejection returns *ExceededError and
// emits a rate_limit_exceeded audit event. Units already taken from
// earlier tiers are refunded when a later tier rejects or the request is
// cancelled, so a request that is not admitted costs nothing.
//
// Store failures other than cancellation are logged and the tier is
// skipped.
func (l *Limiter) Check(ctx context.Context, rc *reqctx.RequestContext) error {
	cfg := l.config.Load()
	now := l.now()

	var taken []takenUnit
	for _, tier := range cfg.Order {
		tc, ok := cfg.Tiers[tier]
		if !ok || !tc.active() {
			continue
		}

		key, ok := tierKey(tier, rc)
		if !ok {
			continue
		}

		res, err := l.store.Take(ctx, key, tc.limit(), now)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				l.refund(ctx, taken, now)
				return ctxErr
			}
			l.errors.Add(1)
			l.metrics.RecordDecision(tier, resultError)
			l.logger.WithContext(ctx).Warn("rate limit store error, skipping tier",
				observability.String("tier", string(tier)),
				observability.Error(err),
			)
			continue
		}

		if !res.Allowed {
			l.rejected.Add(1)
			l.metrics.RecordDecision(tier, resultRejected)
			exceeded := &ExceededError{Tier: tier, RetryAfter: res.RetryAfter, Limit: tc.RequestsPerMinute}
			l.refund(ctx, taken, now)
			l.recordRejection(ctx, rc, exceeded)
			return exceeded
		}
		l.metrics.RecordDecision(tier, resultAllowed)
		taken = append(taken, takenUnit{tier: tier, key: key, limit: tc.limit()})
	}

	l.allowed.Add(1)
	return nil
}

// takenUnit is one unit consumed from a tier during Check.
type takenUnit struct {
	tier  Tier
	key   string
	limit store.Limit
}

// refund returns units to their tiers. It runs even when ctx is cancelled.
func (l *Limiter) refund(ctx context.Context, taken []takenUnit, now time.Time) {
	refundCtx := context.WithoutCancel(ctx)
	for _, u := range taken {
		if err := l.store.Refund(refundCtx, u.key, u.limit, now); err != nil {
			l.logger.WithContext(ctx).Warn("rate limit refund failed",
				observability.String("tier", string(u.tier)),
				observability.Error(err),
			)
		}
	}
}

// tierKey returns the store key for tier. The session tier is skipped for
// requests that have no session yet.
func tierKey(tier Tier, rc *reqctx.RequestContext) (string, bool) {
	switch tier {
	case TierGlobal:
		return globalKey, true
	case TierSession:
		if rc.SessionID == "" {
			return "", false
		}
		return "session:" + rc.SessionID, true
	case TierIdentity:
		return "identity:" + rc.Identity(), true
	case TierEndpoint:
		return "endpoint:" + rc.EndpointKey(), true
	default:
		return "", false
	}
}

func (l *Limiter) recordRejection(ctx context.Context, rc *reqctx.RequestContext, e *ExceededError) {
	l.logger.WithContext(ctx).Debug("rate limit exceeded",
		observability.String("tier", string(e.Tier)),
		observability.Duration("retry_after", e.RetryAfter),
		observability.String("endpoint", rc.EndpointKey()),
	)

	event := audit.NewEvent(audit.EventRateLimitExceeded, audit.OutcomeDenied).
		WithSession(rc.SessionID).
		WithRequest(rc.RequestID).
		WithDetails(map[string]string{
			"tier":           string(e.Tier),
			"limit":          strconv.Itoa(e.Limit),
			"retry_after_ms": strconv.FormatInt(e.RetryAfter.Milliseconds(), 10),
			"endpoint":       rc.EndpointKey(),
			"identity":       rc.Identity(),
			"client_address": rc.ClientAddress,
		})
	l.audit.Log(ctx, event)
}

// Stats returns the limiter counters.
func (l *Limiter) Stats() Stats {
	return Stats{
		Allowed:  l.allowed.Load(),
		Rejected: l.rejected.Load(),
		Errors:   l.errors.Load(),
	}
}

// Close closes the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
