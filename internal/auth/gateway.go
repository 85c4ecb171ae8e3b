package auth

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/audit"
	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// Gateway default configuration constants.
const (
	// DefaultClockSkew is the tolerance applied to exp and nbf.
	DefaultClockSkew = 30 * time.Second

	// DefaultVerifyTimeout bounds a single verification call.
	DefaultVerifyTimeout = 2 * time.Second
)

// Attempt outcomes used for metrics.
const (
	outcomeSuccess   = "success"
	outcomeCached    = "cached"
	outcomeCancelled = "cancelled"
)

// fingerprintLength is the number of hash characters recorded in audit
// events.
const fingerprintLength = 12

// TokenVerifier checks a credential's signature and returns its claims.
// Implementations may validate claims too; the Gateway re-checks the
// structural ones regardless.
type TokenVerifier interface {
	Verify(ctx context.Context, cred Credential) (*Claims, error)
}

// TokenVerifierFunc adapts a function to TokenVerifier.
type TokenVerifierFunc func(ctx context.Context, cred Credential) (*Claims, error)

// Verify implements TokenVerifier.
func (f TokenVerifierFunc) Verify(ctx context.Context, cred Credential) (*Claims, error) {
	return f(ctx, cred)
}

// AttemptLimitConfig configures the per-client attempt limiter.
type AttemptLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	Burst             int
}

// Config configures a Gateway.
type Config struct {
	// Enabled requires a credential on every request. When false,
	// requests without a credential proceed anonymously.
	Enabled bool

	// Issuers is the issuer allow-list. Empty accepts any issuer.
	Issuers []string

	// Audiences must intersect the token audiences. Empty accepts any.
	Audiences []string

	ClockSkew       time.Duration
	VerifyTimeout   time.Duration
	CacheTTLCeiling time.Duration
	CacheMaxEntries int
	AttemptLimit    AttemptLimitConfig

	// RevokedSubjects are rejected even when their tokens verify.
	RevokedSubjects []string
}

// Option is a functional option for the Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(logger audit.Logger) Option {
	return func(g *Gateway) {
		g.audit = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(g *Gateway) {
		g.metrics = metrics
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// Gateway authenticates bearer credentials.
type Gateway struct {
	config   Config
	verifier TokenVerifier
	cache    *Cache
	attempts *AttemptLimiter
	logger   observability.Logger
	audit    audit.Logger
	metrics  *Metrics
	now      func() time.Time

	// revoked is the active subject deny-list.
	revoked atomic.Pointer[map[string]struct{}]
}

// NewGateway creates a Gateway.
func NewGateway(cfg Config, verifier TokenVerifier, opts ...Option) *Gateway {
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = DefaultVerifyTimeout
	}

	g := &Gateway{
		config:   cfg,
		verifier: verifier,
		cache:    NewCache(cfg.CacheTTLCeiling, cfg.CacheMaxEntries),
		logger:   observability.NopLogger(),
		audit:    audit.NewNoopLogger(),
		now:      time.Now,
	}

	if cfg.AttemptLimit.Enabled && cfg.AttemptLimit.RequestsPerMinute > 0 {
		g.attempts = NewAttemptLimiter(cfg.AttemptLimit.RequestsPerMinute, cfg.AttemptLimit.Burst)
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.metrics == nil {
		g.metrics = NewMetrics("", nil)
	}

	g.revoked.Store(subjectSet(cfg.RevokedSubjects))

	return g
}

// Enabled reports whether a credential is required.
func (g *Gateway) Enabled() bool {
	return g.config.Enabled
}

// Cache returns the validation cache.
func (g *Gateway) Cache() *Cache {
	return g.cache
}

// Authenticate validates cred and returns the derived AuthContext. Exactly
// one audit event is emitted per call. The credential is not retained.
func (g *Gateway) Authenticate(
	ctx context.Context,
	cred Credential,
	sessionID string,
	info RequestInfo,
) (*AuthContext, error) {
	now := g.now()

	if cred.IsEmpty() {
		err := NewAuthError(KindMissingCredential, "bearer token required")
		g.recordFailure(ctx, err, "", sessionID, info)
		return nil, err
	}

	hash := cred.Hash()
	fingerprint := hash[:fingerprintLength]

	if authCtx, ok := g.cache.Get(hash, sessionID, now); ok && !g.isRevoked(authCtx.Subject()) {
		g.metrics.RecordCacheHit()
		g.recordSuccess(ctx, authCtx, true, fingerprint, sessionID, info)
		return authCtx, nil
	}
	g.metrics.RecordCacheMiss()

	if g.attempts != nil {
		if ok, wait := g.attempts.Allow(info.ClientAddress, now); !ok {
			err := NewAuthError(KindRateLimited, "too many authentication attempts")
			err.RetryAfter = wait
			g.recordFailure(ctx, err, fingerprint, sessionID, info)
			return nil, err
		}
	}

	claims, err := g.verify(ctx, cred)
	if err != nil {
		g.recordFailure(ctx, err, fingerprint, sessionID, info)
		return nil, err
	}

	if err := g.validateClaims(claims, g.now()); err != nil {
		g.recordFailure(ctx, err, fingerprint, sessionID, info)
		return nil, err
	}

	authCtx := NewAuthContext(claims)
	g.cache.Put(hash, sessionID, authCtx, g.now())
	g.recordSuccess(ctx, authCtx, false, fingerprint, sessionID, info)

	return authCtx, nil
}

// RevokeSubject drops every cached validation for subject.
func (g *Gateway) RevokeSubject(subject string) int {
	return g.cache.RevokeSubject(subject)
}

// SetRevokedSubjects replaces the subject deny-list. Cached validations of
// newly listed subjects are dropped so the next request re-authenticates
// and is rejected. It returns how many cache entries were dropped.
func (g *Gateway) SetRevokedSubjects(subjects []string) int {
	next := subjectSet(subjects)
	prev := g.revoked.Swap(next)

	dropped, added := 0, 0
	for subject := range *next {
		if _, ok := (*prev)[subject]; ok {
			continue
		}
		added++
		dropped += g.RevokeSubject(subject)
	}

	if added > 0 || len(*prev) != len(*next) {
		g.logger.Info("revoked subjects updated",
			observability.Int("subjects", len(*next)),
			observability.Int("added", added),
			observability.Int("dropped", dropped),
		)
	}
	return dropped
}

func (g *Gateway) isRevoked(subject string) bool {
	_, ok := (*g.revoked.Load())[subject]
	return ok
}

func subjectSet(subjects []string) *map[string]struct{} {
	set := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return &set
}

// Logout drops every cached validation used with sessionID.
func (g *Gateway) Logout(sessionID string) int {
	removed := g.cache.RevokeSession(sessionID)
	g.logger.Debug("session logged out",
		observability.String("session_id", sessionID),
		observability.Int("revoked", removed),
	)
	return removed
}

func (g *Gateway) verify(ctx context.Context, cred Credential) (*Claims, error) {
	if g.verifier == nil {
		return nil, NewAuthError(KindVerifierUnavailable, "no token verifier configured")
	}

	vctx, cancel := context.WithTimeout(ctx, g.config.VerifyTimeout)
	defer cancel()

	start := time.Now()
	claims, err := g.verifier.Verify(vctx, cred)
	g.metrics.ObserveVerify(time.Since(start))

	if err == nil {
		if claims == nil {
			return nil, NewAuthError(KindInvalidClaims, "verifier returned no claims")
		}
		return claims, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(vctx.Err(), context.DeadlineExceeded) {
		return nil, NewAuthErrorWithCause(KindVerifierUnavailable, "verification timed out", vctx.Err())
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return nil, authErr
	}
	return nil, NewAuthErrorWithCause(KindInvalidSignature, "token verification failed", err)
}

func (g *Gateway) validateClaims(c *Claims, now time.Time) error {
	skew := g.config.ClockSkew

	if !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt.Add(skew)) {
		return NewAuthError(KindExpired, "token has expired")
	}
	if !c.NotBefore.IsZero() && now.Add(skew).Before(c.NotBefore) {
		return NewAuthError(KindInvalidClaims, "token is not yet valid")
	}
	if c.Subject == "" {
		return NewAuthError(KindInvalidClaims, "token has no subject")
	}
	if g.isRevoked(c.Subject) {
		return NewAuthError(KindRevoked, "subject has been revoked")
	}
	if len(g.config.Issuers) > 0 && !containsString(g.config.Issuers, c.Issuer) {
		return NewAuthError(KindInvalidClaims, "issuer not allowed")
	}
	if len(g.config.Audiences) > 0 && !intersects(g.config.Audiences, c.Audiences) {
		return NewAuthError(KindInvalidClaims, "audience not accepted")
	}
	return nil
}

func (g *Gateway) recordSuccess(
	ctx context.Context,
	authCtx *AuthContext,
	cached bool,
	fingerprint, sessionID string,
	info RequestInfo,
) {
	outcome := outcomeSuccess
	if cached {
		outcome = outcomeCached
	}
	g.metrics.RecordAttempt(outcome)

	g.audit.Log(ctx, audit.NewEvent(audit.EventAuthentication, audit.OutcomeSuccess).
		WithSession(sessionID).
		WithRequest(info.RequestID).
		WithDetails(map[string]string{
			"subject":        authCtx.Subject(),
			"issuer":         authCtx.Issuer(),
			"cached":         strconv.FormatBool(cached),
			"fingerprint":    fingerprint,
			"client_address": info.ClientAddress,
		}))
}

func (g *Gateway) recordFailure(ctx context.Context, err error, fingerprint, sessionID string, info RequestInfo) {
	outcome := audit.OutcomeFailure
	reason := string(KindOf(err))
	if reason == "" && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		outcome = audit.OutcomeCancelled
		reason = outcomeCancelled
	}
	g.metrics.RecordAttempt(reason)

	if KindOf(err) == KindVerifierUnavailable {
		g.logger.Error("token verifier unavailable",
			observability.Error(err),
			observability.String("request_id", info.RequestID),
		)
	} else {
		g.logger.Debug("authentication failed",
			observability.String("reason", reason),
			observability.String("client_address", info.ClientAddress),
			observability.String("request_id", info.RequestID),
		)
	}

	detail := map[string]string{
		"reason":         reason,
		"client_address": info.ClientAddress,
	}
	if fingerprint != "" {
		detail["fingerprint"] = fingerprint
	}

	g.audit.Log(ctx, audit.NewEvent(audit.EventAuthentication, outcome).
		WithSession(sessionID).
		WithRequest(info.RequestID).
		WithDetails(detail))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, v := range b {
		if containsString(a, v) {
			return true
		}
	}
	return false
}
