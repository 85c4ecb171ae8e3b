package jwt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/mcpgw/internal/auth"
	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// Verifier default configuration constants.
const (
	// DefaultRefreshInterval is the minimum interval between JWKS fetches.
	DefaultRefreshInterval = 15 * time.Minute

	// DefaultFetchTimeout bounds a single JWKS HTTP request.
	DefaultFetchTimeout = 10 * time.Second
)

// DefaultAlgorithms are accepted when Config.AllowedAlgorithms is empty.
var DefaultAlgorithms = []string{"RS256", "ES256"}

// Config configures a Verifier.
type Config struct {
	// JWKSURL is fetched and refreshed when KeySet is nil.
	JWKSURL string

	// KeySet is a static key set. It takes precedence over JWKSURL.
	KeySet jwk.Set

	// Issuer, when set, must equal the iss claim.
	Issuer string

	// Audiences, when set, must intersect the aud claim.
	Audiences []string

	ClockSkew         time.Duration
	AllowedAlgorithms []string
	RefreshInterval   time.Duration

	// HTTPClient fetches the JWKS. Defaults to a client with
	// DefaultFetchTimeout.
	HTTPClient *http.Client
}

// Option is a functional option for the Verifier.
type Option func(*Verifier)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// WithClock overrides the time source used for exp and nbf checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// Verifier verifies JWS-signed JWTs.
type Verifier struct {
	config     Config
	cache      *jwk.Cache
	algorithms map[string]struct{}
	logger     observability.Logger
	now        func() time.Time
}

// NewVerifier creates a Verifier. When a JWKS URL is configured the key set
// is registered with a background refresher bound to ctx and fetched once.
// A failed initial fetch is logged, not returned: verification reports the
// verifier as unavailable until a fetch succeeds.
func NewVerifier(ctx context.Context, cfg Config, opts ...Option) (*Verifier, error) {
	if cfg.KeySet == nil && cfg.JWKSURL == "" {
		return nil, errors.New("jwt verifier requires a key set or a JWKS URL")
	}

	algs := cfg.AllowedAlgorithms
	if len(algs) == 0 {
		algs = DefaultAlgorithms
	}

	v := &Verifier{
		config:     cfg,
		algorithms: make(map[string]struct{}, len(algs)),
		logger:     observability.NopLogger(),
		now:        time.Now,
	}
	for _, a := range algs {
		v.algorithms[strings.ToUpper(a)] = struct{}{}
	}

	for _, opt := range opts {
		opt(v)
	}

	if cfg.KeySet != nil {
		return v, nil
	}

	refresh := cfg.RefreshInterval
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}

	v.cache = jwk.NewCache(ctx)
	if err := v.cache.Register(cfg.JWKSURL,
		jwk.WithMinRefreshInterval(refresh),
		jwk.WithHTTPClient(client),
	); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	if _, err := v.cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		v.logger.Warn("initial JWKS fetch failed",
			observability.String("url", cfg.JWKSURL),
			observability.Error(err),
		)
	}

	return v, nil
}

// Verify implements auth.TokenVerifier.
func (v *Verifier) Verify(ctx context.Context, cred auth.Credential) (*auth.Claims, error) {
	if cred.IsEmpty() {
		return nil, auth.NewAuthError(auth.KindMissingCredential, "bearer token required")
	}

	raw := []byte(cred.Reveal())

	if err := v.checkAlgorithm(raw); err != nil {
		return nil, err
	}

	keys, err := v.keySet(ctx)
	if err != nil {
		return nil, auth.NewAuthErrorWithCause(auth.KindVerifierUnavailable, "key set unavailable", err)
	}

	parseOpts := []jwt.ParseOption{
		jwt.WithKeySet(keys, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.config.ClockSkew),
		jwt.WithClock(jwt.ClockFunc(v.now)),
	}
	if v.config.Issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.config.Issuer))
	}

	token, err := jwt.Parse(raw, parseOpts...)
	if err != nil {
		return nil, mapError(err)
	}

	claims := claimsFromToken(token)
	if len(v.config.Audiences) > 0 && !intersects(v.config.Audiences, claims.Audiences) {
		return nil, auth.NewAuthError(auth.KindInvalidClaims, "audience not accepted")
	}

	return claims, nil
}

func (v *Verifier) keySet(ctx context.Context) (jwk.Set, error) {
	if v.config.KeySet != nil {
		return v.config.KeySet, nil
	}
	return v.cache.Get(ctx, v.config.JWKSURL)
}

// checkAlgorithm rejects tokens whose header names an algorithm outside
// the allow-list before any key lookup happens.
func (v *Verifier) checkAlgorithm(raw []byte) error {
	msg, err := jws.Parse(raw)
	if err != nil {
		return auth.NewAuthErrorWithCause(auth.KindInvalidSignature, "malformed token", err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return auth.NewAuthError(auth.KindInvalidSignature, "token must carry exactly one signature")
	}
	alg := sigs[0].ProtectedHeaders().Algorithm().String()
	if _, ok := v.algorithms[strings.ToUpper(alg)]; !ok {
		return auth.NewAuthError(auth.KindInvalidSignature, fmt.Sprintf("algorithm %q not allowed", alg))
	}
	return nil
}

// mapError converts jwx errors to auth error kinds.
func mapError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired()):
		return auth.NewAuthErrorWithCause(auth.KindExpired, "token has expired", err)
	case errors.Is(err, jwt.ErrTokenNotYetValid()):
		return auth.NewAuthErrorWithCause(auth.KindInvalidClaims, "token is not yet valid", err)
	case errors.Is(err, jwt.ErrInvalidIssuer()):
		return auth.NewAuthErrorWithCause(auth.KindInvalidClaims, "issuer not allowed", err)
	case jwt.IsValidationError(err):
		return auth.NewAuthErrorWithCause(auth.KindInvalidClaims, "token claims rejected", err)
	default:
		return auth.NewAuthErrorWithCause(auth.KindInvalidSignature, "signature verification failed", err)
	}
}

// claimsFromToken copies a parsed token into auth.Claims. Scopes are read
// from the space-delimited scope claim or the scp array.
func claimsFromToken(token jwt.Token) *auth.Claims {
	private := token.PrivateClaims()

	claims := &auth.Claims{
		Subject:   token.Subject(),
		Issuer:    token.Issuer(),
		Audiences: token.Audience(),
		ExpiresAt: token.Expiration(),
		NotBefore: token.NotBefore(),
		IssuedAt:  token.IssuedAt(),
		Extra:     make(map[string]interface{}, len(private)),
	}

	for k, val := range private {
		switch k {
		case "scope", "scp":
			claims.Scopes = append(claims.Scopes, parseScopes(val)...)
		default:
			claims.Extra[k] = val
		}
	}

	return claims
}

func parseScopes(val interface{}) []string {
	switch t := val.(type) {
	case string:
		return strings.Fields(t)
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func intersects(want, have []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

var _ auth.TokenVerifier = (*Verifier)(nil)
