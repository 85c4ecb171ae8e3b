package auth

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Claims is the verified content of a token, as returned by a
// TokenVerifier. It never includes the token itself.
type Claims struct {
	Subject   string
	Issuer    string
	Audiences []string
	Scopes    []string
	ExpiresAt time.Time
	NotBefore time.Time
	IssuedAt  time.Time

	// Extra holds every non-registered claim.
	Extra map[string]interface{}
}

// RequestInfo describes the request an authentication attempt belongs to.
type RequestInfo struct {
	ClientAddress string
	RequestID     string
	Method        string
	Path          string
}

// AuthContext is the derived, non-secret identity produced by a successful
// authentication. It is immutable: accessors return copies.
type AuthContext struct {
	subject     string
	issuer      string
	audiences   []string
	scopes      map[string]struct{}
	expiresAt   time.Time
	notBefore   time.Time
	extraClaims map[string]interface{}
}

// NewAuthContext builds an AuthContext from verified claims.
func NewAuthContext(c *Claims) *AuthContext {
	scopes := make(map[string]struct{}, len(c.Scopes))
	for _, s := range c.Scopes {
		if s != "" {
			scopes[s] = struct{}{}
		}
	}

	audiences := append([]string(nil), c.Audiences...)
	sort.Strings(audiences)

	extra := make(map[string]interface{}, len(c.Extra))
	for k, v := range c.Extra {
		extra[k] = v
	}

	return &AuthContext{
		subject:     c.Subject,
		issuer:      c.Issuer,
		audiences:   audiences,
		scopes:      scopes,
		expiresAt:   c.ExpiresAt,
		notBefore:   c.NotBefore,
		extraClaims: extra,
	}
}

// Subject returns the authenticated subject.
func (a *AuthContext) Subject() string { return a.subject }

// Issuer returns the token issuer.
func (a *AuthContext) Issuer() string { return a.issuer }

// ExpiresAt returns the token expiry. It is zero when the token has none.
func (a *AuthContext) ExpiresAt() time.Time { return a.expiresAt }

// NotBefore returns the token not-before time.
func (a *AuthContext) NotBefore() time.Time { return a.notBefore }

// Audiences returns a sorted copy of the token audiences.
func (a *AuthContext) Audiences() []string {
	return append([]string(nil), a.audiences...)
}

// Scopes returns the granted scopes in sorted order.
func (a *AuthContext) Scopes() []string {
	out := make([]string, 0, len(a.scopes))
	for s := range a.scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// HasScope reports whether scope was granted.
func (a *AuthContext) HasScope(scope string) bool {
	_, ok := a.scopes[scope]
	return ok
}

// HasAnyScope reports whether at least one of scopes was granted.
func (a *AuthContext) HasAnyScope(scopes ...string) bool {
	for _, s := range scopes {
		if a.HasScope(s) {
			return true
		}
	}
	return false
}

// HasAllScopes reports whether every one of scopes was granted. It is true
// for an empty list.
func (a *AuthContext) HasAllScopes(scopes ...string) bool {
	for _, s := range scopes {
		if !a.HasScope(s) {
			return false
		}
	}
	return true
}

// HasExactScopes reports whether the granted scopes equal scopes as a set.
func (a *AuthContext) HasExactScopes(scopes ...string) bool {
	want := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		want[s] = struct{}{}
	}
	if len(want) != len(a.scopes) {
		return false
	}
	return a.HasAllScopes(scopes...)
}

// Claim returns a copy of an extra claim. Registered claims (sub, iss, aud,
// exp, nbf, scope) are also resolvable by name.
func (a *AuthContext) Claim(name string) (interface{}, bool) {
	switch name {
	case "sub":
		return a.subject, a.subject != ""
	case "iss":
		return a.issuer, a.issuer != ""
	case "aud":
		return a.Audiences(), len(a.audiences) > 0
	case "scope", "scp":
		return a.Scopes(), len(a.scopes) > 0
	}
	v, ok := a.extraClaims[name]
	if !ok {
		return nil, false
	}
	return copyClaim(v), true
}

// ClaimString renders a claim for string matching. Slices are joined with
// a space and scalars use their default format.
func (a *AuthContext) ClaimString(name string) (string, bool) {
	v, ok := a.Claim(name)
	if !ok {
		return "", false
	}
	return claimToString(v), true
}

// ClaimNames returns the names of every extra claim in sorted order.
func (a *AuthContext) ClaimNames() []string {
	out := make([]string, 0, len(a.extraClaims))
	for k := range a.extraClaims {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ExpiredAt reports whether the context has expired at now.
func (a *AuthContext) ExpiredAt(now time.Time) bool {
	return !a.expiresAt.IsZero() && !now.Before(a.expiresAt)
}

func claimToString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []string:
		return strings.Join(t, " ")
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, claimToString(e))
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprint(t)
	}
}

// copyClaim deep-copies the JSON-shaped values claims decode into.
func copyClaim(v interface{}) interface{} {
	switch t := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = copyClaim(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = copyClaim(e)
		}
		return out
	default:
		return v
	}
}
