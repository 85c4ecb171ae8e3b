package auth

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const redacted = "[REDACTED]"

// bearerPrefix is the Authorization scheme accepted by the gateway.
const bearerPrefix = "bearer "

// Credential is an opaque bearer token. Every formatting path (%v, %s, %#v,
// %q, JSON) prints a placeholder, so a Credential can be passed to loggers
// and error constructors without leaking the token.
type Credential struct {
	raw string
}

// NewCredential wraps a raw token.
func NewCredential(raw string) Credential {
	return Credential{raw: strings.TrimSpace(raw)}
}

// CredentialFromHeader extracts a bearer token from the Authorization
// header. It returns an empty Credential when the header is absent or uses
// another scheme.
func CredentialFromHeader(h http.Header) Credential {
	value := h.Get("Authorization")
	if len(value) <= len(bearerPrefix) || !strings.EqualFold(value[:len(bearerPrefix)], bearerPrefix) {
		return Credential{}
	}
	return NewCredential(value[len(bearerPrefix):])
}

// IsEmpty reports whether no token was supplied.
func (c Credential) IsEmpty() bool {
	return c.raw == ""
}

// Reveal returns the raw token. Only token verifiers may call it.
func (c Credential) Reveal() string {
	return c.raw
}

// Hash returns the hex-encoded blake2b-256 digest of the token. It is used
// as the cache key and is safe to log.
func (c Credential) Hash() string {
	sum := blake2b.Sum256([]byte(c.raw))
	return hex.EncodeToString(sum[:])
}

// String implements fmt.Stringer.
func (c Credential) String() string {
	return redacted
}

// GoString implements fmt.GoStringer.
func (c Credential) GoString() string {
	return "auth.Credential(" + redacted + ")"
}

// Format implements fmt.Formatter so that no verb reaches the raw field.
func (c Credential) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v':
		if f.Flag('#') {
			_, _ = fmt.Fprint(f, c.GoString())
			return
		}
		_, _ = fmt.Fprint(f, redacted)
	case 'q':
		_, _ = fmt.Fprintf(f, "%q", redacted)
	default:
		_, _ = fmt.Fprint(f, redacted)
	}
}

// MarshalJSON implements json.Marshaler.
func (c Credential) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// MarshalText implements encoding.TextMarshaler.
func (c Credential) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}
