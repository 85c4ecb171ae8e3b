// Package reqctx holds the per-request state shared by every pipeline
// stage. A RequestContext is created at pipeline entry, gains an
// AuthContext once authentication succeeds and is read-only afterwards.
package reqctx

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/auth"
)

// ErrAuthAlreadyAttached is returned when AttachAuth is called twice.
var ErrAuthAlreadyAttached = errors.New("auth context already attached")

// anonymousPrefix marks identity keys derived from the client address.
const anonymousPrefix = "addr:"

// RequestContext describes one inbound request.
type RequestContext struct {
	SessionID     string
	ClientAddress string
	Method        string
	RPCMethod     string
	Path          string
	Headers       http.Header
	RequestID     string
	ReceivedAt    time.Time
	Body          []byte

	auth     atomic.Pointer[auth.AuthContext]
	attached atomic.Bool

	endpointOnce sync.Once
	endpointKey  string
}

// New creates a RequestContext. A nil header set is replaced with an empty
// one so lookups never need a nil check.
func New(method, path string, headers http.Header) *RequestContext {
	if headers == nil {
		headers = http.Header{}
	}
	return &RequestContext{
		Method:     method,
		Path:       path,
		Headers:    headers,
		ReceivedAt: time.Now(),
	}
}

// AttachAuth records the authenticated identity. It succeeds at most once.
func (rc *RequestContext) AttachAuth(a *auth.AuthContext) error {
	if a == nil {
		return nil
	}
	if !rc.attached.CompareAndSwap(false, true) {
		return ErrAuthAlreadyAttached
	}
	rc.auth.Store(a)
	return nil
}

// Auth returns the attached identity, or nil for anonymous requests.
func (rc *RequestContext) Auth() *auth.AuthContext {
	return rc.auth.Load()
}

// Authenticated reports whether an identity is attached.
func (rc *RequestContext) Authenticated() bool {
	return rc.auth.Load() != nil
}

// Identity returns the authenticated subject, or a key derived from the
// client address when the request is anonymous.
func (rc *RequestContext) Identity() string {
	if a := rc.auth.Load(); a != nil && a.Subject() != "" {
		return a.Subject()
	}
	return anonymousPrefix + rc.ClientAddress
}

// Header returns the first value of the named header. Lookup is case
// insensitive.
func (rc *RequestContext) Header(name string) string {
	return rc.Headers.Get(name)
}

// EndpointKey returns the normalized "METHOD /path" key used for endpoint
// rate limiting and audit correlation. It is computed once.
func (rc *RequestContext) EndpointKey() string {
	rc.endpointOnce.Do(func() {
		rc.endpointKey = EndpointKey(rc.Method, rc.Path)
	})
	return rc.endpointKey
}
