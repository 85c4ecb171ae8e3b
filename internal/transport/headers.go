package transport

import (
	"net/http"
	"strings"
)

// DefaultForwardHeaders are the client headers copied to upstreams when no
// allow-list is configured.
var DefaultForwardHeaders = []string{
	"Accept-Language",
	"User-Agent",
	"X-Request-Id",
	"Traceparent",
	"Tracestate",
}

// neverForward holds credential-bearing and hop-by-hop headers. They are
// dropped even when listed in an allow-list.
var neverForward = map[string]struct{}{
	"Authorization":       {},
	"Proxy-Authorization": {},
	"Cookie":              {},
	"Connection":          {},
	"Keep-Alive":          {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
	"Content-Length":      {},
	HeaderSessionID:       {},
	HeaderProtocolVersion: {},
}

// HeaderPolicy selects which client headers reach an upstream.
type HeaderPolicy struct {
	allow map[string]struct{}
}

// NewHeaderPolicy creates a policy allowing names. An empty list means
// DefaultForwardHeaders.
func NewHeaderPolicy(names ...string) *HeaderPolicy {
	if len(names) == 0 {
		names = DefaultForwardHeaders
	}
	p := &HeaderPolicy{allow: make(map[string]struct{}, len(names))}
	for _, name := range names {
		canonical := http.CanonicalHeaderKey(strings.TrimSpace(name))
		if _, blocked := neverForward[canonical]; blocked || canonical == "" {
			continue
		}
		p.allow[canonical] = struct{}{}
	}
	return p
}

// Filter returns a copy of src holding only allowed headers.
func (p *HeaderPolicy) Filter(src http.Header) http.Header {
	out := make(http.Header, len(p.allow))
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if _, ok := p.allow[canonical]; !ok {
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}
	return out
}

// Allowed reports whether name would be forwarded.
func (p *HeaderPolicy) Allowed(name string) bool {
	_, ok := p.allow[http.CanonicalHeaderKey(name)]
	return ok
}

// applyOutbound copies request headers onto h, dropping anything that may
// carry credentials, then sets target and session headers.
func applyOutbound(h http.Header, target Target, req *Request) {
	for name, values := range req.Headers {
		canonical := http.CanonicalHeaderKey(name)
		if _, blocked := neverForward[canonical]; blocked {
			continue
		}
		for _, v := range values {
			h.Add(canonical, v)
		}
	}
	for name, value := range target.Headers {
		h.Set(name, value)
	}
	if req.SessionID != "" {
		h.Set(HeaderSessionID, req.SessionID)
	}
	if req.ProtocolVersion != "" {
		h.Set(HeaderProtocolVersion, req.ProtocolVersion)
	}
}
