package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/mcpgw/internal/audit"
	"github.com/vyrodovalexey/mcpgw/internal/auth"
	"github.com/vyrodovalexey/mcpgw/internal/policy"
	"github.com/vyrodovalexey/mcpgw/internal/ratelimit"
	"github.com/vyrodovalexey/mcpgw/internal/ratelimit/store"
	"github.com/vyrodovalexey/mcpgw/internal/reqctx"
	"github.com/vyrodovalexey/mcpgw/internal/session"
	"github.com/vyrodovalexey/mcpgw/internal/transport"
	"github.com/vyrodovalexey/mcpgw/internal/upstream"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	goodToken    = "good-token"
	expiredToken = "expired-token"
	forgedToken  = "forged-token"
)

// testVerifier accepts goodToken for subject alice.
func testVerifier(_ context.Context, cred auth.Credential) (*auth.Claims, error) {
	switch cred.Reveal() {
	case goodToken:
		return &auth.Claims{
			Subject:   "alice",
			Scopes:    []string{"tools:read"},
			ExpiresAt: testNow.Add(time.Hour),
		}, nil
	case expiredToken:
		return &auth.Claims{Subject: "alice", ExpiresAt: testNow.Add(-time.Hour)}, nil
	default:
		return nil, auth.NewAuthError(auth.KindInvalidSignature, "signature mismatch")
	}
}

// fakeDispatcher records dispatched requests and answers with reply.
type fakeDispatcher struct {
	mu        sync.Mutex
	upstreams []string
	reply     func(name string, req *transport.Request) (*upstream.Response, error)
	requests  []*transport.Request
	names     []string
}

func (d *fakeDispatcher) Dispatch(_ context.Context, name string, req *transport.Request) (*upstream.Response, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.names = append(d.names, name)
	reply := d.reply
	d.mu.Unlock()

	if reply == nil {
		return &upstream.Response{
			Target: name + "-a",
			Status: http.StatusOK,
			Body:   []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`),
		}, nil
	}
	return reply(name, req)
}

func (d *fakeDispatcher) Has(name string) bool {
	for _, u := range d.upstreams {
		if u == name {
			return true
		}
	}
	return false
}

func (d *fakeDispatcher) DefaultUpstream() string {
	if len(d.upstreams) == 0 {
		return ""
	}
	return d.upstreams[0]
}

func (d *fakeDispatcher) calls() []*transport.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*transport.Request(nil), d.requests...)
}

// sliceStream yields fixed messages.
type sliceStream struct {
	mu     sync.Mutex
	msgs   [][]byte
	closed bool
}

func (s *sliceStream) Next(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, transport.ErrClosed
	}
	if len(s.msgs) == 0 {
		return nil, io.EOF
	}
	msg := s.msgs[0]
	s.msgs = s.msgs[1:]
	return msg, nil
}

func (s *sliceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *sliceStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// evaluatorFunc adapts a function to Evaluator.
type evaluatorFunc func(ctx context.Context, rc *reqctx.RequestContext) policy.Decision

func (f evaluatorFunc) Evaluate(ctx context.Context, rc *reqctx.RequestContext) policy.Decision {
	return f(ctx, rc)
}

type harnessOptions struct {
	authEnabled bool
	tiers       map[ratelimit.Tier]ratelimit.TierConfig
	rules       []policy.Rule
	evaluator   Evaluator
	upstreams   []string
}

type harness struct {
	pipeline   *Pipeline
	handler    *Handler
	gateway    *auth.Gateway
	dispatcher *fakeDispatcher
	sessions   *session.CacheStore
	auditLog   *audit.AsyncLogger
	auditSink  *audit.MemorySink
}

// requestEvents drains the audit log and returns the request events.
// Nothing can be logged afterwards.
func (h *harness) requestEvents(t *testing.T) []audit.Event {
	t.Helper()
	require.NoError(t, h.auditLog.Close())
	return h.auditSink.OfType(audit.EventRequest)
}

func newHarness(t *testing.T, o harnessOptions) *harness {
	t.Helper()

	clock := func() time.Time { return testNow }

	sink := audit.NewMemorySink()
	auditLog, err := audit.NewAsyncLogger(audit.DefaultConfig(), sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	gw := auth.NewGateway(auth.Config{Enabled: o.authEnabled, CacheTTLCeiling: time.Minute},
		auth.TokenVerifierFunc(testVerifier), auth.WithClock(clock), auth.WithAuditLogger(auditLog))

	limiter, err := ratelimit.New(ratelimit.Config{Tiers: o.tiers}, store.NewMemoryStore(),
		ratelimit.WithClock(clock), ratelimit.WithAuditLogger(auditLog))
	require.NoError(t, err)

	evaluator := o.evaluator
	if evaluator == nil {
		engine, err := policy.NewEngine(policy.Config{}, o.rules, policy.WithAuditLogger(auditLog))
		require.NoError(t, err)
		evaluator = engine
	}

	upstreams := o.upstreams
	if len(upstreams) == 0 {
		upstreams = []string{"tools"}
	}
	d := &fakeDispatcher{upstreams: upstreams}

	sessions, err := session.NewMemoryStore(time.Hour, 100)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })

	p, err := New(Config{EvaluationTimeout: 50 * time.Millisecond}, gw, limiter, evaluator, d,
		WithSessionStore(sessions),
		WithAuditLogger(auditLog),
		WithMetrics(NewMetrics("test", prometheus.NewRegistry())),
		WithClock(clock),
	)
	require.NoError(t, err)

	return &harness{
		pipeline:   p,
		handler:    NewHandler(p, "/mcp"),
		gateway:    gw,
		dispatcher: d,
		sessions:   sessions,
		auditLog:   auditLog,
		auditSink:  sink,
	}
}

const toolsCall = `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo"}}`

func newRPCRequest(method, path, body, token string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:4000"
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

var errBoom = errors.New("boom")
