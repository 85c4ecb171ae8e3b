package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/mcpgw/internal/audit"
	"github.com/vyrodovalexey/mcpgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/mcpgw/internal/policy"
	"github.com/vyrodovalexey/mcpgw/internal/ratelimit"
	"github.com/vyrodovalexey/mcpgw/internal/reqctx"
	"github.com/vyrodovalexey/mcpgw/internal/session"
	"github.com/vyrodovalexey/mcpgw/internal/transport"
	"github.com/vyrodovalexey/mcpgw/internal/upstream"
)

func decodeRPCError(t *testing.T, body string) *transport.RPCError {
	t.Helper()
	var msg transport.Message
	require.NoError(t, json.Unmarshal([]byte(body), &msg))
	require.NotNil(t, msg.Error)
	return msg.Error
}

func TestHandler_BufferedSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{authEnabled: true})
	h.dispatcher.reply = func(name string, _ *transport.Request) (*upstream.Response, error) {
		return &upstream.Response{
			Target:    "a",
			Status:    http.StatusOK,
			SessionID: "sess-1",
			Body:      []byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`),
		}, nil
	}

	req := newRPCRequest(http.MethodPost, "/mcp", toolsCall, goodToken)
	req.Header.Set("User-Agent", "client/1.0")
	req.Header.Set("Cookie", "sid=secret")
	req.Header.Set(transport.HeaderProtocolVersion, "2025-06-18")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`, rec.Body.String())
	assert.Equal(t, "sess-1", rec.Header().Get(transport.HeaderSessionID))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	calls := h.dispatcher.calls()
	require.Len(t, calls, 1)
	sent := calls[0]
	assert.Equal(t, []byte(toolsCall), sent.Body)
	assert.Equal(t, "1", string(sent.ID))
	assert.Equal(t, "2025-06-18", sent.ProtocolVersion)
	assert.Equal(t, "client/1.0", sent.Headers.Get("User-Agent"))
	assert.Empty(t, sent.Headers.Get("Authorization"))
	assert.Empty(t, sent.Headers.Get("Cookie"))
	assert.NotContains(t, string(sent.Body), goodToken)

	sess, err := h.sessions.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "2025-06-18", sess.ProtocolVersion)
	assert.Equal(t, session.ResponseModeBuffered, sess.ResponseMode)
}

func TestHandler_InitializeRecordsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	h.dispatcher.reply = func(string, *transport.Request) (*upstream.Response, error) {
		return &upstream.Response{
			Status:    http.StatusOK,
			SessionID: "sess-init",
			Body:      []byte(`{"jsonrpc":"2.0","id":"i","result":{}}`),
		}, nil
	}

	body := `{"jsonrpc":"2.0","id":"i","method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{"roots":{}}}}`
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, newRPCRequest(http.MethodPost, "/mcp", body, ""))
	require.Equal(t, http.StatusOK, rec.Code)

	sess, err := h.sessions.Get(context.Background(), "sess-init")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-26", sess.ProtocolVersion)
	assert.JSONEq(t, `{"roots":{}}`, string(sess.Capabilities))
}

func TestHandler_AuthFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		token      string
		wantReason string
	}{
		{name: "missing credential", token: "", wantReason: "missing credential"},
		{name: "expired token", token: expiredToken, wantReason: "expired"},
		{name: "invalid signature", token: forgedToken, wantReason: "invalid signature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, harnessOptions{authEnabled: true})
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, newRPCRequest(http.MethodPost, "/mcp", toolsCall, tt.token))

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			assert.Equal(t, tt.wantReason, decodeRPCError(t, rec.Body.String()).Message)
			assert.Empty(t, h.dispatcher.calls())
		})
	}
}

func TestHandler_AnonymousWhenAuthDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, newRPCRequest(http.MethodPost, "/mcp", toolsCall, ""))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, h.dispatcher.calls(), 1)
}

func TestHandler_CredentialCheckedWhenAuthDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, newRPCRequest(http.MethodPost, "/mcp", toolsCall, forgedToken))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_RateLimited(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{tiers: map[ratelimit.Tier]ratelimit.TierConfig{
		ratelimit.TierIdentity: {RequestsPerMinute: 60, BurstSize: 1, Enabled: true},
	}})

	first := httptest.NewRecorder()
	h.handler.ServeHTTP(first, newRPCRequest(http.MethodPost, "/mcp", toolsCall, ""))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	h.handler.ServeHTTP(second, newRPCRequest(http.MethodPost, "/mcp", toolsCall, ""))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
	assert.Len(t, h.dispatcher.calls(), 1)
}

func TestHandler_PolicyDecisions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		action       policy.Action
		wantStatus   int
		wantBody     string
		wantLocation string
	}{
		{name: "block", action: policy.Block(http.StatusForbidden, "tool not allowed"), wantStatus: http.StatusForbidden, wantBody: "tool not allowed"},
		{name: "block with override", action: policy.Block(http.StatusTeapot, `{"error":"nope"}`), wantStatus: http.StatusTeapot, wantBody: `{"error":"nope"}`},
		{name: "redirect", action: policy.Redirect("https://example.com/login", 0), wantStatus: http.StatusFound, wantLocation: "https://example.com/login"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, harnessOptions{rules: []policy.Rule{{
				ID:        "r1",
				Priority:  10,
				Enabled:   true,
				Condition: policy.RPCMethods("tools/call"),
				Actions:   []policy.Action{tt.action},
			}}})

			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, newRPCRequest(http.MethodPost, "/mcp", toolsCall, ""))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantBody, rec.Body.String())
			assert.Equal(t, tt.wantLocation, rec.Header().Get("Location"))
			assert.Empty(t, h.dispatcher.calls())
		})
	}
}

func TestHandler_PolicyMutatesUpstreamHeaders(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{rules: []policy.Rule{{
		ID:        "tenant",
		Priority:  1,
		Enabled:   true,
		Condition: policy.Always(),
		Actions: []policy.Action{
			policy.SetHeader("X-Tenant", "acme"),
			policy.RemoveHeader("User-Agent"),
		},
	}}})

	req := newRPCRequest(http.MethodPost, "/mcp", toolsCall, "")
	req.Header.Set("User-Agent", "client/1.0")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	calls := h.dispatcher.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "acme", calls[0].Headers.Get("X-Tenant"))
	assert.Empty(t, calls[0].Headers.Get("User-Agent"))
}

func TestHandler_PolicyTimeoutFailsClosed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{evaluator: evaluatorFunc(
		func(ctx context.Context, _ *reqctx.RequestContext) policy.Decision {
			<-ctx.Done()
			return policy.Decision{Kind: policy.DecisionAllow}
		},
	)})

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, newRPCRequest(http.MethodPost, "/mcp", toolsCall, ""))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, h.dispatcher.calls())
}

func TestHandler_DispatchErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "circuit open", err: &upstream.DispatchError{Kind: upstream.KindCircuitOpen, Target: "a", Cause: circuitbreaker.ErrCircuitOpen}, wantStatus: http.StatusServiceUnavailable},
		{name: "pool exhausted", err: &upstream.DispatchError{Kind: upstream.KindPoolExhausted, Target: "a", Cause: errBoom}, wantStatus: http.StatusServiceUnavailable},
		{name: "no target", err: &upstream.DispatchError{Kind: upstream.KindNoTarget}, wantStatus: http.StatusServiceUnavailable},
		{name: "timeout", err: &upstream.DispatchError{Kind: upstream.KindTimeout, Target: "a", Cause: context.DeadlineExceeded}, wantStatus: http.StatusGatewayTimeout},
		{name: "upstream failure", err: &upstream.DispatchError{Kind: upstream.KindUpstream, Target: "a", Cause: errBoom}, wantStatus: http.StatusBadGateway},
		{name: "internal", err: &upstream.DispatchError{Kind: upstream.KindInternal, Cause: errBoom}, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, harnessOptions{})
			h.dispatcher.reply = func(string, *transport.Request) (*upstream.Response, error) {
				return nil, tt.err
			}

			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, newRPCRequest(http.MethodPost, "/mcp", toolsCall, ""))

			assert.Equal(t, tt.wantStatus, rec.Code)
			rpcErr := decodeRPCError(t, rec.Body.String())
			assert.NotContains(t, rpcErr.Message, "boom")
		})
	}
}

func TestHandler_MirrorsUpstreamStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	h.dispatcher.reply = func(string, *transport.Request) (*upstream.Response, error) {
		return &upstream.Response{
			Status:  http.StatusServiceUnavailable,
			Headers: http.Header{"Content-Type": []string{"text/plain"}},
			Body:    []byte("overloaded"),
		}, nil
	}

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, newRPCRequest(http.MethodPost, "/mcp", toolsCall, ""))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "overloaded", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}

func TestHandler_NotificationAccepted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	h.dispatcher.reply = func(_ string, req *transport.Request) (*upstream.Response, error) {
		assert.Nil(t, req.ID)
		return &upstream.Response{Status: http.StatusAccepted}, nil
	}

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, newRPCRequest(http.MethodPost, "/mcp",
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`, ""))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestHandler_StreamRelayed(t *testing.T) {
	t.Parallel()

	stream := &sliceStream{msgs: [][]byte{
		[]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}`),
		[]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`),
	}}

	h := newHarness(t, harnessOptions{})
	h.dispatcher.reply = func(string, *transport.Request) (*upstream.Response, error) {
		return &upstream.Response{
			Status:    http.StatusOK,
			Kind:      transport.ResponseStream,
			SessionID: "sess-s",
			Stream:    stream,
		}, nil
	}

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, newRPCRequest(http.MethodPost, "/mcp", toolsCall, ""))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "sess-s", rec.Header().Get(transport.HeaderSessionID))
	assert.True(t, rec.Flushed)

	reader := transport.NewSSEReader(strings.NewReader(rec.Body.String()))
	first, err := reader.Next()
	require.NoError(t, err)
	assert.Contains(t, string(first.Data), "notifications/progress")
	second, err := reader.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, string(second.Data))

	assert.True(t, stream.isClosed())

	sess, err := h.sessions.Get(context.Background(), "sess-s")
	require.NoError(t, err)
	assert.Equal(t, session.ResponseModeStream, sess.ResponseMode)
}

// cutStream yields one message and then ends early: the client goes away
// when cancel is set, the upstream fails otherwise.
type cutStream struct {
	sent   bool
	cancel context.CancelFunc
}

func (s *cutStream) Next(ctx context.Context) ([]byte, error) {
	if !s.sent {
		s.sent = true
		return []byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}`), nil
	}
	if s.cancel != nil {
		s.cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, errBoom
}

func (s *cutStream) Close() error { return nil }

func TestHandler_StreamCutShortIsAudited(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		clientCancels bool
		wantOutcome   audit.Outcome
		wantReason    string
	}{
		{name: "client disconnects", clientCancels: true, wantOutcome: audit.OutcomeCancelled, wantReason: ReasonCancelled},
		{name: "upstream fails", wantOutcome: audit.OutcomeFailure, wantReason: ReasonStreamError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			stream := &cutStream{}
			if tt.clientCancels {
				stream.cancel = cancel
			}

			h := newHarness(t, harnessOptions{})
			h.dispatcher.reply = func(string, *transport.Request) (*upstream.Response, error) {
				return &upstream.Response{
					Target: "tools-a",
					Status: http.StatusOK,
					Kind:   transport.ResponseStream,
					Stream: stream,
				}, nil
			}

			req := newRPCRequest(http.MethodPost, "/mcp", toolsCall, "").WithContext(ctx)
			req.Header.Set(transport.HeaderSessionID, "sess-c")
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, req)

			assert.Contains(t, rec.Body.String(), "notifications/progress")

			events := h.requestEvents(t)
			require.Len(t, events, 1)
			e := events[0]
			assert.Equal(t, tt.wantOutcome, e.Outcome)
			assert.Equal(t, "sess-c", e.SessionID)
			assert.Equal(t, string(StageStream), e.Detail["stage"])
			assert.Equal(t, tt.wantReason, e.Detail["reason"])
			assert.Equal(t, "tools-a", e.Detail["target"])
			assert.Equal(t, "1", e.Detail["events"])
		})
	}
}

func TestHandler_StreamCompletedIsNotAudited(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	h.dispatcher.reply = func(string, *transport.Request) (*upstream.Response, error) {
		return &upstream.Response{
			Status: http.StatusOK,
			Kind:   transport.ResponseStream,
			Stream: &sliceStream{msgs: [][]byte{[]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)}},
		}, nil
	}

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, newRPCRequest(http.MethodPost, "/mcp", toolsCall, ""))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, h.requestEvents(t))
}

func TestHandler_InvalidMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, newRPCRequest(http.MethodPost, "/mcp", `{"hello":`, ""))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, transport.CodeParseError, decodeRPCError(t, rec.Body.String()).Code)
	assert.Empty(t, h.dispatcher.calls())
}

func TestHandler_Routing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantName   string
	}{
		{name: "base path uses default upstream", path: "/mcp", wantStatus: http.StatusOK, wantName: "tools"},
		{name: "named upstream", path: "/mcp/search", wantStatus: http.StatusOK, wantName: "search"},
		{name: "unknown upstream", path: "/mcp/nope", wantStatus: http.StatusNotFound},
		{name: "nested path", path: "/mcp/search/extra", wantStatus: http.StatusNotFound},
		{name: "outside base path", path: "/other", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, harnessOptions{upstreams: []string{"tools", "search"}})
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, newRPCRequest(http.MethodPost, tt.path, toolsCall, ""))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantName != "" {
				require.Len(t, h.dispatcher.names, 1)
				assert.Equal(t, tt.wantName, h.dispatcher.names[0])
			}
		})
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	for _, path := range []string{"/mcp", "/mcp/tools"} {
		for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodPatch} {
			t.Run(method+" "+path, func(t *testing.T) {
				t.Parallel()

				h := newHarness(t, harnessOptions{})
				rec := httptest.NewRecorder()
				h.handler.ServeHTTP(rec, newRPCRequest(method, path, "", ""))

				assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
				assert.Equal(t, "POST, DELETE", rec.Header().Get("Allow"))
				assert.Equal(t, transport.CodeInvalidRequest, decodeRPCError(t, rec.Body.String()).Code)
				assert.Empty(t, h.dispatcher.calls())
			})
		}
	}
}

func TestHandler_RootMount(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{upstreams: []string{"tools", "search"}})
	handler := NewHandler(h.pipeline, "/")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRPCRequest(http.MethodPost, "/", toolsCall, ""))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, newRPCRequest(http.MethodPost, "/search", toolsCall, ""))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"tools", "search"}, h.dispatcher.names)
}

func TestHandler_DeleteEndsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{authEnabled: true})
	ctx := context.Background()

	// Bind a cached validation to the session.
	call := newRPCRequest(http.MethodPost, "/mcp", toolsCall, goodToken)
	call.Header.Set(transport.HeaderSessionID, "sess-del")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, call)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, h.gateway.Cache().Len())

	_, err := h.sessions.Get(ctx, "sess-del")
	require.NoError(t, err)

	del := newRPCRequest(http.MethodDelete, "/mcp", "", goodToken)
	del.Header.Set(transport.HeaderSessionID, "sess-del")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, del)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, err = h.sessions.Get(ctx, "sess-del")
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Zero(t, h.gateway.Cache().Len())
}

func TestHandler_DeleteRequiresSessionAndAuth(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{authEnabled: true})

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, newRPCRequest(http.MethodDelete, "/mcp", "", goodToken))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	del := newRPCRequest(http.MethodDelete, "/mcp", "", "")
	del.Header.Set(transport.HeaderSessionID, "sess-x")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, del)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_ClientCancelWritesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	h.dispatcher.reply = func(string, *transport.Request) (*upstream.Response, error) {
		return nil, &upstream.DispatchError{Kind: upstream.KindCancelled, Target: "a", Cause: context.Canceled}
	}

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, newRPCRequest(http.MethodPost, "/mcp", toolsCall, ""))

	assert.Empty(t, rec.Body.String())
}

func TestRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1", retryAfterSeconds(0))
	assert.Equal(t, "1", retryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, "2", retryAfterSeconds(1500*time.Millisecond))
}
