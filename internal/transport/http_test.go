package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	header http.Header
	body   string
}

type upstreamRecorder struct {
	mu       sync.Mutex
	requests []capturedRequest
}

func (u *upstreamRecorder) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.requests = append(u.requests, capturedRequest{header: r.Header.Clone(), body: string(body)})
	u.mu.Unlock()
}

func (u *upstreamRecorder) last() capturedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.requests[len(u.requests)-1]
}

func newHTTPTestTransport(t *testing.T, handler http.HandlerFunc, streamOnly bool) (*HTTPTransport, *upstreamRecorder) {
	t.Helper()

	rec := &upstreamRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	target := Target{ID: "t1", Kind: KindHTTP, URL: srv.URL, Headers: map[string]string{"X-Api-Key": "upstream-key"}}
	tr := NewHTTPTransport(target, NewHTTPClient(time.Second), streamOnly, nil, nil)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, rec
}

func TestHTTPTransport_Buffered(t *testing.T) {
	t.Parallel()

	tr, rec := newHTTPTestTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(HeaderSessionID, "upstream-session")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	}, false)

	raw, err := tr.Exchange(context.Background(), &Request{
		Body:            []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`),
		ID:              []byte(`1`),
		ProtocolVersion: "2025-06-18",
		Headers:         http.Header{"Authorization": {"Bearer client-token"}, "User-Agent": {"ua"}},
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, raw.Status)
	assert.Equal(t, ResponseBuffered, raw.Kind)
	assert.Equal(t, "upstream-session", raw.SessionID)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, string(raw.Body))

	got := rec.last()
	assert.Empty(t, got.header.Get("Authorization"))
	assert.Equal(t, "ua", got.header.Get("User-Agent"))
	assert.Equal(t, "upstream-key", got.header.Get("X-Api-Key"))
	assert.Equal(t, "2025-06-18", got.header.Get(HeaderProtocolVersion))
	assert.Equal(t, "application/json, text/event-stream", got.header.Get("Accept"))
	assert.Contains(t, got.body, "tools/list")

	// The session assigned by the upstream is reused.
	_, err = tr.Exchange(context.Background(), &Request{Body: []byte(`{"jsonrpc":"2.0","method":"n"}`)})
	require.NoError(t, err)
	assert.Equal(t, "upstream-session", rec.last().header.Get(HeaderSessionID))
}

func TestHTTPTransport_Stream(t *testing.T) {
	t.Parallel()

	tr, rec := newHTTPTestTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		_, _ = io.WriteString(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
		_, _ = io.WriteString(w, "data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n")
	}, true)

	raw, err := tr.Exchange(context.Background(), &Request{Body: []byte(`{}`), ID: []byte(`1`)})
	require.NoError(t, err)
	require.Equal(t, ResponseStream, raw.Kind)
	defer raw.Stream.Close()

	var got []string
	for {
		data, err := raw.Stream.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(data))
	}
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "notifications/progress")
	assert.Equal(t, ContentTypeEventStream, rec.last().header.Get("Accept"))
}

func TestHTTPTransport_UpstreamStatusMirrored(t *testing.T) {
	t.Parallel()

	tr, _ := newHTTPTestTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}, false)

	raw, err := tr.Exchange(context.Background(), &Request{Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, raw.Status)
	assert.Equal(t, "unavailable\n", string(raw.Body))
}

func TestHTTPTransport_ConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := NewHTTPTransport(Target{ID: "gone", URL: url}, NewHTTPClient(100*time.Millisecond), false, nil, nil)
	_, err := tr.Exchange(context.Background(), &Request{Body: []byte(`{}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream gone")
}

func TestHTTPTransport_Ping(t *testing.T) {
	t.Parallel()

	tr, _ := newHTTPTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		msg, err := JSONCodec{}.Decode(body)
		if err != nil || msg.Method != "ping" {
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":`+string(msg.ID)+`,"result":{}}`)
	}, false)

	assert.NoError(t, tr.Ping(context.Background()))
}

func TestHTTPTransport_PingFailsOnError(t *testing.T) {
	t.Parallel()

	tr, _ := newHTTPTestTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"down"}}`)
	}, false)

	err := tr.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "500"))
}

func TestIsEventStream(t *testing.T) {
	t.Parallel()

	assert.True(t, isEventStream("text/event-stream"))
	assert.True(t, isEventStream("text/event-stream; charset=utf-8"))
	assert.False(t, isEventStream("application/json"))
	assert.False(t, isEventStream(""))
}
