package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// maxBufferedBody bounds a buffered upstream reply.
const maxBufferedBody = 16 << 20

// Content types.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeEventStream = "text/event-stream"
)

// NewHTTPClient returns a client with pooled keep-alive connections. There
// is no client-level timeout; deadlines come from the request context.
func NewHTTPClient(connectTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		// MCP servers do not redirect; following one would replay the body.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// HTTPTransport posts each message to the target URL. The reply is either
// a JSON body or an event stream.
type HTTPTransport struct {
	target     Target
	client     *http.Client
	streamOnly bool
	codec      Codec
	logger     observability.Logger
	sessionID  string
}

// NewHTTPTransport creates an HTTP transport. With streamOnly the upstream
// is asked for event-stream replies only.
func NewHTTPTransport(
	target Target,
	client *http.Client,
	streamOnly bool,
	codec Codec,
	logger observability.Logger,
) *HTTPTransport {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if codec == nil {
		codec = JSONCodec{}
	}
	return &HTTPTransport{
		target:     target,
		client:     client,
		streamOnly: streamOnly,
		codec:      codec,
		logger:     logger,
	}
}

// Exchange implements Transport.
func (t *HTTPTransport) Exchange(ctx context.Context, req *Request) (*RawResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.target.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	applyOutbound(httpReq.Header, t.target, req)
	httpReq.Header.Set("Content-Type", ContentTypeJSON)
	if t.streamOnly {
		httpReq.Header.Set("Accept", ContentTypeEventStream)
	} else {
		httpReq.Header.Set("Accept", ContentTypeJSON+", "+ContentTypeEventStream)
	}
	if req.SessionID == "" && t.sessionID != "" {
		httpReq.Header.Set(HeaderSessionID, t.sessionID)
	}
	observability.InjectTraceContext(ctx, httpReq.Header)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", t.target.ID, err)
	}

	raw := &RawResponse{
		Status:    resp.StatusCode,
		Headers:   resp.Header.Clone(),
		SessionID: resp.Header.Get(HeaderSessionID),
	}
	if raw.SessionID != "" {
		t.sessionID = raw.SessionID
	}

	if isEventStream(resp.Header.Get("Content-Type")) {
		raw.Kind = ResponseStream
		raw.Stream = newSSEStream(resp.Body)
		return raw, nil
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream %s reply: %w", t.target.ID, err)
	}
	if len(body) > maxBufferedBody {
		return nil, fmt.Errorf("upstream %s reply exceeds %d bytes", t.target.ID, maxBufferedBody)
	}
	raw.Kind = ResponseBuffered
	raw.Body = body
	return raw, nil
}

// Ping sends a JSON-RPC ping and expects a successful reply.
func (t *HTTPTransport) Ping(ctx context.Context) error {
	return pingVia(ctx, t, t.codec)
}

// Close releases idle keep-alive connections to the target.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == ContentTypeEventStream
}

// pingVia exchanges a ping request over t.
func pingVia(ctx context.Context, t Transport, codec Codec) error {
	msg, err := NewRequest("ping-"+uuid.NewString(), "ping", nil)
	if err != nil {
		return err
	}
	body, err := codec.Encode(msg)
	if err != nil {
		return err
	}

	raw, err := t.Exchange(ctx, &Request{Body: body, ID: msg.ID})
	if err != nil {
		return err
	}

	var payload []byte
	if raw.Kind == ResponseStream {
		defer raw.Stream.Close()
		for {
			data, err := raw.Stream.Next(ctx)
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			reply, err := codec.Decode(data)
			if err == nil && reply.SameID(msg) {
				payload = data
				break
			}
		}
	} else {
		payload = raw.Body
	}

	if raw.Status >= http.StatusBadRequest {
		return fmt.Errorf("ping: upstream status %d", raw.Status)
	}
	reply, err := codec.Decode(payload)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if reply.Error != nil {
		return fmt.Errorf("ping: %w", reply.Error)
	}
	return nil
}
