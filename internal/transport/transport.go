package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/config"
	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// MCP session headers.
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "MCP-Protocol-Version"
)

// Kind identifies a transport implementation.
type Kind string

// Transport kinds.
const (
	KindHTTP      Kind = config.TransportHTTP
	KindSSE       Kind = config.TransportSSE
	KindStdio     Kind = config.TransportStdio
	KindWebSocket Kind = config.TransportWebSocket
)

// ResponseKind is the declared shape of an upstream reply.
type ResponseKind int

// Response kinds.
const (
	ResponseBuffered ResponseKind = iota
	ResponseStream
)

// String returns the string representation of the kind.
func (k ResponseKind) String() string {
	if k == ResponseStream {
		return "stream"
	}
	return "buffered"
}

// Sentinel errors.
var (
	ErrClosed          = errors.New("transport closed")
	ErrUnsupportedKind = errors.New("unsupported transport kind")
)

// Target is one upstream MCP server.
type Target struct {
	ID      string
	Kind    Kind
	URL     string
	Command string
	Args    []string
	Env     map[string]string
	Headers map[string]string
}

// TargetFromConfig converts a target configuration.
func TargetFromConfig(c config.TargetConfig) Target {
	return Target{
		ID:      c.ID,
		Kind:    Kind(c.Transport),
		URL:     c.URL,
		Command: c.Command,
		Args:    append([]string(nil), c.Args...),
		Env:     c.Env,
		Headers: c.Headers,
	}
}

// Request is one message bound for an upstream.
type Request struct {
	// Body is the encoded JSON-RPC message.
	Body []byte

	// ID is the JSON-RPC id of the message, empty for notifications.
	ID []byte

	SessionID       string
	ProtocolVersion string

	// Headers are extra outbound headers. They must already be filtered
	// through a HeaderPolicy.
	Headers http.Header
}

// RawResponse is the upstream reply before decoding. Exactly one of Body
// and Stream is set, according to Kind.
type RawResponse struct {
	Status    int
	Kind      ResponseKind
	Headers   http.Header
	SessionID string
	Body      []byte
	Stream    Stream
}

// Stream yields the messages of a streamed reply. Next returns io.EOF once
// the stream is exhausted. A stream cannot be restarted.
type Stream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Transport is an open connection to one upstream. A Transport is used by
// one caller at a time.
type Transport interface {
	// Exchange sends one message and returns its reply.
	Exchange(ctx context.Context, req *Request) (*RawResponse, error)

	// Ping checks that the upstream still answers.
	Ping(ctx context.Context) error

	Close() error
}

// Conn is a message-oriented duplex connection.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens transports to targets.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Transport, error)
}

// DialerOption configures a DefaultDialer.
type DialerOption func(*DefaultDialer)

// WithDialerLogger sets the logger passed to every transport.
func WithDialerLogger(logger observability.Logger) DialerOption {
	return func(d *DefaultDialer) {
		d.logger = logger
	}
}

// WithHTTPClient sets the client used by HTTP and SSE transports.
func WithHTTPClient(client *http.Client) DialerOption {
	return func(d *DefaultDialer) {
		d.client = client
	}
}

// WithCodec sets the codec used to frame pings and match replies.
func WithCodec(codec Codec) DialerOption {
	return func(d *DefaultDialer) {
		d.codec = codec
	}
}

// DefaultDialer picks the transport implementation by target kind.
type DefaultDialer struct {
	logger         observability.Logger
	client         *http.Client
	codec          Codec
	connectTimeout time.Duration
}

// NewDialer creates a dialer.
func NewDialer(connectTimeout time.Duration, opts ...DialerOption) *DefaultDialer {
	d := &DefaultDialer{
		logger:         observability.NopLogger(),
		codec:          JSONCodec{},
		connectTimeout: connectTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = NewHTTPClient(connectTimeout)
	}
	return d
}

// Dial implements Dialer.
func (d *DefaultDialer) Dial(ctx context.Context, target Target) (Transport, error) {
	logger := d.logger.With(
		observability.String("target", target.ID),
		observability.String("transport", string(target.Kind)),
	)

	switch target.Kind {
	case KindHTTP, "":
		return NewHTTPTransport(target, d.client, false, d.codec, logger), nil
	case KindSSE:
		return NewHTTPTransport(target, d.client, true, d.codec, logger), nil
	case KindStdio:
		conn, err := StartStdio(ctx, target, logger)
		if err != nil {
			return nil, err
		}
		return NewConnTransport(conn, d.codec), nil
	case KindWebSocket:
		conn, err := DialWebSocket(ctx, target, d.connectTimeout, logger)
		if err != nil {
			return nil, err
		}
		return NewConnTransport(conn, d.codec), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, target.Kind)
	}
}
