package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// ErrDesynchronized is returned by a ConnTransport whose previous reply
// stream was abandoned before its final response arrived.
var ErrDesynchronized = errors.New("transport desynchronized by an unfinished stream")

// ConnTransport implements Transport over a duplex Conn. Messages the
// upstream sends before the reply to a request are surfaced as a stream
// that ends with that reply.
type ConnTransport struct {
	conn   Conn
	codec  Codec
	broken atomic.Bool
}

// NewConnTransport wraps conn.
func NewConnTransport(conn Conn, codec Codec) *ConnTransport {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &ConnTransport{conn: conn, codec: codec}
}

// Exchange implements Transport. Notifications get an empty 202 reply.
func (t *ConnTransport) Exchange(ctx context.Context, req *Request) (*RawResponse, error) {
	if t.broken.Load() {
		return nil, ErrDesynchronized
	}

	if err := t.conn.Send(ctx, req.Body); err != nil {
		t.broken.Store(true)
		return nil, err
	}
	if len(req.ID) == 0 {
		return &RawResponse{Status: http.StatusAccepted, Kind: ResponseBuffered}, nil
	}

	want := &Message{ID: req.ID}
	first, final, err := t.receive(ctx, want)
	if err != nil {
		t.broken.Store(true)
		return nil, err
	}
	if final {
		return &RawResponse{Status: http.StatusOK, Kind: ResponseBuffered, Body: first}, nil
	}

	return &RawResponse{
		Status: http.StatusOK,
		Kind:   ResponseStream,
		Stream: &connStream{t: t, want: want, pending: first},
	}, nil
}

// receive reads one message and reports whether it is the reply to want.
func (t *ConnTransport) receive(ctx context.Context, want *Message) ([]byte, bool, error) {
	data, err := t.conn.Receive(ctx)
	if err != nil {
		return nil, false, err
	}
	msg, err := t.codec.Decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode upstream message: %w", err)
	}
	return data, msg.IsResponse() && msg.SameID(want), nil
}

// Ping implements Transport.
func (t *ConnTransport) Ping(ctx context.Context) error {
	return pingVia(ctx, t, t.codec)
}

// Close implements Transport.
func (t *ConnTransport) Close() error {
	return t.conn.Close()
}

// connStream yields messages up to and including the reply.
type connStream struct {
	t        *ConnTransport
	want     *Message
	pending  []byte
	finished bool
	closed   bool
}

// Next implements Stream.
func (s *connStream) Next(ctx context.Context) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.pending != nil {
		data := s.pending
		s.pending = nil
		return data, nil
	}
	if s.finished {
		return nil, io.EOF
	}

	data, final, err := s.t.receive(ctx, s.want)
	if err != nil {
		s.t.broken.Store(true)
		return nil, err
	}
	s.finished = final
	return data, nil
}

// Close implements Stream. Closing before the reply arrived leaves the
// transport unusable.
func (s *connStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.finished {
		s.t.broken.Store(true)
	}
	return nil
}
