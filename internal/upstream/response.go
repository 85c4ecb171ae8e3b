package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/vyrodovalexey/mcpgw/internal/transport"
)

// Response is an upstream reply. Exactly one of Body and Stream is set for
// a reply with content. Close must be called once the caller is done.
type Response struct {
	// Target is the ID of the target that answered.
	Target string

	Status    int
	Kind      transport.ResponseKind
	Headers   http.Header
	SessionID string

	// Body is the raw buffered reply. Message is its decoded form, nil for
	// an empty body or a non-2xx status.
	Body    []byte
	Message *transport.Message

	// Stream yields the messages of a streamed reply. It holds the
	// upstream connection until drained or closed.
	Stream transport.Stream
}

// Streaming reports whether the reply is streamed.
func (r *Response) Streaming() bool {
	return r.Kind == transport.ResponseStream && r.Stream != nil
}

// Close releases the stream, if any. It is safe to call more than once.
func (r *Response) Close() error {
	if r == nil || r.Stream == nil {
		return nil
	}
	return r.Stream.Close()
}

// releasingStream returns its connection to the pool once the stream ends.
type releasingStream struct {
	inner   transport.Stream
	release func(healthy bool)

	once     sync.Once
	closeErr error
}

func newReleasingStream(inner transport.Stream, release func(healthy bool)) *releasingStream {
	return &releasingStream{inner: inner, release: release}
}

// Next returns the next message. The connection is released on io.EOF, and
// discarded on any other error.
func (s *releasingStream) Next(ctx context.Context) ([]byte, error) {
	data, err := s.inner.Next(ctx)
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, io.EOF):
		s.finish(true)
		return nil, io.EOF
	default:
		s.finish(false)
		return nil, err
	}
}

// Close ends the stream. Closing before io.EOF discards the connection,
// since the upstream may still be writing to it.
func (s *releasingStream) Close() error {
	s.finish(false)
	return s.closeErr
}

func (s *releasingStream) finish(healthy bool) {
	s.once.Do(func() {
		s.closeErr = s.inner.Close()
		s.release(healthy)
	})
}
