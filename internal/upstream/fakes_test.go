package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/audit"
	"github.com/vyrodovalexey/mcpgw/internal/transport"
)

type exchangeFunc func(ctx context.Context, req *transport.Request) (*transport.RawResponse, error)

type fakeTransport struct {
	exchange exchangeFunc
	calls    *atomic.Int32
	closed   atomic.Bool
}

func (f *fakeTransport) Exchange(ctx context.Context, req *transport.Request) (*transport.RawResponse, error) {
	f.calls.Add(1)
	return f.exchange(ctx, req)
}

func (f *fakeTransport) Ping(context.Context) error { return nil }

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeDialer serves each target with a scripted exchange function.
type fakeDialer struct {
	mu       sync.Mutex
	handlers map[string]exchangeFunc
	dials    map[string]int
	calls    map[string]*atomic.Int32
	conns    []*fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		handlers: make(map[string]exchangeFunc),
		dials:    make(map[string]int),
		calls:    make(map[string]*atomic.Int32),
	}
}

func (d *fakeDialer) handle(targetID string, fn exchangeFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[targetID] = fn
}

func (d *fakeDialer) Dial(_ context.Context, target transport.Target) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials[target.ID]++
	if d.calls[target.ID] == nil {
		d.calls[target.ID] = new(atomic.Int32)
	}
	tr := &fakeTransport{
		calls: d.calls[target.ID],
		exchange: func(ctx context.Context, req *transport.Request) (*transport.RawResponse, error) {
			d.mu.Lock()
			current := d.handlers[target.ID]
			d.mu.Unlock()
			if current == nil {
				return nil, errors.New("no handler for " + target.ID)
			}
			return current(ctx, req)
		},
	}
	d.conns = append(d.conns, tr)
	return tr, nil
}

func (d *fakeDialer) dialCount(targetID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[targetID]
}

func (d *fakeDialer) exchangeCount(targetID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c := d.calls[targetID]; c != nil {
		return int(c.Load())
	}
	return 0
}

func okReply(_ context.Context, _ *transport.Request) (*transport.RawResponse, error) {
	return &transport.RawResponse{
		Status:  http.StatusOK,
		Kind:    transport.ResponseBuffered,
		Headers: http.Header{"Content-Type": []string{"application/json"}},
		Body:    []byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`),
	}, nil
}

func failReply(_ context.Context, _ *transport.Request) (*transport.RawResponse, error) {
	return nil, errors.New("connection reset by peer")
}

func statusReply(status int) exchangeFunc {
	return func(context.Context, *transport.Request) (*transport.RawResponse, error) {
		return &transport.RawResponse{
			Status: status,
			Kind:   transport.ResponseBuffered,
			Body:   []byte("upstream overloaded"),
		}, nil
	}
}

func blockingReply(ctx context.Context, _ *transport.Request) (*transport.RawResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeStream struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
}

func (s *fakeStream) Next(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, transport.ErrClosed
	}
	if len(s.messages) == 0 {
		return nil, io.EOF
	}
	msg := s.messages[0]
	s.messages = s.messages[1:]
	return msg, nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func streamReply(messages ...string) exchangeFunc {
	return func(context.Context, *transport.Request) (*transport.RawResponse, error) {
		s := &fakeStream{}
		for _, m := range messages {
			s.messages = append(s.messages, []byte(m))
		}
		return &transport.RawResponse{
			Status: http.StatusOK,
			Kind:   transport.ResponseStream,
			Stream: s,
		}, nil
	}
}

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) Log(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) ofType(t audit.EventType) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
