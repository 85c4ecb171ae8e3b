package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// maxSSELine bounds a single SSE line.
const maxSSELine = 4 << 20

// Event is one server-sent event.
type Event struct {
	ID    string
	Event string
	Data  []byte
}

// SSEReader parses an event stream.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader creates a reader over r.
func NewSSEReader(r io.Reader) *SSEReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &SSEReader{scanner: s}
}

// Next returns the next event with a non-empty data field. It returns
// io.EOF at the end of the stream.
func (r *SSEReader) Next() (Event, error) {
	var (
		ev      Event
		data    [][]byte
		hasData bool
	)

	for r.scanner.Scan() {
		line := r.scanner.Bytes()

		if len(line) == 0 {
			if hasData {
				ev.Data = bytes.Join(data, []byte("\n"))
				return ev, nil
			}
			ev = Event{}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))

		switch string(field) {
		case "data":
			data = append(data, append([]byte(nil), value...))
			hasData = true
		case "event":
			ev.Event = string(value)
		case "id":
			ev.ID = string(value)
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("read event stream: %w", err)
	}
	// A final event without a trailing blank line is still dispatched.
	if hasData {
		ev.Data = bytes.Join(data, []byte("\n"))
		return ev, nil
	}
	return Event{}, io.EOF
}

// WriteEvent writes data as one SSE message event.
func WriteEvent(w io.Writer, id string, data []byte) error {
	var buf bytes.Buffer
	if id != "" {
		buf.WriteString("id: ")
		buf.WriteString(id)
		buf.WriteByte('\n')
	}
	buf.WriteString("event: message\n")
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// sseStream adapts an HTTP event-stream body to Stream.
type sseStream struct {
	body   io.ReadCloser
	reader *SSEReader

	closeOnce sync.Once
	closeErr  error
}

func newSSEStream(body io.ReadCloser) *sseStream {
	return &sseStream{body: body, reader: NewSSEReader(body)}
}

// Next implements Stream. Only unnamed and "message" events carry
// JSON-RPC payloads; other event types are skipped.
func (s *sseStream) Next(ctx context.Context) ([]byte, error) {
	type result struct {
		ev  Event
		err error
	}

	for {
		done := make(chan result, 1)
		go func() {
			ev, err := s.reader.Next()
			done <- result{ev, err}
		}()

		var res result
		select {
		case <-ctx.Done():
			// Closing the body unblocks the pending read.
			_ = s.Close()
			<-done
			return nil, ctx.Err()
		case res = <-done:
		}

		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				return nil, io.EOF
			}
			return nil, res.err
		}
		if res.ev.Event != "" && res.ev.Event != "message" {
			continue
		}
		return res.ev.Data, nil
	}
}

// Close implements Stream.
func (s *sseStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
