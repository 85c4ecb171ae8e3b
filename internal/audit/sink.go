package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Sink persists audit events. Write is only ever called from the logger's
// writer goroutine.
type Sink interface {
	Write(e Event) error
	Close() error
}

// WriterSink writes one event per line to an io.Writer.
type WriterSink struct {
	w      io.Writer
	closer io.Closer
	format string
}

// NewWriterSink opens output (stdout, stderr or a file path) and returns a
// sink writing the given format.
func NewWriterSink(output, format string) (*WriterSink, error) {
	switch output {
	case "", "stdout":
		return NewWriterSinkFrom(os.Stdout, format), nil
	case "stderr":
		return NewWriterSinkFrom(os.Stderr, format), nil
	default:
		//nolint:gosec // G304: path comes from trusted configuration
		file, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		s := NewWriterSinkFrom(file, format)
		s.closer = file
		return s, nil
	}
}

// NewWriterSinkFrom wraps an existing writer.
func NewWriterSinkFrom(w io.Writer, format string) *WriterSink {
	if format == "" {
		format = FormatJSON
	}
	return &WriterSink{w: w, format: format}
}

// Write implements Sink.
func (s *WriterSink) Write(e Event) error {
	var line []byte
	if s.format == FormatText {
		line = []byte(formatText(e))
	} else {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal audit event: %w", err)
		}
		line = append(b, '\n')
	}
	_, err := s.w.Write(line)
	return err
}

// Close implements Sink.
func (s *WriterSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func formatText(e Event) string {
	var sb strings.Builder

	sb.WriteString(e.Timestamp.Format(time.RFC3339Nano))
	sb.WriteString(" ")
	sb.WriteString(string(e.Type))
	sb.WriteString(" ")
	sb.WriteString(string(e.Outcome))

	if e.SessionID != "" {
		sb.WriteString(" session_id=")
		sb.WriteString(e.SessionID)
	}
	if e.RequestID != "" {
		sb.WriteString(" request_id=")
		sb.WriteString(e.RequestID)
	}
	if e.TraceID != "" {
		sb.WriteString(" trace_id=")
		sb.WriteString(e.TraceID)
	}

	keys := make([]string, 0, len(e.Detail))
	for k := range e.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%q", k, e.Detail[k])
	}

	sb.WriteString("\n")
	return sb.String()
}

// MemorySink keeps events in memory. It is used in tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write implements Sink.
func (s *MemorySink) Write(e Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

// Close implements Sink.
func (s *MemorySink) Close() error { return nil }

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// OfType returns the recorded events of type t.
func (s *MemorySink) OfType(t EventType) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
