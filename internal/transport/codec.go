package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Codec converts messages to and from wire bytes.
type Codec interface {
	Encode(m *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
}

// JSONCodec encodes messages as compact single-line JSON.
type JSONCodec struct{}

// Encode implements Codec.
func (JSONCodec) Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	out := *m
	if out.JSONRPC == "" {
		out.JSONRPC = JSONRPCVersion
	}
	return json.Marshal(&out)
}

// Decode implements Codec. Batches are not supported.
func (JSONCodec) Decode(data []byte) (*Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}
	if data[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrInvalidMessage)
	}

	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if m.JSONRPC != JSONRPCVersion {
		return nil, fmt.Errorf("%w: jsonrpc version %q", ErrInvalidMessage, m.JSONRPC)
	}
	if m.Method == "" && m.Result == nil && m.Error == nil {
		return nil, fmt.Errorf("%w: neither method nor result", ErrInvalidMessage)
	}
	return &m, nil
}

// compactLine returns data as a single line of JSON.
func compactLine(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return buf.Bytes(), nil
}
