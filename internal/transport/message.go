package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// JSONRPCVersion is the only protocol version accepted on the wire.
const JSONRPCVersion = "2.0"

// ErrInvalidMessage is returned for payloads that are not JSON-RPC 2.0.
var ErrInvalidMessage = errors.New("invalid JSON-RPC message")

// Message is a JSON-RPC 2.0 request, notification or response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

func hasID(id json.RawMessage) bool {
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// IsRequest reports whether m is a request that expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && hasID(m.ID)
}

// IsNotification reports whether m is a request without an ID.
func (m *Message) IsNotification() bool {
	return m.Method != "" && !hasID(m.ID)
}

// IsResponse reports whether m is a result or error response.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// SameID reports whether m and other carry the same ID.
func (m *Message) SameID(other *Message) bool {
	return hasID(m.ID) && bytes.Equal(bytes.TrimSpace(m.ID), bytes.TrimSpace(other.ID))
}

// NewRequest builds a request with a string ID.
func NewRequest(id, method string, params any) (*Message, error) {
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	m := &Message{JSONRPC: JSONRPCVersion, ID: rawID, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		m.Params = raw
	}
	return m, nil
}

// NewErrorResponse builds an error response for the request id.
func NewErrorResponse(id json.RawMessage, code int, message string) *Message {
	if !hasID(id) {
		id = json.RawMessage("null")
	}
	return &Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}
