// Package session persists per-session MCP state: the negotiated protocol
// version, client capabilities and the response mode of the last reply.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

// ErrInvalidID is returned for an empty session ID.
var ErrInvalidID = errors.New("invalid session id")

// Response modes recorded for a session.
const (
	ResponseModeBuffered = "buffered"
	ResponseModeStream   = "stream"
)

// Session is the state the gateway keeps for one Mcp-Session-Id.
type Session struct {
	ID              string          `json:"id"`
	ProtocolVersion string          `json:"protocol_version,omitempty"`
	ResponseMode    string          `json:"response_mode,omitempty"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	LastSeenAt      time.Time       `json:"last_seen_at"`
}

// Store reads and writes sessions.
type Store interface {
	// Get returns the session or ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// Update creates or replaces the session and refreshes its TTL.
	Update(ctx context.Context, s *Session) error

	// Delete removes the session. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}
