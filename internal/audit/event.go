package audit

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of audit event.
type EventType string

// Event types.
const (
	EventAuthentication     EventType = "authentication"
	EventRateLimitExceeded  EventType = "rate_limit_exceeded"
	EventPolicyEnforcement  EventType = "policy_enforcement"
	EventUpstreamDispatch   EventType = "upstream_dispatch"
	EventCircuitStateChange EventType = "circuit_state_change"

	// EventRequest records a request that ended without an event from the
	// stage that stopped it: cancellations, malformed messages, policy
	// timeouts and internal errors.
	EventRequest EventType = "request"
)

// Outcome represents the outcome of an audited action.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeDenied    Outcome = "denied"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeError     Outcome = "error"
)

const redactedValue = "[REDACTED]"

// sensitiveKeys are always redacted from event details, regardless of
// configuration.
var sensitiveKeys = []string{"token", "authorization", "credential", "password", "secret"}

// Event is a single audit record. Events are values: the With methods
// return modified copies and never touch the receiver.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"event_type"`
	Outcome   Outcome           `json:"outcome"`
	Success   bool              `json:"success"`
	SessionID string            `json:"session_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	SpanID    string            `json:"span_id,omitempty"`
}

// NewEvent creates an event stamped with a fresh ID and the current time.
func NewEvent(eventType EventType, outcome Outcome) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Outcome:   outcome,
		Success:   outcome == OutcomeSuccess,
	}
}

// WithSession returns a copy of e bound to a session.
func (e Event) WithSession(sessionID string) Event {
	e.SessionID = sessionID
	return e
}

// WithRequest returns a copy of e bound to a request.
func (e Event) WithRequest(requestID string) Event {
	e.RequestID = requestID
	return e
}

// WithDetail returns a copy of e with key set. Values under sensitive keys
// are replaced before they are stored.
func (e Event) WithDetail(key, value string) Event {
	detail := make(map[string]string, len(e.Detail)+1)
	for k, v := range e.Detail {
		detail[k] = v
	}
	if isSensitive(key, nil) {
		value = redactedValue
	}
	detail[key] = value
	e.Detail = detail
	return e
}

// WithDetails returns a copy of e with every pair in kv set.
func (e Event) WithDetails(kv map[string]string) Event {
	for k, v := range kv {
		e = e.WithDetail(k, v)
	}
	return e
}

// redacted returns e with any detail matching extra or the built-in
// sensitive keys masked. The receiver's map is left untouched.
func (e Event) redacted(extra []string) Event {
	var detail map[string]string
	for k, v := range e.Detail {
		if v == redactedValue || !isSensitive(k, extra) {
			continue
		}
		if detail == nil {
			detail = make(map[string]string, len(e.Detail))
			for k2, v2 := range e.Detail {
				detail[k2] = v2
			}
		}
		detail[k] = redactedValue
	}
	if detail != nil {
		e.Detail = detail
	}
	return e
}

func isSensitive(key string, extra []string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	for _, s := range extra {
		if s != "" && strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}
