package pipeline

import (
	"net/http"
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/policy"
	"github.com/vyrodovalexey/mcpgw/internal/upstream"
)

// Stage names one step of the pipeline.
type Stage string

// Pipeline stages.
const (
	StageAuth      Stage = "auth"
	StageRateLimit Stage = "ratelimit"
	StageDecode    Stage = "decode"
	StagePolicy    Stage = "policy"
	StageDispatch  Stage = "dispatch"
	StageStream    Stage = "stream"
)

// StatusClientClosedRequest is recorded when the client went away before a
// response could be written.
const StatusClientClosedRequest = 499

// Outcome is the result of processing one request.
type Outcome struct {
	// Stage is the stage that ended the request. It is StageDispatch for
	// requests that reached an upstream.
	Stage Stage

	// Status is the HTTP status to reply with.
	Status int

	// Err is the error that ended the request, if any.
	Err error

	// Reason is a short machine-readable rejection reason.
	Reason string

	// RetryAfter is set for rate limited requests.
	RetryAfter time.Duration

	// Decision is the policy decision, set once the policy stage ran.
	Decision *policy.Decision

	// Response is the upstream reply. Its Close must be called.
	Response *upstream.Response

	// Upstream is the logical upstream the request was routed to.
	Upstream string

	// MessageID is the JSON-RPC id of the request, if decoded.
	MessageID []byte
}

// Rejected reports whether the request ended before reaching an upstream.
func (o *Outcome) Rejected() bool {
	return o.Response == nil
}

// Cancelled reports whether the client went away.
func (o *Outcome) Cancelled() bool {
	return o.Status == StatusClientClosedRequest
}

// Success reports whether the upstream answered with a non-error status.
func (o *Outcome) Success() bool {
	return o.Response != nil && o.Status < http.StatusBadRequest
}

// stageAudited reports whether the stage that ended the request already
// wrote an audit event for it.
func (o *Outcome) stageAudited() bool {
	switch o.Stage {
	case StageAuth:
		return o.Reason != ReasonInternal
	case StageRateLimit:
		return o.Reason == ReasonRateLimited
	case StagePolicy:
		return o.Reason == ReasonPolicyBlock || o.Reason == ReasonPolicyRedirect
	case StageDispatch:
		return true
	default:
		return false
	}
}
