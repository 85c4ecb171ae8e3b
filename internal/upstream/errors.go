package upstream

import (
	"errors"
	"fmt"

	"github.com/vyrodovalexey/mcpgw/internal/util"
)

// ErrorKind classifies a dispatch failure.
type ErrorKind string

// Dispatch error kinds.
const (
	KindPoolExhausted ErrorKind = "pool_exhausted"
	KindCircuitOpen   ErrorKind = "circuit_open"
	KindUpstream      ErrorKind = "upstream"
	KindTimeout       ErrorKind = "timeout"
	KindCancelled     ErrorKind = "cancelled"
	KindNoTarget      ErrorKind = "no_target"
	KindInternal      ErrorKind = "internal"
)

// Sentinel errors.
var (
	// ErrUnknownUpstream is returned for an upstream name that is not
	// configured.
	ErrUnknownUpstream = errors.New("unknown upstream")

	// ErrUpstreamStatus is the cause recorded for a 5xx reply.
	ErrUpstreamStatus = errors.New("upstream returned an error status")

	// errDispatchTimeout cancels an exchange that ran past the dispatch
	// timeout.
	errDispatchTimeout = errors.New("dispatch timeout")
)

// DispatchError is returned by Manager.Dispatch.
type DispatchError struct {
	Kind   ErrorKind
	Target string
	Cause  error
}

// Error implements error.
func (e *DispatchError) Error() string {
	msg := "dispatch failed (" + string(e.Kind) + ")"
	if e.Target != "" {
		msg = fmt.Sprintf("dispatch to %s failed (%s)", e.Target, e.Kind)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// ErrorClass implements util.Classified. Every dispatch failure is an
// upstream-side failure except internal errors.
func (e *DispatchError) ErrorClass() util.ErrorClass {
	if e.Kind == KindInternal {
		return util.ClassInternal
	}
	return util.ClassUpstream
}

// Unavailable reports whether the gateway refused to reach the upstream
// at all, as opposed to the upstream failing.
func (e *DispatchError) Unavailable() bool {
	switch e.Kind {
	case KindPoolExhausted, KindCircuitOpen, KindNoTarget:
		return true
	default:
		return false
	}
}

func newDispatchError(kind ErrorKind, target string, cause error) *DispatchError {
	return &DispatchError{Kind: kind, Target: target, Cause: cause}
}

// KindOf returns the kind of a dispatch error, or KindInternal when err is
// not one.
func KindOf(err error) ErrorKind {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
