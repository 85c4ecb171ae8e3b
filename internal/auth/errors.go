package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/util"
)

// Sentinel errors for authentication operations.
var (
	// ErrMissingCredential indicates that no bearer token was supplied.
	ErrMissingCredential = errors.New("missing credential")

	// ErrExpired indicates that the token has expired.
	ErrExpired = errors.New("token expired")

	// ErrInvalidSignature indicates that the token signature did not verify.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidClaims indicates that a structural claim (issuer, audience,
	// not-before) was rejected.
	ErrInvalidClaims = errors.New("invalid claims")

	// ErrRevoked indicates that the token's subject has been revoked.
	ErrRevoked = errors.New("subject revoked")

	// ErrRateLimited indicates that too many attempts came from one client.
	ErrRateLimited = errors.New("authentication rate limited")

	// ErrVerifierUnavailable indicates that the verifier could not run, for
	// example because the key set could not be fetched in time.
	ErrVerifierUnavailable = errors.New("verifier unavailable")
)

// ErrorKind classifies an authentication failure.
type ErrorKind string

// Error kinds.
const (
	KindMissingCredential   ErrorKind = "missing_credential"
	KindExpired             ErrorKind = "expired"
	KindInvalidSignature    ErrorKind = "invalid_signature"
	KindInvalidClaims       ErrorKind = "invalid_claims"
	KindRevoked             ErrorKind = "revoked"
	KindRateLimited         ErrorKind = "rate_limited"
	KindVerifierUnavailable ErrorKind = "verifier_unavailable"
)

var kindSentinels = map[ErrorKind]error{
	KindMissingCredential:   ErrMissingCredential,
	KindExpired:             ErrExpired,
	KindInvalidSignature:    ErrInvalidSignature,
	KindInvalidClaims:       ErrInvalidClaims,
	KindRevoked:             ErrRevoked,
	KindRateLimited:         ErrRateLimited,
	KindVerifierUnavailable: ErrVerifierUnavailable,
}

// AuthError represents an authentication error with additional context.
// Messages never include credential bytes.
type AuthError struct {
	Kind    ErrorKind
	Message string
	Cause   error

	// RetryAfter is set for KindRateLimited.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("auth error (%s): %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("auth error (%s): %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *AuthError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for the error's kind.
func (e *AuthError) Is(target error) bool {
	if sentinel, ok := kindSentinels[e.Kind]; ok && sentinel == target {
		return true
	}
	_, ok := target.(*AuthError)
	return ok
}

// ErrorClass implements util.Classified. A verifier outage is the
// gateway's problem, every other kind is the client's.
func (e *AuthError) ErrorClass() util.ErrorClass {
	if e.Kind == KindVerifierUnavailable {
		return util.ClassInternal
	}
	return util.ClassAdmission
}

// NewAuthError creates a new AuthError.
func NewAuthError(kind ErrorKind, message string) *AuthError {
	return &AuthError{
		Kind:    kind,
		Message: message,
	}
}

// NewAuthErrorWithCause creates a new AuthError with a cause.
func NewAuthErrorWithCause(kind ErrorKind, message string, cause error) *AuthError {
	return &AuthError{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// KindOf returns the kind of an authentication error, or "" if err is not
// one.
func KindOf(err error) ErrorKind {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return ""
}

// IsAuthError checks if an error is an authentication error.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
