// Package util provides shared error types and validation helpers for the
// MCP gateway.
//
// # Error Conventions
//
//   - Sentinel errors (errors.New) for stable conditions that callers check
//     with errors.Is().
//   - Structured error types for errors that carry extra fields. Each type
//     implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping.
//
// Errors raised on the request path additionally report an ErrorClass so
// the pipeline can decide status codes and log severity without knowing
// each package's concrete types.
package util

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Common sentinel errors.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrConfigInvalid = errors.New("invalid configuration")
	ErrInternal      = errors.New("internal error")
)

// ErrorClass groups request-path errors by who is responsible for them.
type ErrorClass int

const (
	// ClassInternal is a gateway fault. Fatal to the request only.
	ClassInternal ErrorClass = iota

	// ClassAdmission is an expected, client-attributable rejection.
	ClassAdmission

	// ClassUpstream is a failure talking to an upstream target.
	ClassUpstream
)

// String returns the string representation of the class.
func (c ErrorClass) String() string {
	switch c {
	case ClassAdmission:
		return "admission"
	case ClassUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Classified is implemented by errors that know their ErrorClass.
type Classified interface {
	ErrorClass() ErrorClass
}

// ClassOf returns the class of err. Errors that do not implement
// Classified anywhere in their chain are internal.
func ClassOf(err error) ErrorClass {
	var c Classified
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	return ClassInternal
}

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, msg)
	}
	return fmt.Sprintf("config error: %s", msg)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ConfigError or ErrConfigInvalid.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NewConfigErrorWithCause creates a new ConfigError with a cause.
func NewConfigErrorWithCause(field, message string, cause error) *ConfigError {
	return &ConfigError{Field: field, Message: message, Cause: cause}
}

// ValidationError collects per-field validation failures.
type ValidationError struct {
	Fields  map[string]string
	Message string
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message, Fields: make(map[string]string)}
}

// Error implements the error interface. Fields are listed in sorted
// order so messages are stable.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("validation error: %s", e.Message)
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("validation error: %s (%s)", e.Message, strings.Join(parts, "; "))
}

// Is reports whether target is a ValidationError or ErrConfigInvalid.
func (e *ValidationError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ValidationError)
	return ok
}

// AddField adds a field error. The first error recorded for a field wins.
func (e *ValidationError) AddField(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = message
	}
}

// HasErrors reports whether any field errors were recorded.
func (e *ValidationError) HasErrors() bool {
	return len(e.Fields) > 0
}

// OrNil returns e if it has field errors, nil otherwise.
func (e *ValidationError) OrNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}
