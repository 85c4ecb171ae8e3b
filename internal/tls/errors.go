package tls

import (
	"errors"
	"fmt"
)

// Sentinel errors for TLS operations.
var (
	// ErrCertificateNotFound indicates that no certificate is loaded.
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrCertificateExpired indicates that the loaded certificate has expired.
	ErrCertificateExpired = errors.New("certificate expired")

	// ErrCAInvalid indicates that a CA bundle contains no usable certificates.
	ErrCAInvalid = errors.New("CA certificate invalid")

	// ErrCipherSuiteInvalid indicates an unknown cipher suite name.
	ErrCipherSuiteInvalid = errors.New("invalid cipher suite")

	// ErrTLSVersionInvalid indicates an unsupported TLS version name.
	ErrTLSVersionInvalid = errors.New("invalid TLS version")

	// ErrProviderClosed indicates that the provider has been closed.
	ErrProviderClosed = errors.New("certificate provider closed")

	// ErrConfigInvalid indicates that the TLS configuration is invalid.
	ErrConfigInvalid = errors.New("invalid TLS configuration")
)

// CertificateError reports a failure to load a certificate file.
type CertificateError struct {
	Path    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *CertificateError) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("certificate error: %s: %v", msg, e.Cause)
	}
	return "certificate error: " + msg
}

// Unwrap returns the underlying cause.
func (e *CertificateError) Unwrap() error {
	return e.Cause
}

// NewCertificateError creates a CertificateError.
func NewCertificateError(path, message string, cause error) *CertificateError {
	return &CertificateError{Path: path, Message: message, Cause: cause}
}
