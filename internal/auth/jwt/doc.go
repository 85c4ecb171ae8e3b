// Package jwt provides a JWKS-backed auth.TokenVerifier.
//
// Signatures are checked against a key set that is either static or
// fetched from a JWKS URL and refreshed in the background by a jwk.Cache.
// Registered claims are validated with the configured clock skew and the
// resulting claims are returned as auth.Claims. Failures are reported as
// *auth.AuthError so the gateway can map them to a response without
// looking at library-specific errors.
package jwt
