// Package auth authenticates bearer credentials for the MCP gateway.
//
// A Gateway validates a Credential through a pluggable TokenVerifier,
// checks the structural claims (issuer, audience, expiry, not-before) and
// returns an immutable AuthContext. The AuthContext is the only thing that
// travels further down the request pipeline: the raw credential is never
// stored outside the verification call, never logged, and never forwarded
// to an upstream.
//
// # Caching
//
// Successful validations are cached under a blake2b hash of the credential
// for min(token expiry, configured ceiling). Entries can be revoked by
// credential, by subject, or by the MCP session they were used with.
//
// # Attempt limiting
//
// Authentication attempts are throttled per client address with a token
// bucket that is separate from (and narrower than) the request rate
// limiter, so credential stuffing is rejected before any signature check.
//
// # Usage
//
//	verifier, err := jwt.NewVerifier(ctx, jwt.Config{
//	    JWKSURL:   "https://issuer.example.com/.well-known/jwks.json",
//	    Issuer:    "https://issuer.example.com",
//	    Audiences: []string{"mcp-gateway"},
//	})
//	if err != nil {
//	    return err
//	}
//
//	gw := auth.NewGateway(cfg, verifier,
//	    auth.WithLogger(logger),
//	    auth.WithAuditLogger(auditLogger),
//	)
//
//	authCtx, err := gw.Authenticate(ctx, auth.CredentialFromHeader(r.Header), sessionID, info)
package auth
