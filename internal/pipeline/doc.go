// Package pipeline runs the per-request admission and dispatch flow of the
// gateway: Auth, then RateLimit, then Policy, then Dispatch.
//
// Any stage may end the request early. Process returns an Outcome that
// records which stage decided and why; Handler turns outcomes into HTTP
// responses:
//
//   - 401 with WWW-Authenticate for authentication failures
//   - 429 with Retry-After when a rate limit tier is exhausted
//   - the block status (403 by default) or a redirect for policy decisions
//   - 503 when no target can take the request, 504 on dispatch timeouts
//   - the upstream status otherwise
//
// Credentials stop at the auth stage. The upstream request carries only
// headers that pass the forwarding policy, with policy header operations
// applied on top.
package pipeline
