// Package ratelimit provides multi-tier request rate limiting for the MCP
// gateway.
//
// Each request is checked against up to four tiers, in a configurable
// order that defaults to global, session, identity, endpoint:
//
//   - global: one key shared by every request
//   - session: the MCP session identifier
//   - identity: the authenticated subject, or the client address
//   - endpoint: the normalized method and path
//
// Every tier runs the generic cell rate algorithm (GCRA) with its own
// sustained rate and burst. The first exhausted tier rejects the request
// with an *ExceededError carrying the tier and the time to wait.
//
// State lives in a store.Store: in process memory, or in Redis when
// limits must be shared between replicas.
//
// # Usage
//
//	limiter, err := ratelimit.New(ratelimit.Config{
//	    Tiers: map[ratelimit.Tier]ratelimit.TierConfig{
//	        ratelimit.TierIdentity: {RequestsPerMinute: 600, BurstSize: 20, Enabled: true},
//	    },
//	}, store.NewMemoryStore())
//
//	if err := limiter.Check(ctx, rc); err != nil {
//	    var exceeded *ratelimit.ExceededError
//	    if errors.As(err, &exceeded) {
//	        w.Header().Set("Retry-After", exceeded.RetryAfterHeader())
//	    }
//	}
package ratelimit
