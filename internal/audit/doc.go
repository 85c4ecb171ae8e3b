// Package audit records security-relevant decisions made on the request
// path: authentication attempts, rate limit rejections, policy
// enforcement, upstream dispatches and circuit breaker transitions.
//
// Events are immutable values. Callers build them with NewEvent and hand
// them to a Logger, which enqueues them on a bounded buffer and returns
// immediately. A single writer goroutine drains the buffer into a Sink.
//
//	logger, err := audit.NewAsyncLogger(audit.DefaultConfig(), sink)
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.Log(ctx, audit.NewEvent(audit.EventRateLimitExceeded, audit.OutcomeDenied).
//	    WithSession(sessionID).
//	    WithDetail("tier", "endpoint"))
package audit
