// Package health provides the gateway's liveness, readiness and detailed
// health endpoints.
//
// Liveness reports only that the process is serving. Readiness stays
// unhealthy until the upstream pools have been warmed and again once the
// gateway starts draining for shutdown. Registered checks run concurrently
// on the readiness and health endpoints.
//
// # Usage
//
//	h := health.NewHandler(logger, health.WithMetrics(metrics))
//	h.AddCheck(health.RedisHealthCheck("redis", client))
//	h.AddCheck(health.NewBreakerHealthCheck("upstreams", manager.States))
//
//	mux := http.NewServeMux()
//	h.Register(mux)
//
//	if err := manager.Warm(ctx); err == nil {
//	    h.MarkReady()
//	}
package health
