// Package upstream dispatches MCP messages to upstream servers.
//
// A logical upstream is served by one or more targets. Each target has its
// own connection pool and circuit breaker. Dispatch picks a target by
// round-robin among those whose breaker admits traffic, checks the breaker
// before touching the pool, and fails over to untried targets on upstream
// errors.
//
// # Responses
//
// The transport reports whether a reply is buffered or streamed. A buffered
// reply is decoded and its connection released before Dispatch returns. A
// streamed reply holds its connection until the stream is drained or
// closed, so callers must always Close a Response.
//
// # Failure accounting
//
// Upstream errors, 5xx replies and dispatch timeouts count against the
// target's breaker. A request cancelled by the client releases the breaker
// permit without recording an outcome.
package upstream
