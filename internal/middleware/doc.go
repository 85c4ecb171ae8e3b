// Package middleware provides the HTTP middleware wrapped around the
// gateway listener: request IDs, panic recovery, client address
// extraction, request body limits and access logging.
//
// Middleware are plain func(http.Handler) http.Handler values composed with
// Chain. The outermost middleware is listed first:
//
//	h := middleware.Chain(handler,
//	    middleware.Recovery(logger, metrics),
//	    middleware.RequestID(),
//	    middleware.ClientIP(extractor),
//	    middleware.BodyLimit(maxBytes, logger, metrics),
//	    middleware.Logging(logger),
//	)
package middleware
