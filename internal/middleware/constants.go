package middleware

// HTTP header constants.
const (
	// HeaderContentType is the Content-Type header name.
	HeaderContentType = "Content-Type"

	// HeaderXRequestID is the X-Request-ID header name.
	HeaderXRequestID = "X-Request-ID"

	// HeaderXForwardedFor is the X-Forwarded-For header name.
	HeaderXForwardedFor = "X-Forwarded-For"
)

// ContentTypeJSON is the JSON content type.
const ContentTypeJSON = "application/json"

// Error response bodies. Each is a JSON-RPC error without an id, since the
// request was not parsed.
const (
	// ErrInternalServerError is written when a handler panics.
	ErrInternalServerError = `{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal server error"}}`

	// ErrRequestEntityTooLarge is written when the body exceeds the limit.
	ErrRequestEntityTooLarge = `{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"request entity too large"}}`
)
