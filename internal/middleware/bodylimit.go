package middleware

import (
	"io"
	"net/http"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// BodyLimit returns a middleware that limits the request body size.
// Requests declaring a larger Content-Length are rejected with 413; other
// bodies fail on read once the limit is crossed. A non-positive maxSize
// disables the limit.
func BodyLimit(maxSize int64, logger observability.Logger, metrics *Metrics) func(http.Handler) http.Handler {
	metrics = orDefault(metrics)

	return func(next http.Handler) http.Handler {
		if maxSize <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				logger.WithContext(r.Context()).Warn("request body too large",
					observability.Int64("content_length", r.ContentLength),
					observability.Int64("max_size", maxSize),
					observability.String("path", r.URL.Path),
				)
				metrics.bodyLimitRejected.Inc()

				w.Header().Set(HeaderContentType, ContentTypeJSON)
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				_, _ = io.WriteString(w, ErrRequestEntityTooLarge)
				return
			}

			if r.Body != nil {
				r.Body = &limitedReadCloser{ReadCloser: r.Body, remaining: maxSize}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// limitedReadCloser wraps an io.ReadCloser and limits the number of bytes
// that can be read.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
}

// Read reads up to len(p) bytes into p, respecting the remaining limit.
func (l *limitedReadCloser) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		// Distinguish a body that ends exactly at the limit from one
		// that continues past it.
		var probe [1]byte
		if n, _ := l.ReadCloser.Read(probe[:]); n > 0 {
			return 0, ErrBodyTooLarge
		}
		return 0, io.EOF
	}

	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}

	n, err = l.ReadCloser.Read(p)
	l.remaining -= int64(n)

	return n, err
}

// ErrBodyTooLarge is returned by reads past the body limit.
var ErrBodyTooLarge = &bodySizeExceededError{}

// bodySizeExceededError is returned when the body size limit is exceeded.
type bodySizeExceededError struct{}

func (e *bodySizeExceededError) Error() string {
	return "request body size exceeded"
}
