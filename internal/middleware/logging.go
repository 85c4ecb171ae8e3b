package middleware

import (
	"net/http"
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
	"github.com/vyrodovalexey/mcpgw/internal/util"
)

// Logging returns a middleware that logs HTTP requests.
func Logging(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := util.NewStatusCapturingResponseWriter(w)

			next.ServeHTTP(rw, r)

			logger.WithContext(r.Context()).Info("http request",
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.Int("status", rw.StatusCode),
				observability.Int64("size", rw.BytesWritten),
				observability.Duration("duration", time.Since(start)),
				observability.String("client_ip", ClientIPFromRequest(r)),
				observability.String("user_agent", r.UserAgent()),
			)
		})
	}
}
