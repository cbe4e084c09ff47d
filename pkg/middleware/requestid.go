package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/seral-labs/harbinger/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// RequestID returns middleware that assigns every request an id, honoring an
// inbound X-Request-ID header, and echoes it on the response so callers can
// correlate logs.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
		})
	}
}
