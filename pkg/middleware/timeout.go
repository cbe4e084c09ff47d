package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Timeout aborts request handling that outlives the budget with a 504. The
// handler keeps running in its own goroutine, but its writes are discarded
// once the timeout answer has gone out. A non-positive budget disables the
// middleware.
func Timeout(budget time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if budget <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), budget)
			defer cancel()
			dw := &deadlineWriter{inner: w}
			done := make(chan struct{})
			go func() {
				next.ServeHTTP(dw, r.WithContext(ctx))
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				if dw.abandon() {
					slog.Warn("request abandoned after timeout",
						"method", r.Method, "path", r.URL.Path, "budget", budget)
					http.Error(w, `{"error":"request timeout"}`, http.StatusGatewayTimeout)
				}
			}
		})
	}
}

// deadlineWriter serializes the race between a handler finishing late and
// the timeout answer. Whoever writes first wins; the loser's output is
// dropped.
type deadlineWriter struct {
	inner http.ResponseWriter

	mu        sync.Mutex
	started   bool
	abandoned bool
}

func (d *deadlineWriter) Header() http.Header { return d.inner.Header() }

func (d *deadlineWriter) WriteHeader(code int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.abandoned {
		return
	}
	d.started = true
	d.inner.WriteHeader(code)
}

func (d *deadlineWriter) Write(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.abandoned {
		return len(b), nil
	}
	d.started = true
	return d.inner.Write(b)
}

// abandon claims the response for the timeout path. It reports false when
// the handler already started writing, in which case the response is left
// alone.
func (d *deadlineWriter) abandon() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return false
	}
	d.abandoned = true
	return true
}
