// Package middleware carries the HTTP middleware the services share:
// request ids, Prometheus instrumentation, CORS, and a request timeout.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/seral-labs/harbinger/pkg/metrics"
)

// Metrics returns middleware that counts requests, observes latency and
// tracks in-flight requests. The path label is the route pattern the mux
// matched, so cardinality stays bounded by the route table no matter
// what paths clients probe.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()

			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)

			status := sw.status
			if status == 0 {
				status = http.StatusOK
			}
			path := routeLabel(r)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// routeLabel is the matched pattern without its method prefix, or
// "unmatched" when no route claimed the request. Reading r.Pattern after
// the handler ran relies on Metrics wrapping the mux directly.
func routeLabel(r *http.Request) string {
	p := r.Pattern
	if p == "" {
		return "unmatched"
	}
	if _, after, ok := strings.Cut(p, " "); ok {
		return after
	}
	return p
}

// statusWriter remembers the first status code written so the labels
// reflect what the client saw.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.status == 0 {
		sw.status = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	return sw.ResponseWriter.Write(b)
}
