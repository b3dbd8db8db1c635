package middleware

import (
	"net/http"
	"time"

	"github.com/trafi/trafi/internal/metrics"
)

// Metrics returns an HTTP middleware that records request counts and
// durations. /metrics itself is not recorded.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			m.ObserveRequest(r.Method, ww.status, time.Since(start).Seconds())
		})
	}
}
