package middleware

import (
	"net/http"
	"time"

	"github.com/kenneth/file-custody/internal/metrics"
)

// MetricsMiddleware records request counts, durations and sizes labelled by
// route template. Register it with router.Use so ids do not become labels.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.IncrementActiveConnections()
			defer m.DecrementActiveConnections()

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			m.RecordHTTPRequest(r.Method, routeTemplate(r), rw.statusCode, time.Since(start), rw.bytesWritten)
		})
	}
}
