package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/idot-digital/usersync/internal/metrics"
)

// Metrics wraps an HTTP handler with Prometheus metrics
func Metrics(next http.HandlerFunc, operation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.InFlightRequests.Inc()
		defer metrics.InFlightRequests.Dec()

		// Create a custom response writer to capture the status code
		rw := &responseWriter{ResponseWriter: w}

		next(rw, r)

		duration := time.Since(start).Seconds()
		metrics.HTTPRequestDuration.WithLabelValues(operation).Observe(duration)
		metrics.HTTPRequests.WithLabelValues(operation, strconv.Itoa(rw.Status())).Inc()
	}
}
