package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eugener/palantir/internal/telemetry"
)

// statusText pre-renders every status code string once so the hot path never
// calls strconv.Itoa.
var statusText [600]string

func init() {
	for i := range statusText {
		statusText[i] = strconv.Itoa(i)
	}
}

// metricsMiddleware tracks in-flight count plus per-route request totals and
// latency. Streaming requests count their full stream lifetime as duration,
// which is the number operators actually care about for capacity.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.ActiveRequests.Inc()
			defer m.ActiveRequests.Dec()

			sw := statusWriterPool.Get().(*statusWriter)
			sw.ResponseWriter = w
			sw.status = http.StatusOK
			sw.wroteHeader = false

			start := time.Now()
			next.ServeHTTP(sw, r)
			elapsed := time.Since(start).Seconds()

			status := sw.status
			sw.ResponseWriter = nil
			statusWriterPool.Put(sw)

			route := routePattern(r)
			m.RequestsTotal.WithLabelValues(r.Method, route, statusText[status]).Inc()
			m.RequestDuration.WithLabelValues(r.Method, route).Observe(elapsed)
		})
	}
}

// routePattern returns the chi route template so label cardinality stays
// bounded; unrouted paths fall back to the raw URL.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}
