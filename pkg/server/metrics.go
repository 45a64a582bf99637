package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gdprscan",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served, by route and status code.",
	}, []string{"method", "route", "code"})
	metricRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gdprscan",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   []float64{0.005, 0.05, 0.25, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"method", "route"})
	metricScansInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gdprscan",
		Subsystem: "http",
		Name:      "scans_in_flight",
		Help:      "Scans currently running on behalf of API clients.",
	})
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument records request counts and latency under the matched chi route
// pattern so ids in paths do not explode label cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metricRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metricRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		s.logRequest(r, route, status, elapsed)
	})
}
