// Package metrics provides Prometheus metrics for the imageinf demo server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imageinf_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imageinf_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Token validation
	tokenChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imageinf_token_checks_total",
			Help: "Token validations by source and outcome",
		},
		[]string{"source", "result"},
	)

	// Inference
	inferenceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imageinf_inference_requests_total",
			Help: "Synchronous inference submissions",
		},
		[]string{"model", "status"},
	)

	inferenceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imageinf_inference_duration_seconds",
			Help:    "Round trip time of synchronous inference",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
	)

	// File content
	contentFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imageinf_content_fetches_total",
			Help: "File content fetches by cache outcome",
		},
		[]string{"cache", "status"},
	)

	contentBytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imageinf_content_bytes_served_total",
			Help: "Bytes of file content returned to browsers",
		},
	)

	// Sessions
	sessionsPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imageinf_sessions_purged_total",
			Help: "Expired sessions removed from the session store",
		},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imageinf_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordTokenCheck records one token validation. source is "bridge" or
// "session"; result is "valid" or the failure reason.
func RecordTokenCheck(source, result string) {
	tokenChecksTotal.WithLabelValues(source, result).Inc()
}

// RecordInference records one inference submission.
func RecordInference(model string, success bool, duration time.Duration) {
	inferenceRequestsTotal.WithLabelValues(model, outcome(success)).Inc()
	inferenceDuration.Observe(duration.Seconds())
}

// RecordContentFetch records a file content fetch.
func RecordContentFetch(cached, success bool, bytes int) {
	hit := "miss"
	if cached {
		hit = "hit"
	}
	contentFetchesTotal.WithLabelValues(hit, outcome(success)).Inc()
	if success {
		contentBytesServed.Add(float64(bytes))
	}
}

// RecordSessionsPurged records expired sessions removed by a purge.
func RecordSessionsPurged(n int64) {
	sessionsPurgedTotal.Add(float64(n))
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by the matched mux pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
