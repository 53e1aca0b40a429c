package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimiter_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"handler", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratelimiter_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // from 1ms to ~0.5s
		},
		[]string{"handler", "method"},
	)

	httpResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratelimiter_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8), // from 100B to ~1GB
		},
		[]string{"handler"},
	)

	activeRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ratelimiter_http_active_requests",
			Help: "Number of currently active HTTP requests",
		},
		[]string{"handler"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		httpResponseSize,
		activeRequests,
	)
}

// responseWriter wraps http.ResponseWriter to capture metrics.
type responseWriter struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		status:         http.StatusOK,
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// MetricsMiddleware wraps an http.Handler to collect generic HTTP metrics.
func MetricsMiddleware(handler string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := newResponseWriter(w)

		activeRequests.WithLabelValues(handler).Inc()
		defer activeRequests.WithLabelValues(handler).Dec()

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		status := strconv.Itoa(rw.status)

		httpRequestsTotal.WithLabelValues(handler, r.Method, status).Inc()
		httpRequestDuration.WithLabelValues(handler, r.Method).Observe(duration.Seconds())
		httpResponseSize.WithLabelValues(handler).Observe(float64(rw.written))
	})
}

// GinMetricsMiddleware adapts MetricsMiddleware's HTTP-level counters to a
// gin.HandlerFunc, labeling every request with its matched route path once
// gin has resolved it.
func GinMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		activeRequests.WithLabelValues(path).Inc()
		defer activeRequests.WithLabelValues(path).Dec()

		c.Next()

		duration := time.Since(start)
		status := strconv.Itoa(c.Writer.Status())

		httpRequestsTotal.WithLabelValues(path, c.Request.Method, status).Inc()
		httpRequestDuration.WithLabelValues(path, c.Request.Method).Observe(duration.Seconds())
		httpResponseSize.WithLabelValues(path).Observe(float64(c.Writer.Size()))
	}
}
