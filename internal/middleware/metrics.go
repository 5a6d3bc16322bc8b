package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antigravity2api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_class"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "antigravity2api_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"method", "path", "status_class"},
	)

	httpInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "antigravity2api_http_inflight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	sseLinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antigravity2api_sse_lines_total",
			Help: "Total number of SSE data lines sent",
		},
		[]string{"path"},
	)

	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antigravity2api_upstream_requests_total",
			Help: "Total number of upstream API requests",
		},
		[]string{"status_class"},
	)

	tokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antigravity2api_token_refreshes_total",
			Help: "Total number of OAuth token refreshes",
		},
		[]string{"project", "status"},
	)

	disabledProjects = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "antigravity2api_disabled_projects",
			Help: "Number of permanently disabled projects",
		},
	)
)

func statusClass(code int) string {
	if code <= 0 {
		return "error"
	}
	return fmt.Sprintf("%dxx", code/100)
}

// Metrics tracks per-route request counters and latency.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInFlight.Inc()
		c.Next()
		httpInFlight.Dec()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		sc := statusClass(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, sc).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path, sc).Observe(time.Since(start).Seconds())
	}
}

// RecordSSELine counts one SSE data line written on the given route.
func RecordSSELine(path string) {
	sseLinesTotal.WithLabelValues(path).Inc()
}

// RecordUpstreamRequest counts one upstream call by status class.
func RecordUpstreamRequest(status int) {
	upstreamRequestsTotal.WithLabelValues(statusClass(status)).Inc()
}

// RecordTokenRefresh counts one token refresh outcome for a project.
func RecordTokenRefresh(projectID, status string) {
	tokenRefreshesTotal.WithLabelValues(projectID, status).Inc()
}

// SetDisabledProjects updates the disabled-project gauge.
func SetDisabledProjects(n int) {
	disabledProjects.Set(float64(n))
}
