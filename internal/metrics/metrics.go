package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	SessionsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "testsync_sessions_live",
			Help: "Sessions currently held by the registry, including those in their grace window",
		},
	)

	SessionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testsync_sessions_finished_total",
			Help: "Sessions that reached a terminal status",
		},
		[]string{"status"},
	)

	EventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testsync_events_emitted_total",
			Help: "Outbound events by type",
		},
		[]string{"type"},
	)

	PersistRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testsync_persist_retries_total",
			Help: "Persistence calls retried after a failure",
		},
		[]string{"op"},
	)

	PersistDegraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testsync_persist_degraded_total",
			Help: "Persistence calls abandoned after exhausting retries",
		},
		[]string{"op"},
	)

	Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "testsync_ws_connections",
			Help: "Open websocket connections",
		},
	)
)

var registerOnce sync.Once

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestCounter,
			RequestDuration,
			SessionsLive,
			SessionsFinished,
			EventsEmitted,
			PersistRetries,
			PersistDegraded,
			Connections,
		)
	})
}

// MetricsMiddleware records request count and latency per route.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

// PrometheusHandler exposes the default registry.
func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
