package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// WebSocket specific metrics
	wsConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "Total number of WebSocket connections",
		},
	)

	wsActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_active_connections",
			Help: "Number of active WebSocket connections",
		},
	)

	// =========================================================================
	// Business Metrics
	// =========================================================================

	presenceEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_events_total",
			Help: "Total number of presence lifecycle events applied, by kind",
		},
		[]string{"kind"},
	)

	presenceReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_sessions_reaped_total",
			Help: "Total number of sessions ended by the heartbeat timeout reaper",
		},
	)

	realtimeDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_realtime_dropped_total",
			Help: "Total number of change events dropped from slow subscriber buffers",
		},
	)
)

// MetricsMiddleware returns a Gin middleware that collects Prometheus metrics
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		httpRequestsInFlight.Inc()

		c.Next()

		httpRequestsInFlight.Dec()
		duration := time.Since(start).Seconds()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method

		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns the Prometheus metrics handler for Gin
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordWebSocketConnection increments WebSocket connection counters
func RecordWebSocketConnection() {
	wsConnectionsTotal.Inc()
	wsActiveConnections.Inc()
}

// RecordWebSocketDisconnection decrements active WebSocket connection gauge
func RecordWebSocketDisconnection() {
	wsActiveConnections.Dec()
}

// RecordPresenceEvent counts one applied lifecycle event
func RecordPresenceEvent(kind string) {
	presenceEventsTotal.WithLabelValues(kind).Inc()
}

// RecordReapedSession counts one timeout-synthesized exit
func RecordReapedSession() {
	presenceReapedTotal.Inc()
}

// RecordDroppedDelivery counts one change event lost to a slow subscriber
func RecordDroppedDelivery() {
	realtimeDroppedTotal.Inc()
}
