package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests processed",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "path"})

	// RouteRequests counts route computations by operation and outcome
	// (ok, unavailable, no_route, superseded, cached, invalid).
	RouteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "routing",
		Name:      "requests_total",
		Help:      "Route computations by operation and outcome",
	}, []string{"operation", "outcome"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Subsystem: "routing",
		Name:      "provider_duration_seconds",
		Help:      "Directions provider call latency",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"operation"})

	MergeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "appointments",
		Name:      "remote_merges_total",
		Help:      "Remote appointment updates by merge outcome",
	}, []string{"outcome"})

	LocalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "appointments",
		Name:      "local_transitions_total",
		Help:      "Accepted local status transitions by target status",
	}, []string{"status"})

	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "appointments",
		Name:      "persistence_failures_total",
		Help:      "Outbound intents that failed to persist",
	})

	ChannelConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dispatch",
		Subsystem: "channel",
		Name:      "connected",
		Help:      "1 while the live channel transport is connected",
	})

	ActiveLiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dispatch",
		Subsystem: "ws",
		Name:      "active_connections",
		Help:      "Current number of live-feed WebSocket connections",
	})
)

// Middleware records request metrics for gin.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the Prometheus exposition endpoint.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
