// Package metrics holds the Prometheus collectors of the engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raterhub_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raterhub_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raterhub_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raterhub_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"event"},
	)
	txRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raterhub_tree_tx_retries_total",
			Help: "Optimistic transaction attempts that lost a race and retried.",
		},
		[]string{"entity"},
	)
	txExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raterhub_tree_tx_exhausted_total",
			Help: "Transactions that failed to converge within the retry budget.",
		},
		[]string{"entity"},
	)
	tombstonesFiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raterhub_tree_tombstones_fired_total",
			Help: "Disconnect writes applied after a connection ended.",
		},
	)
	xpGrantedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raterhub_xp_delta_total",
			Help: "Sum of XP deltas requested, by source and sign.",
		},
		[]string{"source", "sign"},
	)
	auditPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raterhub_audit_publish_errors_total",
			Help: "Total number of audit event publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		txRetriesTotal,
		txExhaustedTotal,
		tombstonesFiredTotal,
		xpGrantedTotal,
		auditPublishErrorsTotal,
	)
}

func HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive() { wsActiveConnections.Inc() }

func DecWSActive() { wsActiveConnections.Dec() }

func IncWSEvent(event string) { wsEventsTotal.WithLabelValues(event).Inc() }

func IncTxRetry(entity string) { txRetriesTotal.WithLabelValues(entity).Inc() }

func IncTxExhausted(entity string) { txExhaustedTotal.WithLabelValues(entity).Inc() }

func AddTombstonesFired(n int) { tombstonesFiredTotal.Add(float64(n)) }

func ObserveXP(source string, delta int) {
	if delta == 0 {
		return
	}
	sign := "credit"
	if delta < 0 {
		sign = "debit"
		delta = -delta
	}
	xpGrantedTotal.WithLabelValues(source, sign).Add(float64(delta))
}

func IncAuditPublishError() { auditPublishErrorsTotal.Inc() }
