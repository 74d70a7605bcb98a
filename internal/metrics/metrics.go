// Package metrics provides Prometheus metrics for monitoring
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
	// HTTPRequestsTotal counts HTTP requests by method, path, and status
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlement_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request latency
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "entitlement_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	// TransactionsTotal counts ledger transactions by type
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlement_ledger_transactions_total",
		Help: "Total number of ledger transactions applied",
	}, []string{"type"})

	// DebitsDeniedTotal counts debits rejected for insufficient credits
	DebitsDeniedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entitlement_ledger_debits_denied_total",
		Help: "Total number of debits denied due to insufficient credits",
	})

	// ResolutionsTotal counts entitlement decisions by outcome
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlement_resolutions_total",
		Help: "Total number of entitlement resolutions",
	}, []string{"outcome"})

	// PurchasesTotal counts purchase flow outcomes
	PurchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlement_purchases_total",
		Help: "Total number of purchase intents by final status",
	}, []string{"status"})

	// SubscriptionsExpiredTotal counts subscriptions flipped by the expiry sweep
	SubscriptionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entitlement_subscriptions_expired_total",
		Help: "Total number of subscriptions expired by the background sweep",
	})

	// WSClientsConnected tracks currently connected realtime clients
	WSClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "entitlement_ws_clients_connected",
		Help: "Number of currently connected websocket clients",
	})
)

// Handler returns the Prometheus metrics HTTP handler for gin.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware records request counts and latencies for each route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
