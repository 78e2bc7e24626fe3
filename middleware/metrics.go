package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	paymentsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_completed_total",
			Help: "Total number of installment payments completed",
		},
		[]string{"installment"},
	)

	webhookProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhooks_total",
			Help: "Total number of payment webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)

	reconciliationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_reconciliations_total",
			Help: "Total number of read-triggered reconciliation passes by outcome",
		},
		[]string{"outcome"},
	)

	ordersLockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_locked_total",
			Help: "Total number of orders locked by the scheduler",
		},
		[]string{"product_line"},
	)

	inventoryRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_rejections_total",
			Help: "Total number of deposit completions rejected for insufficient stock",
		},
		[]string{"product_line"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(paymentsCompletedTotal)
	prometheus.MustRegister(webhookProcessedTotal)
	prometheus.MustRegister(reconciliationTotal)
	prometheus.MustRegister(ordersLockedTotal)
	prometheus.MustRegister(inventoryRejectedTotal)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordPaymentCompleted(installment string) {
	paymentsCompletedTotal.WithLabelValues(installment).Inc()
}

func RecordWebhook(outcome string) {
	webhookProcessedTotal.WithLabelValues(outcome).Inc()
}

func RecordReconciliation(outcome string) {
	reconciliationTotal.WithLabelValues(outcome).Inc()
}

func RecordOrderLocked(productLine string) {
	ordersLockedTotal.WithLabelValues(productLine).Inc()
}

func RecordInventoryRejection(productLine string) {
	inventoryRejectedTotal.WithLabelValues(productLine).Inc()
}
