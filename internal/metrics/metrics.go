package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nicotrack_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nicotrack_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nicotrack_notifications_enqueued_total",
			Help: "Notifications accepted into the queue by channel and category",
		},
		[]string{"channel", "category"},
	)

	notificationsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nicotrack_notifications_rejected_total",
			Help: "Enqueue requests not queued, by reason",
		},
		[]string{"reason"},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nicotrack_notifications_processed_total",
			Help: "Delivery attempts by outcome and channel",
		},
		[]string{"outcome", "channel"},
	)

	notificationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nicotrack_notification_latency_seconds",
			Help:    "Time from enqueue to successful delivery",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 3600, 14400},
		},
		[]string{"channel"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nicotrack_queue_depth",
			Help: "Live queue items by status",
		},
		[]string{"status"},
	)

	jobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nicotrack_scheduler_job_runs_total",
			Help: "Scheduler job executions by job and result",
		},
		[]string{"job", "result"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nicotrack_scheduler_job_duration_seconds",
			Help:    "Scheduler job execution time",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
		[]string{"job"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nicotrack_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nicotrack_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"key"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nicotrack_db_connections_active",
			Help: "Active database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordNotificationEnqueued counts an accepted enqueue.
func RecordNotificationEnqueued(channel, category string) {
	notificationsEnqueued.WithLabelValues(channel, category).Inc()
}

// RecordNotificationRejected counts an enqueue that created no row.
// reason is one of validation, configuration, preferences, dedup.
func RecordNotificationRejected(reason string) {
	notificationsRejected.WithLabelValues(reason).Inc()
}

// RecordNotificationProcessed counts one delivery attempt outcome.
func RecordNotificationProcessed(outcome, channel string) {
	notificationsProcessed.WithLabelValues(outcome, channel).Inc()
}

// RecordNotificationLatency records end-to-end notification delivery time
func RecordNotificationLatency(channel string, latency time.Duration) {
	notificationLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// SetQueueDepth publishes the live queue size for status.
func SetQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

// RecordJobRun records one scheduler job execution.
func RecordJobRun(job string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	jobRuns.WithLabelValues(job, result).Inc()
	jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
