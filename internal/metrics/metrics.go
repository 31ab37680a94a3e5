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
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	messagesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_messages_dispatched_total",
			Help: "Per-recipient dispatch results by channel, status and error code",
		},
		[]string{"channel", "status", "error_code"},
	)

	providerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_provider_call_duration_seconds",
			Help:    "Channel adapter call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)

	windowRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_window_rejections_total",
			Help: "Free-form WhatsApp sends rejected because the session window was closed",
		},
	)

	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_webhook_events_total",
			Help: "Provider callbacks by source and reconciliation result",
		},
		[]string{"source", "result"},
	)

	projectionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_projection_failures_total",
			Help: "MessageSent projections that failed",
		},
		[]string{"projection"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	feedbackInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_feedback_messages_in_flight",
			Help: "SES feedback messages currently being reconciled",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_idempotency_hits_total",
			Help: "Send requests answered from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_db_connections_active",
			Help: "Acquired database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_redis_connections_active",
			Help: "Open Redis connections",
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

// RecordDispatch counts one per-recipient result. errorCode is empty on success.
func RecordDispatch(channel, status, errorCode string) {
	messagesDispatched.WithLabelValues(channel, status, errorCode).Inc()
}

// RecordProviderLatency records how long an adapter call took.
func RecordProviderLatency(channel string, d time.Duration) {
	providerLatency.WithLabelValues(channel).Observe(d.Seconds())
}

// RecordWindowRejection counts a send stopped by the WhatsApp window.
func RecordWindowRejection() {
	windowRejections.Inc()
}

// RecordWebhookEvent counts a callback by source ("whatsapp", "sms", "ses")
// and result ("matched", "unmatched", "ignored", "inbound", "duplicate").
func RecordWebhookEvent(source, result string) {
	webhookEvents.WithLabelValues(source, result).Inc()
}

// RecordProjectionFailure counts a failed MessageSent projection.
func RecordProjectionFailure(projection string) {
	projectionFailures.WithLabelValues(projection).Inc()
}

// SetCircuitState publishes a breaker state as its numeric value.
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}

// SetFeedbackInFlight sets the number of feedback messages being processed.
func SetFeedbackInFlight(count int) {
	feedbackInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets open Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
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

// Middleware records request metrics labelled by chi route pattern so ids in
// paths do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
