package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renewd_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "renewd_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renewd_scheduler_ticks_total",
			Help: "Scheduler ticks by result (completed, failed, skipped_overlap, skipped_lock)",
		},
		[]string{"result"},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "renewd_scheduler_tick_duration_seconds",
			Help:    "Wall time of a scheduler tick",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 300},
		},
	)

	subscriptionsScanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "renewd_subscriptions_scanned_total",
			Help: "Active subscriptions examined by the scheduler",
		},
	)

	remindersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renewd_reminders_total",
			Help: "Reminder attempts by channel and outcome (sent, failed)",
		},
		[]string{"channel", "status"},
	)

	reminderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "renewd_reminder_dispatch_seconds",
			Help:    "Time spent in the channel transport per reminder",
			Buckets: []float64{.05, .1, .5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)

	dedupSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renewd_reminders_deduplicated_total",
			Help: "Reminders skipped because the ledger already had an entry",
		},
		[]string{"channel"},
	)

	ledgerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renewd_ledger_errors_total",
			Help: "Ledger failures by operation (open, mark_sent, mark_failed)",
		},
		[]string{"operation"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "renewd_circuit_breaker_state",
			Help: "Transport circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)

	outcomeRecorderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renewd_outcome_recorder_errors_total",
			Help: "Failures publishing reminder outcomes to downstream sinks",
		},
		[]string{"sink"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renewd_rate_limit_rejections_total",
			Help: "Operator API requests rejected by the rate limiter",
		},
		[]string{"key"},
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

// RecordTick records the outcome and duration of a scheduler tick
func RecordTick(result string, duration time.Duration) {
	ticksTotal.WithLabelValues(result).Inc()
	if duration > 0 {
		tickDuration.Observe(duration.Seconds())
	}
}

// AddSubscriptionsScanned adds n to the scanned subscriptions counter
func AddSubscriptionsScanned(n int) {
	subscriptionsScanned.Add(float64(n))
}

// RecordReminder records a dispatched reminder and its transport latency
func RecordReminder(channel, status string, latency time.Duration) {
	remindersTotal.WithLabelValues(channel, status).Inc()
	reminderLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordDeferred records a reminder held back because its transport is failing fast
func RecordDeferred(channel string) {
	remindersTotal.WithLabelValues(channel, "deferred").Inc()
}

// RecordDedupSkip records a reminder skipped by the ledger
func RecordDedupSkip(channel string) {
	dedupSkips.WithLabelValues(channel).Inc()
}

// RecordLedgerError records a ledger storage failure
func RecordLedgerError(operation string) {
	ledgerErrors.WithLabelValues(operation).Inc()
}

// SetBreakerState exports a breaker state as its numeric value
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordOutcomeRecorderError records a failed outcome publish
func RecordOutcomeRecorderError(sink string) {
	outcomeRecorderErrors.WithLabelValues(sink).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
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

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
