package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the overlay service
type Metrics struct {
	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionsFailed   *prometheus.CounterVec
	SessionsStopped  *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	ForcedTeardowns  prometheus.Counter
	ReadinessLatency prometheus.Histogram

	// Capture loop metrics
	FramesWritten   prometheus.Counter
	FrameErrors     *prometheus.CounterVec
	CaptureDuration prometheus.Histogram

	// Notification metrics
	NotificationAttempts  prometheus.Counter
	NotificationSuccesses prometheus.Counter
	NotificationFailures  prometheus.Counter
	NotificationDuration  prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_active_sessions",
			Help: "Current number of registered overlay sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "overlay_sessions_started_total",
			Help: "Total number of sessions that reached readiness",
		}),
		SessionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_sessions_failed_total",
			Help: "Total number of sessions that failed before readiness",
		}, []string{"reason"}),
		SessionsStopped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_sessions_stopped_total",
			Help: "Total number of sessions that exited after readiness",
		}, []string{"result"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "overlay_session_duration_seconds",
			Help:    "Lifetime of overlay sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~9 hours
		}),
		ForcedTeardowns: factory.NewCounter(prometheus.CounterOpts{
			Name: "overlay_forced_teardowns_total",
			Help: "Teardowns that proceeded while a capture iteration was still in flight",
		}),
		ReadinessLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "overlay_readiness_latency_seconds",
			Help:    "Time from run request to encoder readiness",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2 minutes
		}),

		// Capture loop metrics
		FramesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "overlay_frames_written_total",
			Help: "Total number of frames handed to encoders",
		}),
		FrameErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_frame_errors_total",
			Help: "Total number of failed capture iterations",
		}, []string{"stage"}),
		CaptureDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "overlay_capture_iteration_seconds",
			Help:    "Duration of one capture, decode and write iteration",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		}),

		// Notification metrics
		NotificationAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "overlay_notification_attempts_total",
			Help: "Total number of stop notification delivery attempts",
		}),
		NotificationSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "overlay_notification_successes_total",
			Help: "Total number of delivered stop notifications",
		}),
		NotificationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "overlay_notification_failures_total",
			Help: "Total number of stop notifications given up after all attempts",
		}),
		NotificationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "overlay_notification_duration_seconds",
			Help:    "Time to deliver a stop notification including retries",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "overlay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SetActiveSessions sets the current number of registered sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionStarted records a session reaching readiness
func (m *Metrics) RecordSessionStarted(readinessSeconds float64) {
	m.SessionsStarted.Inc()
	m.ReadinessLatency.Observe(readinessSeconds)
}

// RecordSessionFailed records a session that failed before readiness
func (m *Metrics) RecordSessionFailed(reason string) {
	m.SessionsFailed.WithLabelValues(reason).Inc()
}

// RecordSessionStopped records a session exit and its lifetime
func (m *Metrics) RecordSessionStopped(clean bool, durationSeconds float64) {
	result := "clean"
	if !clean {
		result = "error"
	}
	m.SessionsStopped.WithLabelValues(result).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordForcedTeardown increments the forced teardown counter
func (m *Metrics) RecordForcedTeardown() {
	m.ForcedTeardowns.Inc()
}

// RecordFrameWritten records one successful capture iteration
func (m *Metrics) RecordFrameWritten(durationSeconds float64) {
	m.FramesWritten.Inc()
	m.CaptureDuration.Observe(durationSeconds)
}

// RecordFrameError records a failed capture iteration at the given stage
func (m *Metrics) RecordFrameError(stage string) {
	m.FrameErrors.WithLabelValues(stage).Inc()
}

// RecordNotificationAttempt increments the notification attempts counter
func (m *Metrics) RecordNotificationAttempt() {
	m.NotificationAttempts.Inc()
}

// RecordNotificationSuccess records a delivered notification
func (m *Metrics) RecordNotificationSuccess(durationSeconds float64) {
	m.NotificationSuccesses.Inc()
	m.NotificationDuration.Observe(durationSeconds)
}

// RecordNotificationFailure records a notification given up after all attempts
func (m *Metrics) RecordNotificationFailure() {
	m.NotificationFailures.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
