// Package metrics exposes Prometheus collectors for the realtime service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	sessionsTotal              *prometheus.CounterVec
	activeStreams              prometheus.Gauge
	streamFramesTotal          *prometheus.CounterVec
	streamDroppedFramesTotal   prometheus.Counter
	presenceStatusChangesTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		sessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_sessions_total",
				Help: "Total number of analysis sessions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeStreams = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "realtime_active_streams",
				Help: "Number of event streams currently open.",
			},
		)

		streamFramesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_stream_frames_total",
				Help: "Total number of frames written to event streams, labeled by kind.",
			},
			[]string{"kind"},
		)

		streamDroppedFramesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "realtime_stream_dropped_frames_total",
				Help: "Total number of frames dropped because a stream could not keep up.",
			},
		)

		presenceStatusChangesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_presence_status_changes_total",
				Help: "Total presence client status transitions, labeled by status.",
			},
			[]string{"status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSession increments the session counter for the given outcome.
func ObserveSession(outcome string) {
	sessionsTotal.WithLabelValues(outcome).Inc()
}

// IncActiveStreams increments the open stream gauge.
func IncActiveStreams() {
	activeStreams.Inc()
}

// DecActiveStreams decrements the open stream gauge.
func DecActiveStreams() {
	activeStreams.Dec()
}

// ObserveStreamFrame counts one written stream frame of the given kind.
func ObserveStreamFrame(kind string) {
	streamFramesTotal.WithLabelValues(kind).Inc()
}

// ObserveDroppedFrame counts one frame dropped due to a slow stream.
func ObserveDroppedFrame() {
	streamDroppedFramesTotal.Inc()
}

// ObservePresenceStatus counts one presence status transition.
func ObservePresenceStatus(status string) {
	presenceStatusChangesTotal.WithLabelValues(status).Inc()
}
