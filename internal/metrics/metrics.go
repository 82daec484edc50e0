// Package metrics exposes Prometheus collectors for the batch service.
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
	itemFailuresTotal          *prometheus.CounterVec
	sessionsCreatedTotal       prometheus.Counter
	streamSubscribers          prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

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

		itemFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepbatch_item_failures_total",
				Help: "Total failed work items, labeled by step and failure kind.",
			},
			[]string{"step", "kind"},
		)

		sessionsCreatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stepbatch_sessions_created_total",
				Help: "Total sessions created.",
			},
		)

		streamSubscribers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stepbatch_stream_subscribers",
				Help: "Number of currently connected progress stream observers.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stepbatch_rate_limit_delays_seconds",
				Help:    "Histogram of outbound rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveItemFailure counts one failed work item by classification.
func ObserveItemFailure(step, kind string) {
	if itemFailuresTotal == nil {
		return
	}
	itemFailuresTotal.WithLabelValues(step, kind).Inc()
}

// IncSessionsCreated counts a new session.
func IncSessionsCreated() {
	if sessionsCreatedTotal == nil {
		return
	}
	sessionsCreatedTotal.Inc()
}

// IncStreamSubscribers increments the connected observer gauge.
func IncStreamSubscribers() {
	if streamSubscribers == nil {
		return
	}
	streamSubscribers.Inc()
}

// DecStreamSubscribers decrements the connected observer gauge.
func DecStreamSubscribers() {
	if streamSubscribers == nil {
		return
	}
	streamSubscribers.Dec()
}

// ObserveRateLimitDelay records the duration of an outbound rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	if rateLimitDelaysSeconds == nil {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}
