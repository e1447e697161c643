package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	pawnMetricsOnce sync.Once
	pawnRegistry    *PawnMetrics
)

// ModuleMetrics returns the lazily-initialised registry recording HTTP route
// activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pawn",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pawn",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "pawn",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pawn",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by throttling or replay protection.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit" or
// "replayed_nonce".
func (m *moduleMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// PawnMetrics tracks lifecycle engine operations.
type PawnMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	volume     *prometheus.CounterVec
	events     *prometheus.CounterVec
}

// Pawn returns the singleton lifecycle metrics registry.
func Pawn() *PawnMetrics {
	pawnMetricsOnce.Do(func() {
		pawnRegistry = &PawnMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pawn",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Engine operations segmented by operation and result kind.",
			}, []string{"operation", "result"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "pawn",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pawn",
				Subsystem: "engine",
				Name:      "funding_volume_total",
				Help:      "Funding units moved by lend (principal) and repay (principal plus fee).",
			}, []string{"operation"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pawn",
				Subsystem: "engine",
				Name:      "events_total",
				Help:      "Engine events emitted segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(
			pawnRegistry.operations,
			pawnRegistry.latency,
			pawnRegistry.volume,
			pawnRegistry.events,
		)
	})
	return pawnRegistry
}

// Observe records one engine operation. result is "ok" or the error kind name.
func (m *PawnMetrics) Observe(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	if result == "" {
		result = "ok"
	}
	m.operations.WithLabelValues(operation, result).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// AddVolume accumulates funding units moved by an operation.
func (m *PawnMetrics) AddVolume(operation string, amount uint64) {
	if m == nil || amount == 0 {
		return
	}
	m.volume.WithLabelValues(operation).Add(float64(amount))
}

// RecordEvent counts an emitted engine event.
func (m *PawnMetrics) RecordEvent(eventType string) {
	if m == nil || eventType == "" {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}
