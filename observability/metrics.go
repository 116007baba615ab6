package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	dealMetricsOnce sync.Once
	dealRegistry    *DealMetrics
)

// HTTP returns the lazily-initialised registry used to record API activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "farmtrade",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "farmtrade",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "farmtrade",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "farmtrade",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a request. The status code should be the HTTP
// status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
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

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *httpMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// DealMetrics wraps collectors tracking the deal lifecycle.
type DealMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	transitions  *prometheus.CounterVec
	unauthorized *prometheus.CounterVec
	conflicts    prometheus.Counter
	disputed     prometheus.Counter
	stalled      prometheus.Gauge
	notifyDrops  prometheus.Counter
}

// Deals exposes the metrics registry for the deal coordinator.
func Deals() *DealMetrics {
	dealMetricsOnce.Do(func() {
		dealRegistry = &DealMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "farmtrade",
				Subsystem: "deals",
				Name:      "operations_total",
				Help:      "Count of coordinator operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "farmtrade",
				Subsystem: "deals",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for coordinator operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "farmtrade",
				Subsystem: "deals",
				Name:      "status_transitions_total",
				Help:      "Count of deal status transitions segmented by source and target.",
			}, []string{"from", "to"}),
			unauthorized: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "farmtrade",
				Subsystem: "deals",
				Name:      "unauthorized_total",
				Help:      "Count of rejected operations where the acting party did not hold the required role.",
			}, []string{"operation"}),
			conflicts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "farmtrade",
				Subsystem: "deals",
				Name:      "version_conflicts_total",
				Help:      "Count of optimistic version conflicts that forced a re-read.",
			}),
			disputed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "farmtrade",
				Subsystem: "deals",
				Name:      "sweeper_disputed_total",
				Help:      "Count of deals moved to DISPUTED by the timeout sweeper.",
			}),
			stalled: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "farmtrade",
				Subsystem: "deals",
				Name:      "payout_stalled",
				Help:      "Number of READY_TO_FINALIZE deals idle past the payout stall threshold at the last scan.",
			}),
			notifyDrops: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "farmtrade",
				Subsystem: "deals",
				Name:      "notifications_dropped_total",
				Help:      "Count of lifecycle notifications dropped because the publish queue was full.",
			}),
		}
		prometheus.MustRegister(
			dealRegistry.operations,
			dealRegistry.latency,
			dealRegistry.transitions,
			dealRegistry.unauthorized,
			dealRegistry.conflicts,
			dealRegistry.disputed,
			dealRegistry.stalled,
			dealRegistry.notifyDrops,
		)
	})
	return dealRegistry
}

// ObserveOperation records the execution metrics for a coordinator operation.
func (m *DealMetrics) ObserveOperation(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordTransition counts a status change.
func (m *DealMetrics) RecordTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordUnauthorized counts a rejected authorization check.
func (m *DealMetrics) RecordUnauthorized(operation string) {
	if m == nil {
		return
	}
	m.unauthorized.WithLabelValues(operation).Inc()
}

// RecordConflict counts a version conflict retry.
func (m *DealMetrics) RecordConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// RecordDisputed counts deals disputed by one sweep.
func (m *DealMetrics) RecordDisputed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.disputed.Add(float64(n))
}

// SetStalled publishes the number of stalled payouts found by the last scan.
func (m *DealMetrics) SetStalled(n int) {
	if m == nil {
		return
	}
	m.stalled.Set(float64(n))
}

// RecordNotificationDropped counts a notification lost to back-pressure.
func (m *DealMetrics) RecordNotificationDropped() {
	if m == nil {
		return
	}
	m.notifyDrops.Inc()
}
