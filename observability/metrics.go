package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type gatewayMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	gatewayMetricsOnce sync.Once
	gatewayRegistry    *gatewayMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *ledgerMetrics

	dealMetricsOnce sync.Once
	dealRegistry    *dealMetrics
)

// Gateway returns the lazily-initialised metrics registry used to record HTTP
// gateway activity.
func Gateway() *gatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &gatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradegate",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradegate",
				Subsystem: "gateway",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tradegate",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradegate",
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.errors,
			gatewayRegistry.latency,
			gatewayRegistry.throttles,
		)
	})
	return gatewayRegistry
}

// Observe records the outcome of a gateway request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *gatewayMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *gatewayMetrics) RecordThrottle(route, reason string) {
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

type ledgerMetrics struct {
	submissions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	retries     prometheus.Counter
}

// Ledger returns the metrics registry tracking ledger node submissions.
func Ledger() *ledgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &ledgerMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradegate",
				Subsystem: "ledger",
				Name:      "submissions_total",
				Help:      "Ledger transactions submitted segmented by type and result.",
			}, []string{"type", "result"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tradegate",
				Subsystem: "ledger",
				Name:      "submit_duration_seconds",
				Help:      "Latency distribution for submit-and-confirm round trips.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			}, []string{"type"}),
			retries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tradegate",
				Subsystem: "ledger",
				Name:      "retries_total",
				Help:      "Count of ledger requests retried after transient failures.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.submissions,
			ledgerRegistry.latency,
			ledgerRegistry.retries,
		)
	})
	return ledgerRegistry
}

// RecordSubmission records a completed submit-and-confirm round trip.
func (m *ledgerMetrics) RecordSubmission(txType, result string, duration time.Duration) {
	if m == nil {
		return
	}
	if txType == "" {
		txType = "unknown"
	}
	if result == "" {
		result = "unknown"
	}
	m.submissions.WithLabelValues(txType, result).Inc()
	m.latency.WithLabelValues(txType).Observe(duration.Seconds())
}

// RecordRetry increments the transient-failure retry counter.
func (m *ledgerMetrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

type dealMetrics struct {
	transitions *prometheus.CounterVec
	releases    prometheus.Counter
	escrows     prometheus.Counter
}

// Deals returns the metrics registry tracking settlement lifecycle events.
func Deals() *dealMetrics {
	dealMetricsOnce.Do(func() {
		dealRegistry = &dealMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradegate",
				Subsystem: "deals",
				Name:      "transitions_total",
				Help:      "Deal state transitions segmented by resulting state.",
			}, []string{"state"}),
			releases: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tradegate",
				Subsystem: "deals",
				Name:      "milestone_releases_total",
				Help:      "Count of milestone escrows released to suppliers.",
			}),
			escrows: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tradegate",
				Subsystem: "deals",
				Name:      "escrows_created_total",
				Help:      "Count of conditional escrows created during funding.",
			}),
		}
		prometheus.MustRegister(
			dealRegistry.transitions,
			dealRegistry.releases,
			dealRegistry.escrows,
		)
	})
	return dealRegistry
}

// RecordTransition increments the transition counter for the resulting state.
func (m *dealMetrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(state))
	if normalized == "" {
		normalized = "unknown"
	}
	m.transitions.WithLabelValues(normalized).Inc()
}

// RecordRelease increments the released-milestone counter.
func (m *dealMetrics) RecordRelease() {
	if m == nil {
		return
	}
	m.releases.Inc()
}

// RecordEscrowCreated increments the created-escrow counter.
func (m *dealMetrics) RecordEscrowCreated() {
	if m == nil {
		return
	}
	m.escrows.Inc()
}
