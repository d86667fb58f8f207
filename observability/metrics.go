package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics wraps the Prometheus collectors tracking lifecycle-engine
// health: API traffic, prover round-trips, broadcasts and confirmation polls.
type EngineMetrics struct {
	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
	proverCalls *prometheus.CounterVec
	proverWait  prometheus.Histogram
	broadcasts  *prometheus.CounterVec
	polls       prometheus.Counter
	transitions *prometheus.CounterVec
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Engine returns the lazily-initialised metrics registry for the engine.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liquidswap",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total REST requests segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "liquidswap",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for REST handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			proverCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liquidswap",
				Subsystem: "prover",
				Name:      "calls_total",
				Help:      "Prover build calls segmented by outcome (success, retryable, rejected).",
			}, []string{"outcome"}),
			proverWait: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "liquidswap",
				Subsystem: "prover",
				Name:      "call_duration_seconds",
				Help:      "Wall-clock duration of prover build calls including retries.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			}),
			broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liquidswap",
				Subsystem: "pipeline",
				Name:      "broadcasts_total",
				Help:      "Broadcast attempts segmented by outcome (submitted, skipped, failed).",
			}, []string{"outcome"}),
			polls: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "liquidswap",
				Subsystem: "pipeline",
				Name:      "confirmation_polls_total",
				Help:      "Confirmation status polls issued by the watcher.",
			}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liquidswap",
				Subsystem: "lifecycle",
				Name:      "transitions_total",
				Help:      "Entity state transitions segmented by entity kind and target state.",
			}, []string{"entity", "state"}),
		}
		prometheus.MustRegister(
			engineRegistry.apiRequests,
			engineRegistry.apiLatency,
			engineRegistry.proverCalls,
			engineRegistry.proverWait,
			engineRegistry.broadcasts,
			engineRegistry.polls,
			engineRegistry.transitions,
		)
	})
	return engineRegistry
}

// ObserveRequest records the outcome of a REST request. The status code should
// be the HTTP status ultimately written to the response writer.
func (m *EngineMetrics) ObserveRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.apiRequests.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	m.apiLatency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// ObserveProverCall records one prover build round-trip, retries included.
func (m *EngineMetrics) ObserveProverCall(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.proverCalls.WithLabelValues(outcome).Inc()
	m.proverWait.Observe(duration.Seconds())
}

// RecordBroadcast increments the broadcast counter for the supplied outcome.
func (m *EngineMetrics) RecordBroadcast(outcome string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(outcome).Inc()
}

// RecordPoll counts a single confirmation poll.
func (m *EngineMetrics) RecordPoll() {
	if m == nil {
		return
	}
	m.polls.Inc()
}

// RecordTransition counts an entity state transition.
func (m *EngineMetrics) RecordTransition(entity, state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(entity, state).Inc()
}
