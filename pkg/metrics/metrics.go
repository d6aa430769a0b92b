package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for callflow
type Metrics struct {
	// Call metrics
	ActiveCalls      prometheus.Gauge
	CallTransitions  *prometheus.CounterVec
	InvalidEvents    *prometheus.CounterVec
	Handoffs         *prometheus.CounterVec
	SupervisorAlerts *prometheus.CounterVec

	// Workflow metrics
	NodeExecutions *prometheus.CounterVec
	NodeDuration   *prometheus.HistogramVec

	// Routing metrics
	RoutingDecisions *prometheus.CounterVec

	// Dependency metrics
	DependencyAttempts *prometheus.CounterVec
	DependencyLatency  *prometheus.HistogramVec
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec

	// System metrics
	EventsPublished *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			ActiveCalls: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "callflow_active_calls",
					Help: "Number of calls with a live session",
				},
			),
			CallTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "callflow_call_transitions_total",
					Help: "Applied call state transitions",
				},
				[]string{"from", "to", "event"},
			),
			InvalidEvents: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "callflow_invalid_events_total",
					Help: "Events rejected by the call state machine",
				},
				[]string{"state", "event"},
			),
			Handoffs: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "callflow_handoffs_total",
					Help: "Handoff payloads produced",
				},
				[]string{"tag"},
			),
			SupervisorAlerts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "callflow_supervisor_alerts_total",
					Help: "Supervisory alerts raised",
				},
				[]string{"reason"},
			),
			NodeExecutions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "callflow_node_executions_total",
					Help: "Workflow node executions",
				},
				[]string{"node_type", "success"},
			),
			NodeDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "callflow_node_duration_seconds",
					Help:    "Duration of workflow node executions in seconds",
					Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
				},
				[]string{"node_type"},
			),
			RoutingDecisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "callflow_routing_decisions_total",
					Help: "Routing resolver outcomes",
				},
				[]string{"target_type", "fallback"},
			),
			DependencyAttempts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "callflow_dependency_attempts_total",
					Help: "Attempts made against external dependencies",
				},
				[]string{"dependency", "outcome"},
			),
			DependencyLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "callflow_dependency_latency_seconds",
					Help:    "Latency of external dependency attempts in seconds",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms to ~10s
				},
				[]string{"dependency"},
			),
			BreakerState: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "callflow_breaker_state",
					Help: "Circuit breaker state (0 closed, 1 half open, 2 open)",
				},
				[]string{"dependency"},
			),
			BreakerTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "callflow_breaker_transitions_total",
					Help: "Circuit breaker state changes",
				},
				[]string{"dependency", "from", "to"},
			),
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "callflow_events_published_total",
					Help: "Events published on the event bus",
				},
				[]string{"event_type"},
			),
		}
	})

	return sharedMetrics
}
