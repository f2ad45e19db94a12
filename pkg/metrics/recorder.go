// Package metrics provides Prometheus-based metrics recording for the
// dispatch pipeline. The system only emits counters and events; storage and
// visualization belong to the external scrape stack.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives dispatch pipeline events.
type Recorder interface {
	ObserveDispatch(agentID, outcome string, units int64, duration time.Duration)
	IncBudgetBreach(agentID, action string)
	ObserveBreakerState(agentID string, state int, transitionTo string)
	SetQueueDepth(agentID string, depth int)
	ObserveQueueWait(agentID string, duration time.Duration)
}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	dispatchTotal      *prometheus.CounterVec
	unitsTotal         *prometheus.CounterVec
	budgetBreaches     *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	queueDepth         *prometheus.GaugeVec
	dispatchDuration   *prometheus.HistogramVec
	queueWait          *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a recorder registered on the default
// registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		dispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_requests_total",
				Help: "Total dispatch attempts by agent and outcome",
			},
			[]string{"agent_id", "outcome"},
		),
		unitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_units_total",
				Help: "Total token units consumed per agent",
			},
			[]string{"agent_id"},
		),
		budgetBreaches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "budget_breaches_total",
				Help: "Budget limit breaches by agent and resolved action",
			},
			[]string{"agent_id", "action"},
		),
		breakerTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "breaker_transitions_total",
				Help: "Circuit breaker state transitions by agent and target state",
			},
			[]string{"agent_id", "to"},
		),
		breakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "breaker_state",
				Help: "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"agent_id"},
		),
		queueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Current deferred-dispatch backlog per agent",
			},
			[]string{"agent_id"},
		),
		dispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_duration_seconds",
				Help:    "Duration of dispatch calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent_id"},
		),
		queueWait: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "queue_wait_duration_seconds",
				Help:    "Time deferred requests spend queued before dispatch",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent_id"},
		),
	}
}

// ObserveDispatch records a completed dispatch attempt.
func (p *PrometheusRecorder) ObserveDispatch(agentID, outcome string, units int64, duration time.Duration) {
	p.dispatchTotal.WithLabelValues(agentID, outcome).Inc()
	if units > 0 {
		p.unitsTotal.WithLabelValues(agentID).Add(float64(units))
	}
	p.dispatchDuration.WithLabelValues(agentID).Observe(duration.Seconds())
}

// IncBudgetBreach counts a budget breach and the action it resolved to.
func (p *PrometheusRecorder) IncBudgetBreach(agentID, action string) {
	p.budgetBreaches.WithLabelValues(agentID, action).Inc()
}

// ObserveBreakerState records a breaker transition and the new state gauge.
func (p *PrometheusRecorder) ObserveBreakerState(agentID string, state int, transitionTo string) {
	p.breakerState.WithLabelValues(agentID).Set(float64(state))
	if transitionTo != "" {
		p.breakerTransitions.WithLabelValues(agentID, transitionTo).Inc()
	}
}

// SetQueueDepth records the current backlog size for an agent.
func (p *PrometheusRecorder) SetQueueDepth(agentID string, depth int) {
	p.queueDepth.WithLabelValues(agentID).Set(float64(depth))
}

// ObserveQueueWait records how long a deferred request waited before
// dispatch.
func (p *PrometheusRecorder) ObserveQueueWait(agentID string, duration time.Duration) {
	p.queueWait.WithLabelValues(agentID).Observe(duration.Seconds())
}

// NopRecorder discards all events. Used in tests and when metrics are
// disabled.
type NopRecorder struct{}

func (NopRecorder) ObserveDispatch(string, string, int64, time.Duration)  {}
func (NopRecorder) IncBudgetBreach(string, string)                       {}
func (NopRecorder) ObserveBreakerState(string, int, string)              {}
func (NopRecorder) SetQueueDepth(string, int)                            {}
func (NopRecorder) ObserveQueueWait(string, time.Duration)               {}
