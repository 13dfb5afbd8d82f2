package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the coordination kernel.
// Collectors are registered on the Registerer passed to NewMetrics, never on the
// global default registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	retries            *prometheus.CounterVec
	tokens             *prometheus.CounterVec
	steps              prometheus.Counter
	runs               *prometheus.CounterVec
	reviews            *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	compactionFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mals_agent_invocations_total",
				Help: "Total number of agent invocations by outcome",
			},
			[]string{"agent", "outcome"},
		),
		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mals_agent_invocation_duration_seconds",
				Help:    "Agent invocation duration in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mals_agent_retries_total",
				Help: "Total number of retried agent invocation attempts",
			},
			[]string{"agent"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mals_agent_tokens_total",
				Help: "Total number of tokens reported by agents",
			},
			[]string{"agent"},
		),
		steps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mals_conductor_steps_total",
				Help: "Total number of conductor steps",
			},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mals_runs_total",
				Help: "Total number of finished runs by status",
			},
			[]string{"status", "loop_override"},
		),
		reviews: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mals_consensus_verdicts_total",
				Help: "Total number of review verdicts",
			},
			[]string{"verdict"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mals_memory_transitions_total",
				Help: "Total number of memory tier transitions",
			},
			[]string{"from", "to"},
		),
		compactionFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mals_memory_compaction_failures_total",
				Help: "Total number of summarisation failures during compaction",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.invocations, m.invocationDuration, m.retries, m.tokens, m.steps,
		m.runs, m.reviews, m.transitions, m.compactionFailures,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

// RecordInvocation records one adapter call with its outcome ("success" or "failure").
func (m *Metrics) RecordInvocation(agent, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(agent, outcome).Inc()
	m.invocationDuration.WithLabelValues(agent).Observe(d.Seconds())
}

// RecordRetry records one retried attempt.
func (m *Metrics) RecordRetry(agent string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(agent).Inc()
}

// RecordTokens adds tokens reported by an agent.
func (m *Metrics) RecordTokens(agent string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokens.WithLabelValues(agent).Add(float64(n))
}

// RecordStep records one conductor step.
func (m *Metrics) RecordStep() {
	if m == nil {
		return
	}
	m.steps.Inc()
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(status string, loopOverride bool) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status, fmt.Sprintf("%t", loopOverride)).Inc()
}

// RecordVerdict records a review verdict.
func (m *Metrics) RecordVerdict(verdict string) {
	if m == nil {
		return
	}
	m.reviews.WithLabelValues(verdict).Inc()
}

// RecordTransition records a memory tier transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordCompactionFailure records a failed summarisation.
func (m *Metrics) RecordCompactionFailure() {
	if m == nil {
		return
	}
	m.compactionFailures.Inc()
}
