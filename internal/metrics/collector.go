package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the orchestration core's Prometheus metrics.
type Collector struct {
	// Workflow metrics
	workflowTransitions *prometheus.CounterVec
	workflowDuration    *prometheus.HistogramVec
	workflowsActive     *prometheus.GaugeVec

	// Scheduler metrics
	validatorRuns     *prometheus.CounterVec
	validatorDuration *prometheus.HistogramVec
	tierDuration      *prometheus.HistogramVec

	// Gate metrics
	gateCalls    *prometheus.CounterVec
	gateRetries  *prometheus.CounterVec
	gateInFlight *prometheus.GaugeVec
	gateWait     *prometheus.HistogramVec

	// Checkpoint metrics
	checkpointOps      *prometheus.CounterVec
	checkpointDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a metrics collector registered against reg. A nil reg
// uses the default registerer; tests pass their own registry so multiple
// collectors can coexist.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.workflowTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Total number of workflow state transitions",
		},
		[]string{"type", "from", "to"},
	)

	c.workflowDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Wall-clock duration of workflow runs",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"type", "state"},
	)

	c.workflowsActive = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_active",
			Help:      "Number of workflows currently running",
		},
		[]string{"type"},
	)

	c.validatorRuns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validator_runs_total",
			Help:      "Total validator runs by outcome",
		},
		[]string{"validator", "outcome"},
	)

	c.validatorDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "validator_duration_seconds",
			Help:      "Validator call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"validator"},
	)

	c.tierDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tier_duration_seconds",
			Help:      "Tier execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tier"},
	)

	c.gateCalls = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_calls_total",
			Help:      "Total gated agent calls by outcome",
		},
		[]string{"agent", "outcome"},
	)

	c.gateRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_busy_retries_total",
			Help:      "Total busy-retry attempts per agent",
		},
		[]string{"agent"},
	)

	c.gateInFlight = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_in_flight",
			Help:      "In-flight calls admitted per agent",
		},
		[]string{"agent"},
	)

	c.gateWait = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gate_admission_wait_seconds",
			Help:      "Time spent waiting for a semaphore slot",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	c.checkpointOps = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_ops_total",
			Help:      "Checkpoint operations by backend and outcome",
		},
		[]string{"backend", "op", "outcome"},
	)

	c.checkpointDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_op_duration_seconds",
			Help:      "Checkpoint operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	return c
}

// RecordWorkflowTransition counts one state transition.
func (c *Collector) RecordWorkflowTransition(wfType, from, to string) {
	if c == nil {
		return
	}
	c.workflowTransitions.WithLabelValues(wfType, from, to).Inc()
}

// RecordWorkflowDuration observes a finished workflow's wall-clock time.
func (c *Collector) RecordWorkflowDuration(wfType, state string, d time.Duration) {
	if c == nil {
		return
	}
	c.workflowDuration.WithLabelValues(wfType, state).Observe(d.Seconds())
}

// WorkflowStarted increments the active-workflow gauge.
func (c *Collector) WorkflowStarted(wfType string) {
	if c == nil {
		return
	}
	c.workflowsActive.WithLabelValues(wfType).Inc()
}

// WorkflowStopped decrements the active-workflow gauge.
func (c *Collector) WorkflowStopped(wfType string) {
	if c == nil {
		return
	}
	c.workflowsActive.WithLabelValues(wfType).Dec()
}

// RecordValidatorRun counts one validator run and observes its duration.
func (c *Collector) RecordValidatorRun(validator, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.validatorRuns.WithLabelValues(validator, outcome).Inc()
	c.validatorDuration.WithLabelValues(validator).Observe(d.Seconds())
}

// RecordTierDuration observes one tier's execution time.
func (c *Collector) RecordTierDuration(tier string, d time.Duration) {
	if c == nil {
		return
	}
	c.tierDuration.WithLabelValues(tier).Observe(d.Seconds())
}

// RecordGateCall counts one gated call by outcome.
func (c *Collector) RecordGateCall(agent, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.gateCalls.WithLabelValues(agent, outcome).Inc()
	c.gateWait.WithLabelValues(agent).Observe(d.Seconds())
}

// RecordGateRetry counts one busy-retry.
func (c *Collector) RecordGateRetry(agent string) {
	if c == nil {
		return
	}
	c.gateRetries.WithLabelValues(agent).Inc()
}

// GateAdmitted increments the per-agent in-flight gauge.
func (c *Collector) GateAdmitted(agent string) {
	if c == nil {
		return
	}
	c.gateInFlight.WithLabelValues(agent).Inc()
}

// GateReleased decrements the per-agent in-flight gauge.
func (c *Collector) GateReleased(agent string) {
	if c == nil {
		return
	}
	c.gateInFlight.WithLabelValues(agent).Dec()
}

// RecordCheckpointOp counts one checkpoint operation and observes its duration.
func (c *Collector) RecordCheckpointOp(backend, op, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.checkpointOps.WithLabelValues(backend, op, outcome).Inc()
	c.checkpointDuration.WithLabelValues(backend, op).Observe(d.Seconds())
}
