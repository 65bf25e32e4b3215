package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector gathers workflow and handoff metrics. All record methods are
// safe on a nil receiver so instrumentation points never need nil checks.
type Collector struct {
	// Workflow metrics
	workflowExecutionsTotal   *prometheus.CounterVec
	workflowExecutionDuration *prometheus.HistogramVec
	stepExecutionsTotal       *prometheus.CounterVec
	stepRetriesTotal          *prometheus.CounterVec

	// Handoff metrics
	handoffsTotal       *prometheus.CounterVec
	handoffDuration     *prometheus.HistogramVec
	handoffRetriesTotal *prometheus.CounterVec
	circuitTransitions  *prometheus.CounterVec
	deadLettersTotal    *prometheus.CounterVec

	// Scheduler metrics
	scheduledFiresTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registered against the given registerer.
// Passing a dedicated registry keeps test runs isolated.
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

	c.workflowExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Total number of workflow executions",
		},
		[]string{"workflow", "status"},
	)

	c.workflowExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_execution_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"workflow"},
	)

	c.stepExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_executions_total",
			Help:      "Total number of workflow step executions",
		},
		[]string{"type", "status"},
	)

	c.stepRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of workflow step retry attempts",
		},
		[]string{"step"},
	)

	c.handoffsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Total number of agent handoffs",
		},
		[]string{"status"},
	)

	c.handoffDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handoff_duration_seconds",
			Help:      "Agent handoff duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	c.handoffRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_retries_total",
			Help:      "Total number of handoff retry attempts",
		},
		[]string{"agent"},
	)

	c.circuitTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"agent", "from", "to"},
	)

	c.deadLettersTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Total number of dead-lettered items",
		},
		[]string{"reason"},
	)

	c.scheduledFiresTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_fires_total",
			Help:      "Total number of scheduled workflow fires",
		},
		[]string{"schedule", "status"},
	)

	return c
}

// RecordWorkflowExecution records one completed workflow execution.
func (c *Collector) RecordWorkflowExecution(workflow, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.workflowExecutionsTotal.WithLabelValues(workflow, status).Inc()
	c.workflowExecutionDuration.WithLabelValues(workflow).Observe(d.Seconds())
}

// RecordStepExecution records one step execution outcome.
func (c *Collector) RecordStepExecution(stepType, status string) {
	if c == nil {
		return
	}
	c.stepExecutionsTotal.WithLabelValues(stepType, status).Inc()
}

// RecordStepRetry records one step retry attempt.
func (c *Collector) RecordStepRetry(stepID string) {
	if c == nil {
		return
	}
	c.stepRetriesTotal.WithLabelValues(stepID).Inc()
}

// RecordHandoff records one handoff outcome and its duration.
func (c *Collector) RecordHandoff(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.handoffsTotal.WithLabelValues(status).Inc()
	c.handoffDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordHandoffRetry records one handoff retry attempt against an agent.
func (c *Collector) RecordHandoffRetry(agentID string) {
	if c == nil {
		return
	}
	c.handoffRetriesTotal.WithLabelValues(agentID).Inc()
}

// RecordCircuitTransition records a breaker state change.
func (c *Collector) RecordCircuitTransition(agentID, from, to string) {
	if c == nil {
		return
	}
	c.circuitTransitions.WithLabelValues(agentID, from, to).Inc()
}

// RecordDeadLetter records one dead-lettered item.
func (c *Collector) RecordDeadLetter(reason string) {
	if c == nil {
		return
	}
	c.deadLettersTotal.WithLabelValues(reason).Inc()
}

// RecordScheduledFire records one scheduler fire.
func (c *Collector) RecordScheduledFire(scheduleID, status string) {
	if c == nil {
		return
	}
	c.scheduledFiresTotal.WithLabelValues(scheduleID, status).Inc()
}
