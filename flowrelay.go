// Package flowrelay provides a top-level convenience entry point that wires
// the handoff and workflow layers into a ready-to-use orchestration core.
//
// Usage:
//
//	core, err := flowrelay.New()
//	core, err := flowrelay.New(
//		flowrelay.WithLogger(logger),
//		flowrelay.WithSQLiteStore("flowrelay.db"),
//		flowrelay.WithCompression(),
//	)
//
// Agents register on the core and workflow definitions execute through it;
// steps that cross an agent boundary transfer state via the handoff
// protocol with retries, circuit breaking, and dead-letter routing already
// in place.
package flowrelay

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/flowrelay/flowrelay/handoff"
	"github.com/flowrelay/flowrelay/internal/metrics"
	"github.com/flowrelay/flowrelay/workflow"
)

// Option configures the core created by [New].
type Option func(*options)

type options struct {
	logger        *zap.Logger
	registerer    prometheus.Registerer
	namespace     string
	sqlitePath    string
	compress      bool
	minHeadroom   time.Duration
	resourceProbe func(resourceType string) bool
	serializer    handoff.SerializerConfig
	orchestrator  handoff.OrchestratorConfig
	monitor       handoff.MonitorConfig
	breaker       handoff.CircuitBreakerConfig
	retry         handoff.RetryConfig
	historyBudget int
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics enables Prometheus metrics on the given registerer.
func WithMetrics(namespace string, registerer prometheus.Registerer) Option {
	return func(o *options) {
		o.namespace = namespace
		o.registerer = registerer
	}
}

// WithSQLiteStore persists dead letters and handoff records to a SQLite
// database at the given path. Use ":memory:" for an ephemeral store.
func WithSQLiteStore(path string) Option {
	return func(o *options) { o.sqlitePath = path }
}

// WithCompression gzips serialized state envelopes.
func WithCompression() Option {
	return func(o *options) { o.compress = true }
}

// WithMinHeadroom sets the minimum deadline headroom a handoff must have
// left to pass pre-transfer validation. Zero disables the check's bite
// (a handoff then fails only once its deadline has actually passed).
func WithMinHeadroom(d time.Duration) Option {
	return func(o *options) { o.minHeadroom = d }
}

// WithResourceProber wires availability probing for ledger resources into
// pre-transfer validation.
func WithResourceProber(available func(resourceType string) bool) Option {
	return func(o *options) { o.resourceProbe = available }
}

// WithSensitivePatterns overrides the redaction pattern list.
func WithSensitivePatterns(patterns []string) Option {
	return func(o *options) { o.serializer.SensitivePatterns = patterns }
}

// WithHandoffConfig overrides the handoff orchestrator settings.
func WithHandoffConfig(cfg handoff.OrchestratorConfig) Option {
	return func(o *options) { o.orchestrator = cfg }
}

// WithMonitorConfig overrides the health admission thresholds.
func WithMonitorConfig(cfg handoff.MonitorConfig) Option {
	return func(o *options) { o.monitor = cfg }
}

// WithCircuitBreakerConfig overrides the per-agent breaker settings.
func WithCircuitBreakerConfig(cfg handoff.CircuitBreakerConfig) Option {
	return func(o *options) { o.breaker = cfg }
}

// WithRetryConfig overrides the handoff retry settings.
func WithRetryConfig(cfg handoff.RetryConfig) Option {
	return func(o *options) { o.retry = cfg }
}

// WithExecutionHistoryCapacity bounds the retained execution results.
func WithExecutionHistoryCapacity(capacity int) Option {
	return func(o *options) { o.historyBudget = capacity }
}

// Core is the assembled orchestration stack.
type Core struct {
	Workflows   *workflow.Orchestrator
	Handoffs    *handoff.Orchestrator
	Retry       *handoff.RetryStrategy
	DeadLetters *handoff.DeadLetterQueue
	Store       *handoff.Store
}

// New assembles the orchestration core.
func New(opts ...Option) (*Core, error) {
	o := &options{
		minHeadroom:  time.Second,
		orchestrator: handoff.DefaultOrchestratorConfig(),
		monitor:      handoff.DefaultMonitorConfig(),
		breaker:      handoff.DefaultCircuitBreakerConfig(),
		retry:        handoff.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	serializerCfg := o.serializer
	serializerCfg.Compress = o.compress
	serializer, err := handoff.NewStateSerializer(serializerCfg, o.logger)
	if err != nil {
		return nil, err
	}

	checks := []handoff.Check{
		&handoff.IntegrityCheck{Serializer: serializer},
		&handoff.DeadlineCheck{MinHeadroom: o.minHeadroom},
	}
	if o.resourceProbe != nil {
		checks = append(checks, &handoff.ResourceCheck{Available: o.resourceProbe})
	}
	validator := handoff.NewValidator(o.logger, checks...)
	monitor := handoff.NewHealthMonitor(o.monitor, o.logger)
	handoffs := handoff.NewOrchestrator(o.orchestrator, serializer, validator, monitor, o.logger)

	breakers := handoff.NewCircuitBreakerRegistry(o.breaker, nil, o.logger)
	retry := handoff.NewRetryStrategy(o.retry, breakers, o.logger)
	dlq := handoff.NewDeadLetterQueue(o.logger)

	core := &Core{
		Handoffs:    handoffs,
		Retry:       retry,
		DeadLetters: dlq,
	}

	if o.sqlitePath != "" {
		store, err := handoff.OpenSQLiteStore(o.sqlitePath, o.logger)
		if err != nil {
			return nil, err
		}
		handoffs.SetRecordStore(store)
		dlq.SetStore(store)
		core.Store = store
	}

	workflows := workflow.NewOrchestrator(
		workflow.OrchestratorConfig{HistoryCapacity: o.historyBudget},
		handoffs, retry, dlq, o.logger)
	core.Workflows = workflows

	if o.registerer != nil {
		collector := metrics.NewCollector(o.namespace, o.registerer, o.logger)
		handoffs.SetCollector(collector)
		retry.SetCollector(collector)
		dlq.SetCollector(collector)
		workflows.SetCollector(collector)
	}

	return core, nil
}

// RegisterAgent registers an agent for handoffs and workflow steps.
func (c *Core) RegisterAgent(agent handoff.Agent) {
	c.Handoffs.RegisterAgent(agent)
}

// RegisterWorkflow validates and registers a workflow definition.
func (c *Core) RegisterWorkflow(def *workflow.Definition) error {
	return c.Workflows.RegisterWorkflow(def)
}

// ExecuteWorkflow runs one execution of a registered workflow.
func (c *Core) ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]any) (*workflow.ExecutionResult, error) {
	return c.Workflows.ExecuteWorkflow(ctx, workflowID, input)
}

// Shutdown stops the scheduler. In-flight executions finish on their own.
func (c *Core) Shutdown() {
	c.Workflows.Scheduler().Stop()
}
