package workflow

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/flowrelay/flowrelay/handoff"
	"github.com/flowrelay/flowrelay/internal/metrics"
	"github.com/flowrelay/flowrelay/types"
)

// OrchestratorConfig configures a workflow orchestrator.
type OrchestratorConfig struct {
	// HistoryCapacity bounds the retained execution results.
	HistoryCapacity int
}

// Orchestrator is the registry of workflow definitions and the entry point
// for ad-hoc and scheduled execution. Agent-targeted steps route through
// the handoff layer when they cross an agent boundary.
type Orchestrator struct {
	cfg       OrchestratorConfig
	handoffs  *handoff.Orchestrator
	retry     *handoff.RetryStrategy
	dlq       *handoff.DeadLetterQueue
	collector *metrics.Collector
	history   *executionHistory
	scheduler *Scheduler
	logger    *zap.Logger

	mu          sync.RWMutex
	definitions map[string]*Definition
}

// NewOrchestrator creates a workflow orchestrator. The handoff
// collaborators are optional: without them agent steps always run as
// direct calls.
func NewOrchestrator(
	cfg OrchestratorConfig,
	handoffs *handoff.Orchestrator,
	retry *handoff.RetryStrategy,
	dlq *handoff.DeadLetterQueue,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:         cfg,
		handoffs:    handoffs,
		retry:       retry,
		dlq:         dlq,
		history:     newExecutionHistory(cfg.HistoryCapacity),
		logger:      logger.With(zap.String("component", "workflow_orchestrator")),
		definitions: make(map[string]*Definition),
	}
	o.scheduler = NewScheduler(o, logger)
	return o
}

// SetCollector attaches a metrics collector.
func (o *Orchestrator) SetCollector(c *metrics.Collector) {
	o.collector = c
	o.scheduler.SetCollector(c)
}

// Scheduler returns the orchestrator's scheduler.
func (o *Orchestrator) Scheduler() *Scheduler {
	return o.scheduler
}

// RegisterWorkflow validates and registers a definition. Validation
// failures surface immediately; this is the one error that reaches the
// caller as an error rather than an execution result. Re-registering an id
// stores a fresh snapshot under the next version; the prior version's
// running executions are unaffected.
func (o *Orchestrator) RegisterWorkflow(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	snapshot := def.clone()
	snapshot.Version = 1
	if prior, ok := o.definitions[def.ID]; ok {
		snapshot.Version = prior.Version + 1
	}
	o.definitions[def.ID] = snapshot

	o.logger.Info("registered workflow",
		zap.String("workflow_id", snapshot.ID),
		zap.Int("version", snapshot.Version),
		zap.Int("steps", len(snapshot.Steps)))
	return nil
}

// Workflow returns the registered definition snapshot for an id.
func (o *Orchestrator) Workflow(id string) (*Definition, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	def, ok := o.definitions[id]
	return def, ok
}

// ExecuteWorkflow runs one execution of a registered workflow. Execution-
// time failures are reported in the result's status and error list, never
// as a returned error; only an unknown workflow id errors.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]any) (*ExecutionResult, error) {
	def, ok := o.Workflow(workflowID)
	if !ok {
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("workflow %q is not registered", workflowID))
	}

	executor := NewExecutor(def, o.newRunner(), o.logger)
	executor.SetCollector(o.collector)

	result, err := executor.Execute(ctx, input)
	if err != nil {
		// Registration already validated the definition; reaching this
		// means the snapshot was corrupted, which is a programming error.
		return nil, err
	}

	o.history.add(result)
	return result, nil
}

// GetExecution returns a retained execution result by id.
func (o *Orchestrator) GetExecution(executionID string) (*ExecutionResult, bool) {
	return o.history.Get(executionID)
}

// GetWorkflowExecutions returns retained results for a workflow, oldest
// first.
func (o *Orchestrator) GetWorkflowExecutions(workflowID string) []*ExecutionResult {
	return o.history.ByWorkflow(workflowID)
}

// GetExecutionsByStatus returns retained results with the given status.
func (o *Orchestrator) GetExecutionsByStatus(status ExecutionStatus) []*ExecutionResult {
	return o.history.ByStatus(status)
}

// ScheduleWorkflow arms a schedule that executes the workflow on each
// fire. The workflow must already be registered.
func (o *Orchestrator) ScheduleWorkflow(scheduleID, workflowID string, spec ScheduleSpec, input map[string]any) (*ScheduleHandle, error) {
	if _, ok := o.Workflow(workflowID); !ok {
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("workflow %q is not registered", workflowID))
	}
	return o.scheduler.Schedule(scheduleID, spec, func(ctx context.Context) error {
		result, err := o.ExecuteWorkflow(ctx, workflowID, input)
		if err != nil {
			return err
		}
		if result.Status == ExecutionFailed {
			return fmt.Errorf("workflow %s execution %s failed", workflowID, result.ExecutionID)
		}
		return nil
	})
}

// newRunner builds the per-execution agent runner. Each execution tracks
// its own boundary state, so concurrent executions never share routing.
func (o *Orchestrator) newRunner() AgentRunner {
	return &handoffRunner{
		handoffs: o.handoffs,
		retry:    o.retry,
		dlq:      o.dlq,
		logger:   o.logger,
	}
}

// handoffRunner executes agent actions for one execution instance. The
// first agent step runs as a direct call; a step targeting a different
// agent than the previous one crosses a boundary and transfers state
// through the handoff layer first, with retry, fallback, and dead-letter
// routing on exhaustion.
type handoffRunner struct {
	handoffs *handoff.Orchestrator
	retry    *handoff.RetryStrategy
	dlq      *handoff.DeadLetterQueue
	logger   *zap.Logger

	mu        sync.Mutex
	lastAgent string
}

func (r *handoffRunner) RunAction(ctx context.Context, agentID, action string, params map[string]any) (any, error) {
	if r.handoffs == nil {
		return nil, types.NewError(types.ErrStepExecution, "no handoff orchestrator configured").WithAgent(agentID)
	}

	agent, ok := r.handoffs.Agent(agentID)
	if !ok {
		return nil, types.NewError(types.ErrAgentNotFound,
			fmt.Sprintf("agent %q not registered", agentID)).WithAgent(agentID)
	}
	executor, ok := agent.(handoff.ActionExecutor)
	if !ok {
		return nil, types.NewError(types.ErrStepExecution,
			fmt.Sprintf("agent %q cannot execute actions", agentID)).WithAgent(agentID)
	}

	if err := r.crossBoundary(ctx, agentID, params); err != nil {
		return nil, err
	}

	result, err := executor.ExecuteAction(ctx, action, params)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.lastAgent = agentID
	r.mu.Unlock()
	return result, nil
}

// crossBoundary hands execution state to the target agent when the step
// targets a different agent than the previous step. Exhausting the handoff
// dead-letters the step payload.
func (r *handoffRunner) crossBoundary(ctx context.Context, agentID string, params map[string]any) error {
	r.mu.Lock()
	from := r.lastAgent
	r.mu.Unlock()

	if from == "" || from == agentID || r.retry == nil {
		return nil
	}

	_, err := r.retry.ExecuteWithFallback(ctx, r.handoffs, from, params, agentID)
	if err == nil {
		return nil
	}

	if r.dlq != nil {
		r.dlq.Handle(ctx, params,
			fmt.Sprintf("handoff from %s to %s exhausted", from, agentID), err)
	}
	return err
}
