package workflow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowrelay/flowrelay/internal/metrics"
	"github.com/flowrelay/flowrelay/types"
	"github.com/flowrelay/flowrelay/workflow/expr"
)

// AgentRunner executes one agent action on behalf of a workflow step. The
// orchestrator provides a handoff-backed implementation; tests provide
// stubs.
type AgentRunner interface {
	RunAction(ctx context.Context, agentID, action string, params map[string]any) (any, error)
}

// Loop control sentinels. They travel up the step chain until the
// enclosing loop consumes them.
var (
	errLoopBreak    = errors.New("loop break")
	errLoopContinue = errors.New("loop continue")
)

// Executor runs one execution instance of a definition: walks the step
// graph, applies step-type semantics, enforces retries and timeouts, and
// aggregates the result. Definitions are never mutated; all routing state
// lives on the instance.
type Executor struct {
	def       *Definition
	runner    AgentRunner
	collector *metrics.Collector
	logger    *zap.Logger

	// joinIndegree counts static inbound next-references per join step.
	joinIndegree map[string]int
}

// NewExecutor creates an executor bound to a definition.
func NewExecutor(def *Definition, runner AgentRunner, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	indegree := make(map[string]int)
	for i := range def.Steps {
		for _, next := range def.Steps[i].Next {
			indegree[next]++
		}
	}
	return &Executor{
		def:          def,
		runner:       runner,
		logger:       logger.With(zap.String("component", "workflow_executor"), zap.String("workflow_id", def.ID)),
		joinIndegree: indegree,
	}
}

// SetCollector attaches a metrics collector.
func (e *Executor) SetCollector(c *metrics.Collector) {
	e.collector = c
}

// Execute runs one instance to exhaustion of the reachable graph. The
// returned error is non-nil only for a malformed definition; every
// execution-time failure is reported through the result's status and error
// list instead.
func (e *Executor) Execute(ctx context.Context, input map[string]any) (*ExecutionResult, error) {
	if err := e.def.Validate(); err != nil {
		return nil, err
	}

	in := newInstance(e.def, input)
	in.start()
	start := time.Now()

	e.logger.Info("execution started",
		zap.String("execution_id", in.ID),
		zap.Int("version", in.Version))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, groupCtx := errgroup.WithContext(runCtx)
	for _, stepID := range e.def.StartSet() {
		g.Go(func() error {
			return e.runStep(groupCtx, in, stepID)
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, errLoopBreak) || errors.Is(err, errLoopContinue) {
			in.addError("loop_control step executed outside a loop body")
		}
		in.markFailed()
	}

	if in.Status() == ExecutionFailed {
		in.finish(ExecutionFailed)
	} else {
		in.finish(ExecutionCompleted)
	}

	result := in.Result()
	e.collector.RecordWorkflowExecution(e.def.ID, string(result.Status), time.Since(start))
	e.logger.Info("execution finished",
		zap.String("execution_id", in.ID),
		zap.String("status", string(result.Status)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// runStep executes one step and then its successors. Returned errors are
// control flow: loop sentinels, fatal aborts, or cancellation. Failures
// absorbed by the CONTINUE policy do not surface here.
func (e *Executor) runStep(ctx context.Context, in *ExecutionInstance, stepID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	step, ok := e.def.Step(stepID)
	if !ok {
		return types.NewError(types.ErrWorkflowFatal, fmt.Sprintf("step %q not found", stepID)).WithStep(stepID)
	}

	// A join barrier runs only once, after every feeding branch arrived.
	if step.JoinStrategy == JoinAll {
		expected := e.joinIndegree[stepID]
		if expected > 1 && !in.arrive(stepID, expected) {
			return nil
		}
	}

	switch step.Type {
	case StepTypeCondition:
		return e.runConditionStep(ctx, in, step)
	case StepTypeLoop:
		return e.runLoopStep(ctx, in, step)
	case StepTypeLoopControl:
		return e.runLoopControlStep(in, step)
	default:
		return e.runAgentStep(ctx, in, step)
	}
}

// runNext advances to the declared successors, fanning out concurrently
// when there is more than one.
func (e *Executor) runNext(ctx context.Context, in *ExecutionInstance, nexts []string) error {
	switch len(nexts) {
	case 0:
		return nil
	case 1:
		return e.runStep(ctx, in, nexts[0])
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for _, next := range nexts {
		g.Go(func() error {
			return e.runStep(groupCtx, in, next)
		})
	}
	return g.Wait()
}

func (e *Executor) runAgentStep(ctx context.Context, in *ExecutionInstance, step *StepDef) error {
	in.setStepRunning(step.ID)
	policy := e.retryPolicy(step)

	var result any
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay(policy, attempt)):
			}
			e.collector.RecordStepRetry(step.ID)
		}
		attempts = attempt

		params := resolveParams(step.Params, in.VariablesSnapshot())
		result, lastErr = e.invokeAction(ctx, step, params)
		if lastErr == nil {
			break
		}

		e.logger.Warn("step attempt failed",
			zap.String("execution_id", in.ID),
			zap.String("step_id", step.ID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		// Corruption never retries; it routes straight to failure.
		if types.IsCode(lastErr, types.ErrChecksumMismatch) {
			break
		}
	}

	if lastErr == nil {
		in.setStepResult(step.ID, StepSuccess, attempts-1, result, nil)
		if step.OutputVariable != "" {
			in.SetVariable(step.OutputVariable, result)
		}
		e.collector.RecordStepExecution(string(stepTypeOf(step)), string(StepSuccess))
		return e.runNext(ctx, in, step.Next)
	}

	in.setStepResult(step.ID, StepFailed, attempts-1, nil, lastErr)
	in.addError(fmt.Sprintf("step %s: %v", step.ID, lastErr))
	e.collector.RecordStepExecution(string(stepTypeOf(step)), string(StepFailed))

	if e.def.OnError == OnErrorContinue {
		return e.runNext(ctx, in, step.Next)
	}

	// STOP aborts the remaining graph.
	in.markFailed()
	return types.NewError(types.ErrWorkflowFatal,
		fmt.Sprintf("step %s failed after %d attempts", step.ID, attempts)).
		WithStep(step.ID).WithCause(lastErr)
}

// invokeAction runs the agent action, racing it against the step timeout.
// A timeout is a failed attempt like any other, so the retry policy and
// rollback machinery see it, never a silent abandonment.
func (e *Executor) invokeAction(ctx context.Context, step *StepDef, params map[string]any) (any, error) {
	if e.runner == nil {
		return nil, types.NewError(types.ErrStepExecution, "no agent runner configured").WithStep(step.ID)
	}

	runCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, step.Timeout.Std())
		defer cancel()
	}

	result, err := e.runner.RunAction(runCtx, step.Agent, step.Action, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, types.NewError(types.ErrTimeout,
				fmt.Sprintf("step %s exceeded its %v timeout", step.ID, step.Timeout)).
				WithStep(step.ID).WithAgent(step.Agent).WithCause(err).WithRetryable(true)
		}
		if types.GetErrorCode(err) != "" {
			return nil, err
		}
		return nil, types.NewError(types.ErrStepExecution, "agent action failed").
			WithStep(step.ID).WithAgent(step.Agent).WithCause(err)
	}
	return result, nil
}

func (e *Executor) runConditionStep(ctx context.Context, in *ExecutionInstance, step *StepDef) error {
	in.setStepRunning(step.ID)

	env := expr.Env{
		Context: in.VariablesSnapshot(),
		Payload: resolveParams(step.Params, in.VariablesSnapshot()),
	}

	for _, branch := range step.Conditions {
		matched, err := expr.Evaluate(branch.Expression, env)
		if err != nil {
			in.setStepResult(step.ID, StepFailed, 0, nil, err)
			in.addError(fmt.Sprintf("step %s: condition evaluation: %v", step.ID, err))
			in.markFailed()
			return types.NewError(types.ErrWorkflowFatal, "condition evaluation failed").
				WithStep(step.ID).WithCause(err)
		}
		if matched {
			in.setStepResult(step.ID, StepSuccess, 0, branch.Next, nil)
			e.collector.RecordStepExecution(string(StepTypeCondition), string(StepSuccess))
			return e.runStep(ctx, in, branch.Next)
		}
	}

	// Validation requires a default branch, so this is corruption of the
	// definition, not a silent no-op.
	err := types.NewError(types.ErrWorkflowFatal,
		fmt.Sprintf("condition step %s matched no branch", step.ID)).WithStep(step.ID)
	in.setStepResult(step.ID, StepFailed, 0, nil, err)
	in.addError(err.Error())
	in.markFailed()
	return err
}

func (e *Executor) runLoopStep(ctx context.Context, in *ExecutionInstance, step *StepDef) error {
	in.setStepRunning(step.ID)

	itemsVar, _ := step.Params["items"].(string)
	body, _ := step.Params["body"].(string)

	raw, _ := in.Variable(itemsVar)
	items, ok := raw.([]any)
	if !ok {
		err := types.NewError(types.ErrStepExecution,
			fmt.Sprintf("loop step %s: variable %q is not an array", step.ID, itemsVar)).WithStep(step.ID)
		in.setStepResult(step.ID, StepFailed, 0, nil, err)
		in.addError(err.Error())
		if e.def.OnError == OnErrorContinue {
			return e.runNext(ctx, in, step.Next)
		}
		in.markFailed()
		return err
	}

	// currentItem/currentIndex are scoped to the loop: prior values are
	// restored once the loop finishes.
	savedItem, hadItem := in.Variable("currentItem")
	savedIndex, hadIndex := in.Variable("currentIndex")

	for index, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}

		in.SetVariable("currentItem", item)
		in.SetVariable("currentIndex", index)

		err := e.runStep(ctx, in, body)
		if err != nil {
			if errors.Is(err, errLoopContinue) {
				continue
			}
			if errors.Is(err, errLoopBreak) {
				break
			}
			return err
		}
	}

	if hadItem {
		in.SetVariable("currentItem", savedItem)
	} else {
		in.deleteVariable("currentItem")
	}
	if hadIndex {
		in.SetVariable("currentIndex", savedIndex)
	} else {
		in.deleteVariable("currentIndex")
	}

	in.setStepResult(step.ID, StepSuccess, 0, len(items), nil)
	e.collector.RecordStepExecution(string(StepTypeLoop), string(StepSuccess))
	return e.runNext(ctx, in, step.Next)
}

func (e *Executor) runLoopControlStep(in *ExecutionInstance, step *StepDef) error {
	in.setStepRunning(step.ID)
	mode, _ := step.Params["control"].(string)
	in.setStepResult(step.ID, StepSuccess, 0, mode, nil)

	if mode == "break" {
		return errLoopBreak
	}
	return errLoopContinue
}

// retryPolicy resolves the effective policy: step override, then the
// definition default, then a single attempt.
func (e *Executor) retryPolicy(step *StepDef) RetryPolicy {
	policy := RetryPolicy{MaxAttempts: 1}
	if e.def.Retry != nil {
		policy = *e.def.Retry
	}
	if step.Retry != nil {
		policy = *step.Retry
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Delay <= 0 {
		policy.Delay = Duration(100 * time.Millisecond)
	}
	return policy
}

// backoffDelay computes the delay before the given attempt (attempt >= 2).
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	base := policy.Delay.Std()
	var delay time.Duration
	switch policy.Backoff {
	case BackoffLinear:
		delay = base * time.Duration(attempt-1)
	case BackoffFixed:
		delay = base
	default: // exponential
		delay = base << (attempt - 2)
	}
	if delay > maxBackoffDelay || delay <= 0 {
		delay = maxBackoffDelay
	}
	return delay
}

func stepTypeOf(step *StepDef) StepType {
	if step.Type == "" {
		return StepTypeAgent
	}
	return step.Type
}

// templateRef matches one {{path.to.var}} reference.
var templateRef = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// resolveParams substitutes {{path}} references against the variable map.
// A string that is exactly one reference keeps the referenced value's type;
// inline references stringify.
func resolveParams(params, vars map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(v, vars)
	}
	return out
}

func resolveValue(v any, vars map[string]any) any {
	switch value := v.(type) {
	case string:
		trimmed := strings.TrimSpace(value)
		if m := templateRef.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
			return lookupPath(m[1], vars)
		}
		return templateRef.ReplaceAllStringFunc(value, func(ref string) string {
			path := templateRef.FindStringSubmatch(ref)[1]
			return fmt.Sprintf("%v", lookupPath(path, vars))
		})
	case map[string]any:
		return resolveParams(value, vars)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = resolveValue(item, vars)
		}
		return out
	default:
		return v
	}
}

func lookupPath(path string, vars map[string]any) any {
	var current any = vars
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}
