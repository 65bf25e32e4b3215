package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowrelay/flowrelay/handoff"
	"github.com/flowrelay/flowrelay/types"
)

// testAgent is a minimal worker: it accepts handoffs and executes actions.
type testAgent struct {
	id        string
	acceptErr error
	actionFn  func(action string, params map[string]any) (any, error)

	mu       sync.Mutex
	accepted int
	actions  []string
}

func (a *testAgent) ID() string                   { return a.id }
func (a *testAgent) CanAccept(fromID string) bool { return true }

func (a *testAgent) AcceptHandoff(ctx context.Context, pkg *handoff.Package) error {
	if a.acceptErr != nil {
		return a.acceptErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accepted++
	return nil
}

func (a *testAgent) ExecuteAction(ctx context.Context, action string, params map[string]any) (any, error) {
	a.mu.Lock()
	a.actions = append(a.actions, action)
	a.mu.Unlock()
	if a.actionFn != nil {
		return a.actionFn(action, params)
	}
	return "ok", nil
}

func (a *testAgent) acceptedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accepted
}

func newHandoffStack(t *testing.T) (*handoff.Orchestrator, *handoff.RetryStrategy, *handoff.DeadLetterQueue) {
	t.Helper()
	serializer, err := handoff.NewStateSerializer(handoff.SerializerConfig{}, zap.NewNop())
	require.NoError(t, err)
	validator := handoff.NewValidator(zap.NewNop())
	monitor := handoff.NewHealthMonitor(handoff.DefaultMonitorConfig(), zap.NewNop())
	orch := handoff.NewOrchestrator(handoff.DefaultOrchestratorConfig(), serializer, validator, monitor, zap.NewNop())

	breakers := handoff.NewCircuitBreakerRegistry(handoff.DefaultCircuitBreakerConfig(), nil, zap.NewNop())
	retry := handoff.NewRetryStrategy(handoff.DefaultRetryConfig(), breakers, zap.NewNop())
	dlq := handoff.NewDeadLetterQueue(zap.NewNop())
	return orch, retry, dlq
}

func newTestWorkflowOrchestrator(t *testing.T) (*Orchestrator, *handoff.Orchestrator, *handoff.DeadLetterQueue) {
	t.Helper()
	handoffs, retry, dlq := newHandoffStack(t)
	o := NewOrchestrator(OrchestratorConfig{}, handoffs, retry, dlq, zap.NewNop())
	return o, handoffs, dlq
}

func twoStepDefinition() *Definition {
	return &Definition{
		ID: "review",
		Steps: []StepDef{
			{ID: "draft", Agent: "writer", Action: "draft", OutputVariable: "text", Next: []string{"check"}},
			{ID: "check", Agent: "reviewer", Action: "check",
				Params: map[string]any{"text": "{{text}}"}},
		},
	}
}

func TestOrchestrator_RegisterValidatesImmediately(t *testing.T) {
	o, _, _ := newTestWorkflowOrchestrator(t)

	err := o.RegisterWorkflow(&Definition{ID: "bad", Steps: []StepDef{agentStep("a", "ghost")}})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, ok := o.Workflow("bad")
	assert.False(t, ok)
}

func TestOrchestrator_ReRegistrationBumpsVersion(t *testing.T) {
	o, _, _ := newTestWorkflowOrchestrator(t)
	def := twoStepDefinition()

	require.NoError(t, o.RegisterWorkflow(def))
	first, _ := o.Workflow("review")
	assert.Equal(t, 1, first.Version)

	require.NoError(t, o.RegisterWorkflow(def))
	second, _ := o.Workflow("review")
	assert.Equal(t, 2, second.Version)
}

func TestOrchestrator_ExecuteCrossesAgentBoundary(t *testing.T) {
	o, handoffs, _ := newTestWorkflowOrchestrator(t)
	writer := &testAgent{id: "writer"}
	reviewer := &testAgent{id: "reviewer"}
	handoffs.RegisterAgent(writer)
	handoffs.RegisterAgent(reviewer)

	require.NoError(t, o.RegisterWorkflow(twoStepDefinition()))

	result, err := o.ExecuteWorkflow(context.Background(), "review", nil)
	require.NoError(t, err)

	assert.Equal(t, ExecutionCompleted, result.Status)
	assert.Equal(t, []string{"draft"}, writer.actions)
	assert.Equal(t, []string{"check"}, reviewer.actions)
	assert.Equal(t, 1, reviewer.acceptedCount(), "crossing writer to reviewer transfers state once")

	// The handoff shows up in the handoff orchestrator's history too.
	history := handoffs.History()
	require.Len(t, history, 1)
	assert.Equal(t, "writer", history[0].FromAgentID)
	assert.Equal(t, "reviewer", history[0].ToAgentID)
}

func TestOrchestrator_ExecutionErrorsStayInResult(t *testing.T) {
	o, handoffs, _ := newTestWorkflowOrchestrator(t)
	worker := &testAgent{id: "worker", actionFn: func(action string, params map[string]any) (any, error) {
		return nil, errors.New("broken")
	}}
	handoffs.RegisterAgent(worker)

	require.NoError(t, o.RegisterWorkflow(&Definition{
		ID:    "fragile",
		Steps: []StepDef{agentStep("a")},
	}))

	result, err := o.ExecuteWorkflow(context.Background(), "fragile", nil)
	require.NoError(t, err, "execution-time failures never escape as a Go error")
	assert.Equal(t, ExecutionFailed, result.Status)
	assert.NotEmpty(t, result.Errors)
}

func TestOrchestrator_ExhaustedHandoffDeadLetters(t *testing.T) {
	o, handoffs, dlq := newTestWorkflowOrchestrator(t)
	writer := &testAgent{id: "writer"}
	reviewer := &testAgent{id: "reviewer", acceptErr: errors.New("reviewer down")}
	handoffs.RegisterAgent(writer)
	handoffs.RegisterAgent(reviewer)

	require.NoError(t, o.RegisterWorkflow(twoStepDefinition()))

	result, err := o.ExecuteWorkflow(context.Background(), "review", nil)
	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, result.Status)

	records := dlq.List()
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Reason, "reviewer")
	assert.Empty(t, reviewer.actions, "the action never runs when the boundary cannot be crossed")
}

func TestOrchestrator_UnknownWorkflow(t *testing.T) {
	o, _, _ := newTestWorkflowOrchestrator(t)
	_, err := o.ExecuteWorkflow(context.Background(), "ghost", nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestOrchestrator_ExecutionHistory(t *testing.T) {
	handoffs, retry, dlq := newHandoffStack(t)
	worker := &testAgent{id: "worker"}
	handoffs.RegisterAgent(worker)

	o := NewOrchestrator(OrchestratorConfig{HistoryCapacity: 2}, handoffs, retry, dlq, zap.NewNop())
	require.NoError(t, o.RegisterWorkflow(&Definition{ID: "w", Steps: []StepDef{agentStep("a")}}))

	var first *ExecutionResult
	for i := 0; i < 3; i++ {
		result, err := o.ExecuteWorkflow(context.Background(), "w", nil)
		require.NoError(t, err)
		if i == 0 {
			first = result
		}
	}

	assert.Len(t, o.GetWorkflowExecutions("w"), 2, "history is capacity bounded")
	_, ok := o.GetExecution(first.ExecutionID)
	assert.False(t, ok, "oldest executions are evicted")
	assert.Len(t, o.GetExecutionsByStatus(ExecutionCompleted), 2)
}
