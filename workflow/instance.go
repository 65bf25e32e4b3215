package workflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle status of a workflow execution.
type ExecutionStatus string

const (
	// ExecutionPending has been created but not started.
	ExecutionPending ExecutionStatus = "PENDING"
	// ExecutionRunning is walking the step graph.
	ExecutionRunning ExecutionStatus = "RUNNING"
	// ExecutionCompleted finished with every reachable step terminal.
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	// ExecutionFailed aborted or finished with unrecovered errors.
	ExecutionFailed ExecutionStatus = "FAILED"
)

// StepStatus is the lifecycle status of one step within an execution.
type StepStatus string

const (
	// StepPending has not started.
	StepPending StepStatus = "PENDING"
	// StepRunning is currently executing.
	StepRunning StepStatus = "RUNNING"
	// StepSuccess completed.
	StepSuccess StepStatus = "SUCCESS"
	// StepFailed exhausted its retries.
	StepFailed StepStatus = "FAILED"
)

// StepExecution records one step's outcome within an execution instance.
// It is owned exclusively by its instance.
type StepExecution struct {
	StepID     string     `json:"step_id"`
	Status     StepStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	EndedAt    time.Time  `json:"ended_at,omitempty"`
}

// ExecutionResult is the caller-visible outcome of one execution.
// Execution-time errors live in Errors; they are never returned as a Go
// error from the orchestrator.
type ExecutionResult struct {
	ExecutionID string                    `json:"execution_id"`
	WorkflowID  string                    `json:"workflow_id"`
	Version     int                       `json:"version"`
	Status      ExecutionStatus           `json:"status"`
	Variables   map[string]any            `json:"variables"`
	Steps       map[string]*StepExecution `json:"steps"`
	Errors      []string                  `json:"errors,omitempty"`
	Duration    time.Duration             `json:"duration"`
	StartedAt   time.Time                 `json:"started_at"`
	EndedAt     time.Time                 `json:"ended_at"`
}

// ExecutionInstance is the per-invocation working state of a workflow run.
// Instances are never shared across invocations; parallel branches within
// one instance serialize their writes through the instance mutex.
type ExecutionInstance struct {
	ID         string
	WorkflowID string
	Version    int

	mu        sync.Mutex
	status    ExecutionStatus
	variables map[string]any
	steps     map[string]*StepExecution
	errors    []string
	startedAt time.Time
	endedAt   time.Time

	// arrivals counts terminal feeding branches per join step.
	arrivals map[string]int
}

// newInstance creates a pending execution instance seeded with the
// definition's declared variables overlaid with the caller's input.
func newInstance(def *Definition, input map[string]any) *ExecutionInstance {
	variables := make(map[string]any, len(def.Variables)+len(input))
	for k, v := range def.Variables {
		variables[k] = v
	}
	for k, v := range input {
		variables[k] = v
	}
	return &ExecutionInstance{
		ID:         uuid.NewString(),
		WorkflowID: def.ID,
		Version:    def.Version,
		status:     ExecutionPending,
		variables:  variables,
		steps:      make(map[string]*StepExecution),
		arrivals:   make(map[string]int),
	}
}

func (in *ExecutionInstance) start() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.status = ExecutionRunning
	in.startedAt = time.Now()
}

func (in *ExecutionInstance) finish(status ExecutionStatus) {
	in.mu.Lock()
	defer in.mu.Unlock()
	// FAILED is sticky: a branch that already failed the instance wins
	// over a later branch completing normally.
	if in.status != ExecutionFailed {
		in.status = status
	}
	in.endedAt = time.Now()
}

// Status returns the current execution status.
func (in *ExecutionInstance) Status() ExecutionStatus {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.status
}

func (in *ExecutionInstance) markFailed() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.status = ExecutionFailed
}

// SetVariable writes one variable; writes are serialized per instance.
func (in *ExecutionInstance) SetVariable(key string, value any) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.variables[key] = value
}

// Variable reads one variable.
func (in *ExecutionInstance) Variable(key string) (any, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	v, ok := in.variables[key]
	return v, ok
}

// deleteVariable removes a variable, for restoring loop scope.
func (in *ExecutionInstance) deleteVariable(key string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.variables, key)
}

// VariablesSnapshot copies the variable map for read-only use.
func (in *ExecutionInstance) VariablesSnapshot() map[string]any {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make(map[string]any, len(in.variables))
	for k, v := range in.variables {
		out[k] = v
	}
	return out
}

// stepExecution returns the record for a step, creating it on first use.
func (in *ExecutionInstance) stepExecution(stepID string) *StepExecution {
	in.mu.Lock()
	defer in.mu.Unlock()
	rec, ok := in.steps[stepID]
	if !ok {
		rec = &StepExecution{StepID: stepID, Status: StepPending}
		in.steps[stepID] = rec
	}
	return rec
}

func (in *ExecutionInstance) setStepRunning(stepID string) *StepExecution {
	rec := in.stepExecution(stepID)
	in.mu.Lock()
	defer in.mu.Unlock()
	rec.Status = StepRunning
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	return rec
}

func (in *ExecutionInstance) setStepResult(stepID string, status StepStatus, retries int, result any, err error) {
	rec := in.stepExecution(stepID)
	in.mu.Lock()
	defer in.mu.Unlock()
	rec.Status = status
	rec.RetryCount = retries
	rec.Result = result
	rec.EndedAt = time.Now()
	if err != nil {
		rec.Error = err.Error()
	}
}

func (in *ExecutionInstance) addError(msg string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.errors = append(in.errors, msg)
}

// arrive records one feeding branch reaching the join step and reports
// whether every expected branch has arrived.
func (in *ExecutionInstance) arrive(joinID string, expected int) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.arrivals[joinID]++
	return in.arrivals[joinID] >= expected
}

// Result snapshots the instance into a caller-visible result. The returned
// maps are copies; the instance stays internally consistent afterwards.
func (in *ExecutionInstance) Result() *ExecutionResult {
	in.mu.Lock()
	defer in.mu.Unlock()

	steps := make(map[string]*StepExecution, len(in.steps))
	for id, rec := range in.steps {
		copied := *rec
		steps[id] = &copied
	}
	variables := make(map[string]any, len(in.variables))
	for k, v := range in.variables {
		variables[k] = v
	}

	return &ExecutionResult{
		ExecutionID: in.ID,
		WorkflowID:  in.WorkflowID,
		Version:     in.Version,
		Status:      in.status,
		Variables:   variables,
		Steps:       steps,
		Errors:      append([]string(nil), in.errors...),
		Duration:    in.endedAt.Sub(in.startedAt),
		StartedAt:   in.startedAt,
		EndedAt:     in.endedAt,
	}
}
