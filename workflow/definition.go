package workflow

import (
	"fmt"
	"time"

	"github.com/flowrelay/flowrelay/types"
	"github.com/flowrelay/flowrelay/workflow/expr"
)

// StepType selects the execution semantics of a step. An empty type means
// an agent step.
type StepType string

const (
	// StepTypeAgent invokes an agent action.
	StepTypeAgent StepType = "agent"
	// StepTypeCondition routes to the first matching branch.
	StepTypeCondition StepType = "condition"
	// StepTypeLoop iterates an array variable over a body step.
	StepTypeLoop StepType = "loop"
	// StepTypeLoopControl breaks or continues the enclosing loop.
	StepTypeLoopControl StepType = "loop_control"
)

// OnErrorPolicy decides what happens when a step exhausts its retries.
type OnErrorPolicy string

const (
	// OnErrorStop aborts the remaining graph.
	OnErrorStop OnErrorPolicy = "STOP"
	// OnErrorContinue proceeds to declared next steps regardless.
	OnErrorContinue OnErrorPolicy = "CONTINUE"
)

// BackoffKind selects the retry delay curve.
type BackoffKind string

const (
	// BackoffExponential doubles the delay each attempt, capped.
	BackoffExponential BackoffKind = "exponential"
	// BackoffLinear grows the delay linearly, capped.
	BackoffLinear BackoffKind = "linear"
	// BackoffFixed keeps the delay constant.
	BackoffFixed BackoffKind = "fixed"
)

// maxBackoffDelay caps every retry curve.
const maxBackoffDelay = 30 * time.Second

// RetryPolicy bounds step retries and shapes the delay between attempts.
type RetryPolicy struct {
	MaxAttempts int         `json:"max_attempts" yaml:"max_attempts"`
	Backoff     BackoffKind `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	Delay       Duration    `json:"delay,omitempty" yaml:"delay,omitempty"`
}

// JoinStrategy names how a join step waits for its feeding branches. Only
// JoinAll is implemented; anything else is rejected at validation.
type JoinStrategy string

// JoinAll waits for every feeding branch to reach a terminal state.
const JoinAll JoinStrategy = "all"

// ConditionBranch is one (expression, next) pair of a condition step.
// Branches are evaluated in order; the first true expression wins.
type ConditionBranch struct {
	Expression string `json:"expression" yaml:"expression"`
	Next       string `json:"next" yaml:"next"`
}

// StepDef is one step of a workflow definition.
type StepDef struct {
	ID     string         `json:"id" yaml:"id"`
	Name   string         `json:"name,omitempty" yaml:"name,omitempty"`
	Type   StepType       `json:"type,omitempty" yaml:"type,omitempty"`
	Agent  string         `json:"agent,omitempty" yaml:"agent,omitempty"`
	Action string         `json:"action,omitempty" yaml:"action,omitempty"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	Timeout Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry   *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Next lists the steps that run after this one. More than one entry
	// fans out concurrently.
	Next []string `json:"next,omitempty" yaml:"next,omitempty"`

	// OutputVariable names the variable that receives the step result.
	OutputVariable string `json:"output_variable,omitempty" yaml:"output_variable,omitempty"`

	// Conditions holds the ordered branches of a condition step. The last
	// branch must be the always-true default.
	Conditions []ConditionBranch `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	// JoinStrategy marks this step as a join barrier for its feeding
	// branches.
	JoinStrategy JoinStrategy `json:"join_strategy,omitempty" yaml:"join_strategy,omitempty"`
}

// Definition is an immutable, validated step graph. Re-registering the same
// id produces a new version; a registered definition is never mutated.
type Definition struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int            `json:"version,omitempty" yaml:"version,omitempty"`
	Steps       []StepDef      `json:"steps" yaml:"steps"`
	Variables   map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`

	OnError OnErrorPolicy `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	Retry   *RetryPolicy  `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// Step looks up a step by id.
func (d *Definition) Step(id string) (*StepDef, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// StartSet returns the steps with no inbound reference, in declaration
// order. Loop bodies count as referenced: they only run inside their loop.
func (d *Definition) StartSet() []string {
	referenced := make(map[string]bool)
	for i := range d.Steps {
		step := &d.Steps[i]
		for _, next := range step.Next {
			referenced[next] = true
		}
		for _, branch := range step.Conditions {
			referenced[branch.Next] = true
		}
		if step.Type == StepTypeLoop {
			if body, ok := step.Params["body"].(string); ok {
				referenced[body] = true
			}
		}
	}

	var starts []string
	for i := range d.Steps {
		if !referenced[d.Steps[i].ID] {
			starts = append(starts, d.Steps[i].ID)
		}
	}
	return starts
}

// Validate checks the structural invariants of the definition: unique step
// ids, resolvable references, a non-empty start set, a default branch on
// every condition step, and loop wiring. It never inspects runtime state.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return types.NewError(types.ErrValidation, "workflow definition requires an id")
	}
	if len(d.Steps) == 0 {
		return types.NewError(types.ErrValidation, "workflow definition requires at least one step")
	}

	seen := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.ID == "" {
			return types.NewError(types.ErrValidation, "every step requires an id")
		}
		if seen[step.ID] {
			return types.NewError(types.ErrValidation, fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = true
	}

	for i := range d.Steps {
		step := &d.Steps[i]
		if err := d.validateStep(step, seen); err != nil {
			return err
		}
	}

	if len(d.StartSet()) == 0 {
		return types.NewError(types.ErrValidation,
			"workflow has no start steps: every step is referenced by another (cycle with no entry point)")
	}
	return nil
}

func (d *Definition) validateStep(step *StepDef, ids map[string]bool) error {
	for _, next := range step.Next {
		if !ids[next] {
			return types.NewError(types.ErrValidation,
				fmt.Sprintf("step %q references unknown next step %q", step.ID, next))
		}
	}

	if step.JoinStrategy != "" && step.JoinStrategy != JoinAll {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("step %q: unsupported join strategy %q", step.ID, step.JoinStrategy))
	}

	switch step.Type {
	case StepTypeAgent, "":
		if step.Agent == "" {
			return types.NewError(types.ErrValidation,
				fmt.Sprintf("agent step %q requires an agent", step.ID))
		}
		if step.Action == "" {
			return types.NewError(types.ErrValidation,
				fmt.Sprintf("agent step %q requires an action", step.ID))
		}

	case StepTypeCondition:
		if len(step.Conditions) == 0 {
			return types.NewError(types.ErrValidation,
				fmt.Sprintf("condition step %q requires at least one branch", step.ID))
		}
		for _, branch := range step.Conditions {
			if !ids[branch.Next] {
				return types.NewError(types.ErrValidation,
					fmt.Sprintf("condition step %q references unknown step %q", step.ID, branch.Next))
			}
			if _, err := expr.Parse(branch.Expression); err != nil {
				return types.NewError(types.ErrValidation,
					fmt.Sprintf("condition step %q has an invalid expression", step.ID)).WithCause(err)
			}
		}
		// Absence of a matching branch is fatal at runtime, so the
		// definition must end with an always-true default.
		last := step.Conditions[len(step.Conditions)-1]
		if last.Expression != "true" {
			return types.NewError(types.ErrValidation,
				fmt.Sprintf("condition step %q must end with a default (true) branch", step.ID))
		}

	case StepTypeLoop:
		items, ok := step.Params["items"].(string)
		if !ok || items == "" {
			return types.NewError(types.ErrValidation,
				fmt.Sprintf("loop step %q requires params.items naming an array variable", step.ID))
		}
		body, ok := step.Params["body"].(string)
		if !ok || body == "" {
			return types.NewError(types.ErrValidation,
				fmt.Sprintf("loop step %q requires params.body naming the body step", step.ID))
		}
		if !ids[body] {
			return types.NewError(types.ErrValidation,
				fmt.Sprintf("loop step %q references unknown body step %q", step.ID, body))
		}

	case StepTypeLoopControl:
		mode, _ := step.Params["control"].(string)
		if mode != "break" && mode != "continue" {
			return types.NewError(types.ErrValidation,
				fmt.Sprintf("loop_control step %q requires params.control of break or continue", step.ID))
		}

	default:
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("step %q has unknown type %q", step.ID, step.Type))
	}

	return nil
}

// clone returns a deep-enough copy for registry snapshots: steps are copied
// by value and the top-level maps are duplicated so a caller mutating its
// original cannot touch the registered version.
func (d *Definition) clone() *Definition {
	out := *d
	out.Steps = make([]StepDef, len(d.Steps))
	copy(out.Steps, d.Steps)
	for i := range out.Steps {
		out.Steps[i].Next = append([]string(nil), d.Steps[i].Next...)
		out.Steps[i].Conditions = append([]ConditionBranch(nil), d.Steps[i].Conditions...)
		out.Steps[i].Params = cloneMap(d.Steps[i].Params)
		if d.Steps[i].Retry != nil {
			retry := *d.Steps[i].Retry
			out.Steps[i].Retry = &retry
		}
	}
	out.Variables = cloneMap(d.Variables)
	if d.Retry != nil {
		retry := *d.Retry
		out.Retry = &retry
	}
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
