package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrelay/flowrelay/types"
)

func agentStep(id string, next ...string) StepDef {
	return StepDef{ID: id, Agent: "worker", Action: "run", Next: next}
}

func TestDefinition_ValidateAcceptsWellFormedGraph(t *testing.T) {
	def := &Definition{
		ID: "pipeline",
		Steps: []StepDef{
			agentStep("a", "b"),
			agentStep("b"),
		},
	}
	require.NoError(t, def.Validate())
}

func TestDefinition_ValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		def  *Definition
	}{
		{"no id", &Definition{Steps: []StepDef{agentStep("a")}}},
		{"no steps", &Definition{ID: "w"}},
		{"duplicate step ids", &Definition{ID: "w", Steps: []StepDef{agentStep("a"), agentStep("a")}}},
		{"unresolvable next", &Definition{ID: "w", Steps: []StepDef{agentStep("a", "ghost")}}},
		{"agent step without action", &Definition{ID: "w", Steps: []StepDef{{ID: "a", Agent: "worker"}}}},
		{"unknown join strategy", &Definition{ID: "w", Steps: []StepDef{
			agentStep("a", "j"),
			{ID: "j", Agent: "worker", Action: "run", JoinStrategy: "any"},
		}}},
		{"condition without default branch", &Definition{ID: "w", Steps: []StepDef{
			{ID: "route", Type: StepTypeCondition, Conditions: []ConditionBranch{
				{Expression: `context.value greaterThan 10`, Next: "a"},
			}},
			agentStep("a"),
		}}},
		{"condition with bad expression", &Definition{ID: "w", Steps: []StepDef{
			{ID: "route", Type: StepTypeCondition, Conditions: []ConditionBranch{
				{Expression: `context.value frobs 10`, Next: "a"},
				{Expression: "true", Next: "a"},
			}},
			agentStep("a"),
		}}},
		{"loop without body", &Definition{ID: "w", Steps: []StepDef{
			{ID: "loop", Type: StepTypeLoop, Params: map[string]any{"items": "items"}},
		}}},
		{"loop with unknown body", &Definition{ID: "w", Steps: []StepDef{
			{ID: "loop", Type: StepTypeLoop, Params: map[string]any{"items": "items", "body": "ghost"}},
		}}},
		{"loop_control without mode", &Definition{ID: "w", Steps: []StepDef{
			agentStep("a", "ctl"),
			{ID: "ctl", Type: StepTypeLoopControl},
		}}},
		{"cycle with no entry point", &Definition{ID: "w", Steps: []StepDef{
			agentStep("a", "b"),
			agentStep("b", "a"),
		}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.def.Validate()
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrValidation))
		})
	}
}

func TestDefinition_StartSet(t *testing.T) {
	def := &Definition{
		ID: "w",
		Steps: []StepDef{
			agentStep("a", "c"),
			agentStep("b", "c"),
			agentStep("c"),
			{ID: "loop", Type: StepTypeLoop, Params: map[string]any{"items": "items", "body": "body"}},
			agentStep("body"),
		},
	}
	require.NoError(t, def.Validate())

	// Loop bodies are referenced by their loop, never start steps.
	assert.Equal(t, []string{"a", "b", "loop"}, def.StartSet())
}

func TestDefinition_CloneIsolatesRegisteredSnapshot(t *testing.T) {
	def := &Definition{
		ID:        "w",
		Variables: map[string]any{"k": "v"},
		Steps: []StepDef{
			{ID: "a", Agent: "worker", Action: "run", Params: map[string]any{"p": 1}, Next: []string{"b"}},
			agentStep("b"),
		},
	}

	snapshot := def.clone()
	def.Steps[0].Params["p"] = 2
	def.Steps[0].Next[0] = "tampered"
	def.Variables["k"] = "tampered"

	assert.Equal(t, 1, snapshot.Steps[0].Params["p"])
	assert.Equal(t, []string{"b"}, snapshot.Steps[0].Next)
	assert.Equal(t, "v", snapshot.Variables["k"])
}
