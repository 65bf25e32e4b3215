package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env() Env {
	return Env{
		Context: map[string]any{
			"value":  float64(75),
			"status": "approved",
			"tags":   []any{"urgent", "finance"},
			"result": map[string]any{"score": 0.92},
		},
		Payload: map[string]any{
			"region": "eu-west",
			"count":  3,
		},
	}
}

func TestExpr_Clauses(t *testing.T) {
	cases := []struct {
		source string
		want   bool
	}{
		{`context.value greaterThan 50`, true},
		{`context.value greaterThan 100`, false},
		{`context.value lessThan 100`, true},
		{`context.status equals "approved"`, true},
		{`context.status equals "rejected"`, false},
		{`context.status contains "prov"`, true},
		{`context.tags contains "urgent"`, true},
		{`context.tags contains "marketing"`, false},
		{`context.result.score greaterThan 0.9`, true},
		{`payload.region in ["us-east", "eu-west"]`, true},
		{`payload.region in ["us-east"]`, false},
		{`payload.count in [1, 2, 3]`, true},
		{`payload.region regex "^eu-"`, true},
		{`payload.region regex "^us-"`, false},
		{`true`, true},
		{`false`, false},
	}

	for _, tc := range cases {
		t.Run(tc.source, func(t *testing.T) {
			got, err := Evaluate(tc.source, env())
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExpr_LogicalCombinations(t *testing.T) {
	cases := []struct {
		source string
		want   bool
	}{
		{`context.value greaterThan 50 and context.status equals "approved"`, true},
		{`context.value greaterThan 100 and context.status equals "approved"`, false},
		{`context.value greaterThan 100 or context.status equals "approved"`, true},
		{`(context.value greaterThan 100 or context.value lessThan 80) and payload.count equals 3`, true},
		{`context.value greaterThan 100 or false`, false},
	}

	for _, tc := range cases {
		t.Run(tc.source, func(t *testing.T) {
			got, err := Evaluate(tc.source, env())
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExpr_MissingFieldsResolveToNil(t *testing.T) {
	got, err := Evaluate(`context.nonexistent equals "x"`, env())
	require.NoError(t, err)
	assert.False(t, got)

	// nil orders below every value.
	got, err = Evaluate(`context.nonexistent lessThan 0`, env())
	require.NoError(t, err)
	assert.True(t, got)
}

func TestExpr_ParseErrors(t *testing.T) {
	bad := []string{
		`value greaterThan 50`,         // missing prefix is caught at eval
		`context.value greaterThan`,    // missing literal
		`context.value frobnicates 50`, // unknown operator
		`context.value regex "["`,      // malformed pattern fails at parse
		`(context.value greaterThan 5`, // unbalanced paren
		`payload.region in "eu-west"`,  // in requires a list; eval error
	}

	_, err := Parse(bad[1])
	assert.Error(t, err)
	_, err = Parse(bad[2])
	assert.Error(t, err)
	_, err = Parse(bad[3])
	assert.Error(t, err)
	_, err = Parse(bad[4])
	assert.Error(t, err)

	// Prefix and list misuse surface at evaluation time.
	_, err = Evaluate(bad[0], env())
	assert.Error(t, err)
	_, err = Evaluate(bad[5], env())
	assert.Error(t, err)
}

func TestExpr_CompiledReuse(t *testing.T) {
	compiled, err := Parse(`context.value greaterThan 50`)
	require.NoError(t, err)
	assert.Equal(t, `context.value greaterThan 50`, compiled.String())

	got, err := compiled.Eval(env())
	require.NoError(t, err)
	assert.True(t, got)

	got, err = compiled.Eval(Env{Context: map[string]any{"value": float64(10)}})
	require.NoError(t, err)
	assert.False(t, got)
}
