package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrelay/flowrelay/types"
)

const reviewYAML = `
id: review
name: Draft review
on_error: CONTINUE
variables:
  threshold: 50
steps:
  - id: draft
    agent: writer
    action: draft
    timeout: 30s
    retry:
      max_attempts: 3
      backoff: exponential
      delay: 200ms
    output_variable: text
    next: [route]
  - id: route
    type: condition
    conditions:
      - expression: context.threshold greaterThan 40
        next: check
      - expression: "true"
        next: publish
  - id: check
    agent: reviewer
    action: check
    params:
      text: "{{text}}"
  - id: publish
    agent: writer
    action: publish
`

func TestFromYAML(t *testing.T) {
	def, err := FromYAML([]byte(reviewYAML))
	require.NoError(t, err)

	assert.Equal(t, "review", def.ID)
	assert.Equal(t, OnErrorContinue, def.OnError)
	require.Len(t, def.Steps, 4)

	draft, ok := def.Step("draft")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, draft.Timeout.Std())
	require.NotNil(t, draft.Retry)
	assert.Equal(t, 3, draft.Retry.MaxAttempts)
	assert.Equal(t, BackoffExponential, draft.Retry.Backoff)
	assert.Equal(t, 200*time.Millisecond, draft.Retry.Delay.Std())

	assert.Equal(t, []string{"draft"}, def.StartSet())
}

func TestFromJSON(t *testing.T) {
	data := []byte(`{
		"id": "simple",
		"steps": [
			{"id": "a", "agent": "worker", "action": "run", "timeout": "5s"}
		]
	}`)
	def, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, def.Steps[0].Timeout.Std())
}

func TestLoaderRejectsInvalidDefinitions(t *testing.T) {
	// Structurally sound YAML, semantically broken graph.
	_, err := FromYAML([]byte("id: w\nsteps:\n  - id: a\n    agent: x\n    action: run\n    next: [ghost]\n"))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, err = FromYAML([]byte("{not yaml"))
	assert.Error(t, err)

	_, err = FromJSON([]byte("{not json"))
	assert.Error(t, err)
}

func TestDefinitionRoundTripsThroughYAML(t *testing.T) {
	def, err := FromYAML([]byte(reviewYAML))
	require.NoError(t, err)

	out, err := ToYAML(def)
	require.NoError(t, err)
	again, err := FromYAML(out)
	require.NoError(t, err)
	assert.Equal(t, def.ID, again.ID)
	assert.Len(t, again.Steps, len(def.Steps))
	assert.Equal(t, def.Steps[0].Timeout, again.Steps[0].Timeout)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "review.yaml")
	require.NoError(t, os.WriteFile(path, []byte(reviewYAML), 0o644))

	def, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "review", def.ID)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "review.toml")
	require.NoError(t, os.WriteFile(bad, []byte("x"), 0o644))
	_, err = LoadFile(bad)
	assert.Error(t, err)
}
