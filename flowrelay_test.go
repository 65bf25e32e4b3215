package flowrelay

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrelay/flowrelay/handoff"
	"github.com/flowrelay/flowrelay/workflow"
)

type echoAgent struct {
	id string

	mu       sync.Mutex
	accepted int
	actions  []string
}

func (a *echoAgent) ID() string                   { return a.id }
func (a *echoAgent) CanAccept(fromID string) bool { return true }

func (a *echoAgent) AcceptHandoff(ctx context.Context, pkg *handoff.Package) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accepted++
	return nil
}

func (a *echoAgent) ExecuteAction(ctx context.Context, action string, params map[string]any) (any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
	return map[string]any{"action": action}, nil
}

func TestCore_EndToEnd(t *testing.T) {
	registry := prometheus.NewRegistry()
	core, err := New(
		WithMetrics("flowrelay", registry),
		WithSQLiteStore(filepath.Join(t.TempDir(), "core.db")),
	)
	require.NoError(t, err)
	defer core.Shutdown()

	writer := &echoAgent{id: "writer"}
	reviewer := &echoAgent{id: "reviewer"}
	core.RegisterAgent(writer)
	core.RegisterAgent(reviewer)

	require.NoError(t, core.RegisterWorkflow(&workflow.Definition{
		ID: "publish",
		Steps: []workflow.StepDef{
			{ID: "draft", Agent: "writer", Action: "draft", OutputVariable: "doc", Next: []string{"review"}},
			{ID: "review", Agent: "reviewer", Action: "review",
				Params: map[string]any{"doc": "{{doc}}"}},
		},
	}))

	result, err := core.ExecuteWorkflow(context.Background(), "publish", nil)
	require.NoError(t, err)

	assert.Equal(t, workflow.ExecutionCompleted, result.Status)
	assert.Equal(t, []string{"draft"}, writer.actions)
	assert.Equal(t, []string{"review"}, reviewer.actions)
	assert.Equal(t, 1, reviewer.accepted)

	// The boundary crossing was persisted by the SQLite record store.
	count, err := core.Store.HandoffCount(context.Background(), "writer", "reviewer")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// The collector registered and observed something.
	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

// Out of the box a handoff has to clear the deadline headroom check, not
// just checksum integrity.
func TestCore_DeadlineHeadroomGuardsHandoffs(t *testing.T) {
	tight := handoff.OrchestratorConfig{HandoffTimeout: 20 * time.Millisecond, HistoryCapacity: 8}

	core, err := New(WithHandoffConfig(tight))
	require.NoError(t, err)
	defer core.Shutdown()

	core.RegisterAgent(&echoAgent{id: "a"})
	target := &echoAgent{id: "b"}
	core.RegisterAgent(target)

	// 20ms of headroom is below the default minimum: rejected before any
	// side effect reaches the target.
	_, err = core.Handoffs.InitiateHandoff(context.Background(), "a", "b", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "headroom")
	assert.Equal(t, 0, target.accepted)

	// Relaxing the minimum lets the same handoff through.
	relaxed, err := New(
		WithHandoffConfig(tight),
		WithMinHeadroom(0),
		WithResourceProber(func(resourceType string) bool { return true }),
	)
	require.NoError(t, err)
	defer relaxed.Shutdown()
	relaxed.RegisterAgent(&echoAgent{id: "a"})
	relaxed.RegisterAgent(&echoAgent{id: "b"})
	_, err = relaxed.Handoffs.InitiateHandoff(context.Background(), "a", "b", nil)
	assert.NoError(t, err)
}

func TestCore_DefaultsAreUsable(t *testing.T) {
	core, err := New()
	require.NoError(t, err)
	defer core.Shutdown()

	assert.NotNil(t, core.Workflows)
	assert.NotNil(t, core.Handoffs)
	assert.NotNil(t, core.DeadLetters)
	assert.Nil(t, core.Store)
}
