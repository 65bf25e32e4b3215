package handoff

import (
	"context"
	"sync"
)

// mockAgent implements the full capability surface with per-hook toggles.
// Optional capabilities can be disabled by embedding only coreAgent.
type mockAgent struct {
	id         string
	refuseFrom map[string]bool
	acceptErr  error
	acceptFn   func(ctx context.Context, pkg *Package) error

	prepareState any
	prepareErr   error

	pingErr    error
	queueDepth int
	errorRate  float64

	cleanupErr error
	restoreErr error

	mu            sync.Mutex
	accepted      []*Package
	restored      []any
	cleanedUp     int
	initiatedIDs  []string
	completedIDs  []string
	failedIDs     []string
	acceptCalls   int
	executeAction func(ctx context.Context, action string, params map[string]any) (any, error)
}

func newMockAgent(id string) *mockAgent {
	return &mockAgent{id: id}
}

func (m *mockAgent) ID() string { return m.id }

func (m *mockAgent) CanAccept(fromID string) bool {
	return !m.refuseFrom[fromID]
}

func (m *mockAgent) AcceptHandoff(ctx context.Context, pkg *Package) error {
	m.mu.Lock()
	m.acceptCalls++
	fn := m.acceptFn
	m.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, pkg); err != nil {
			return err
		}
	}
	if m.acceptErr != nil {
		return m.acceptErr
	}

	m.mu.Lock()
	m.accepted = append(m.accepted, pkg)
	m.mu.Unlock()
	return nil
}

func (m *mockAgent) PrepareForHandoff(ctx context.Context) (any, error) {
	if m.prepareErr != nil {
		return nil, m.prepareErr
	}
	return m.prepareState, nil
}

func (m *mockAgent) RestoreState(ctx context.Context, state any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restoreErr != nil {
		return m.restoreErr
	}
	m.restored = append(m.restored, state)
	return nil
}

func (m *mockAgent) OnHandoffInitiated(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initiatedIDs = append(m.initiatedIDs, id)
}

func (m *mockAgent) OnHandoffComplete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completedIDs = append(m.completedIDs, id)
}

func (m *mockAgent) OnHandoffFailed(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedIDs = append(m.failedIDs, id)
}

func (m *mockAgent) Ping(ctx context.Context) error { return m.pingErr }
func (m *mockAgent) QueueDepth() int                { return m.queueDepth }
func (m *mockAgent) ErrorRate() float64             { return m.errorRate }

func (m *mockAgent) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cleanupErr != nil {
		return m.cleanupErr
	}
	m.cleanedUp++
	return nil
}

func (m *mockAgent) ExecuteAction(ctx context.Context, action string, params map[string]any) (any, error) {
	if m.executeAction != nil {
		return m.executeAction(ctx, action, params)
	}
	return map[string]any{"action": action}, nil
}

func (m *mockAgent) acceptedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accepted)
}

func (m *mockAgent) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acceptCalls
}

// coreAgent exposes only the mandatory capability surface, hiding every
// optional interface of the wrapped mock.
type coreAgent struct {
	inner *mockAgent
}

func (c *coreAgent) ID() string                   { return c.inner.ID() }
func (c *coreAgent) CanAccept(fromID string) bool { return c.inner.CanAccept(fromID) }
func (c *coreAgent) AcceptHandoff(ctx context.Context, pkg *Package) error {
	return c.inner.AcceptHandoff(ctx, pkg)
}
