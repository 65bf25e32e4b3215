package handoff

import "context"

// Agent is the mandatory capability surface of a worker agent. Everything
// the orchestration core knows about an agent goes through this interface;
// the agent's internal behavior is opaque.
type Agent interface {
	// ID returns the stable agent identifier.
	ID() string
	// CanAccept reports whether this agent is willing to accept a handoff
	// from the given source agent.
	CanAccept(fromAgentID string) bool
	// AcceptHandoff delivers a handoff package to the agent.
	AcceptHandoff(ctx context.Context, pkg *Package) error
}

// StatePreparer is implemented by agents that can capture their execution
// state before handing off. Agents without it hand off an empty state.
type StatePreparer interface {
	PrepareForHandoff(ctx context.Context) (any, error)
}

// StateRestorer is implemented by agents whose captured state can be
// restored on rollback.
type StateRestorer interface {
	RestoreState(ctx context.Context, state any) error
}

// HandoffObserver receives lifecycle notifications for handoffs the agent
// participates in. All hooks are optional.
type HandoffObserver interface {
	OnHandoffInitiated(handoffID string)
	OnHandoffComplete(handoffID string)
	OnHandoffFailed(handoffID string)
}

// HealthReporter exposes liveness and load signals used by the
// HealthMonitor for admission decisions. Agents without it are always
// admitted.
type HealthReporter interface {
	Ping(ctx context.Context) error
	QueueDepth() int
	ErrorRate() float64
}

// Cleaner is implemented by agents that need to discard a partially
// delivered handoff during rollback.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// ActionExecutor is implemented by agents that execute named workflow step
// actions. The workflow executor invokes agent-targeted steps through it.
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, action string, params map[string]any) (any, error)
}

// notifyInitiated invokes the OnHandoffInitiated hook when present.
func notifyInitiated(a Agent, handoffID string) {
	if o, ok := a.(HandoffObserver); ok {
		o.OnHandoffInitiated(handoffID)
	}
}

// notifyComplete invokes the OnHandoffComplete hook when present.
func notifyComplete(a Agent, handoffID string) {
	if o, ok := a.(HandoffObserver); ok {
		o.OnHandoffComplete(handoffID)
	}
}

// notifyFailed invokes the OnHandoffFailed hook when present.
func notifyFailed(a Agent, handoffID string) {
	if o, ok := a.(HandoffObserver); ok {
		o.OnHandoffFailed(handoffID)
	}
}
