package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowrelay/flowrelay/internal/metrics"
	"github.com/flowrelay/flowrelay/types"
)

// RecordStore is the append-only persistence collaborator for finished
// handoff packages. Implementations must never mutate prior records.
type RecordStore interface {
	AppendHandoff(ctx context.Context, pkg *Package) error
}

// OrchestratorConfig configures a handoff orchestrator.
type OrchestratorConfig struct {
	// HandoffTimeout bounds delivery to the target agent.
	HandoffTimeout time.Duration
	// HistoryCapacity bounds the in-memory handoff history.
	HistoryCapacity int
	// ReleaseResource releases one ledger resource during rollback.
	ReleaseResource func(resourceType, resourceID string) error
}

// DefaultOrchestratorConfig returns the default orchestrator settings.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		HandoffTimeout:  30 * time.Second,
		HistoryCapacity: 256,
	}
}

// Orchestrator drives a single state transfer between two agents:
// prepare, validate, transfer, confirm, cleanup, with rollback on any
// failure after state capture.
type Orchestrator struct {
	cfg        OrchestratorConfig
	serializer *StateSerializer
	validator  *Validator
	monitor    *HealthMonitor
	collector  *metrics.Collector
	store      RecordStore
	history    *packageHistory
	logger     *zap.Logger

	mu     sync.RWMutex
	agents map[string]Agent
}

// NewOrchestrator creates a handoff orchestrator. Serializer, validator,
// and monitor are required collaborators.
func NewOrchestrator(
	cfg OrchestratorConfig,
	serializer *StateSerializer,
	validator *Validator,
	monitor *HealthMonitor,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = 30 * time.Second
	}
	return &Orchestrator{
		cfg:        cfg,
		serializer: serializer,
		validator:  validator,
		monitor:    monitor,
		history:    newPackageHistory(cfg.HistoryCapacity),
		logger:     logger.With(zap.String("component", "handoff_orchestrator")),
		agents:     make(map[string]Agent),
	}
}

// SetCollector attaches a metrics collector.
func (o *Orchestrator) SetCollector(c *metrics.Collector) {
	o.collector = c
}

// SetRecordStore attaches an append-only persistence store.
func (o *Orchestrator) SetRecordStore(s RecordStore) {
	o.store = s
}

// RegisterAgent registers an agent for handoffs.
func (o *Orchestrator) RegisterAgent(agent Agent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.agents[agent.ID()] = agent
	o.logger.Info("registered agent", zap.String("agent_id", agent.ID()))
}

// UnregisterAgent removes an agent.
func (o *Orchestrator) UnregisterAgent(agentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.agents, agentID)
}

// Agent looks up a registered agent.
func (o *Orchestrator) Agent(agentID string) (Agent, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.agents[agentID]
	return a, ok
}

// History returns recorded handoff packages, oldest first.
func (o *Orchestrator) History() []*Package {
	return o.history.List()
}

// GetHandoff returns a recorded handoff package by id.
func (o *Orchestrator) GetHandoff(id string) (*Package, bool) {
	return o.history.Get(id)
}

// InitiateHandoff transfers state and payload from one agent to another.
// The protocol is strictly ordered: readiness validation, state capture,
// package validation, delivery, confirmation. Any failure after state
// capture triggers rollback.
func (o *Orchestrator) InitiateHandoff(ctx context.Context, fromID, toID string, payload map[string]any) (*Package, error) {
	start := time.Now()

	from, ok := o.Agent(fromID)
	if !ok {
		return nil, types.NewError(types.ErrAgentNotFound, fmt.Sprintf("source agent %q not registered", fromID)).WithAgent(fromID)
	}
	to, ok := o.Agent(toID)
	if !ok {
		return nil, types.NewError(types.ErrAgentNotFound, fmt.Sprintf("target agent %q not registered", toID)).WithAgent(toID)
	}

	// Phase 1: readiness. No side effects yet, so plain errors — nothing to
	// roll back.
	if verdict := o.monitor.Check(ctx, to); !verdict.Admit {
		return nil, types.NewError(types.ErrHandoffRejected,
			fmt.Sprintf("agent %q failed health admission: %s", toID, verdict.Reason)).
			WithAgent(toID).WithRetryable(true)
	}
	if !to.CanAccept(fromID) {
		return nil, types.NewError(types.ErrHandoffRejected,
			fmt.Sprintf("agent %q declined handoff from %q", toID, fromID)).WithAgent(toID)
	}

	o.logger.Info("initiating handoff",
		zap.String("from", fromID),
		zap.String("to", toID))

	// Phase 2: capture source state and build the travel context.
	hctx := NewContext(fromID)
	if deadline, ok := ctx.Deadline(); ok {
		hctx.AddDeadline(deadline, "caller deadline")
	}
	hctx.AddDeadline(time.Now().Add(o.cfg.HandoffTimeout), "handoff timeout")

	var state any
	if preparer, ok := from.(StatePreparer); ok {
		captured, err := preparer.PrepareForHandoff(ctx)
		if err != nil {
			pkg := NewPackage(fromID, toID, nil, hctx, payload)
			return pkg, o.rollback(ctx, pkg, from, to, nil, false,
				types.NewError(types.ErrHandoffRejected, "source agent failed to prepare state").
					WithAgent(fromID).WithCause(err))
		}
		state = captured
	}

	envelope, err := o.serializer.Serialize(state)
	if err != nil {
		pkg := NewPackage(fromID, toID, nil, hctx, payload)
		return pkg, o.rollback(ctx, pkg, from, to, state, false,
			fmt.Errorf("serialize state: %w", err))
	}

	// Phase 3: pre-transfer validation. Error-severity findings abort
	// before any side effect on the target.
	pkg := NewPackage(fromID, toID, envelope, hctx, payload)
	if result := o.validator.Validate(ctx, pkg); !result.OK {
		return pkg, o.rollback(ctx, pkg, from, to, state, false,
			types.NewError(types.ErrHandoffRejected,
				fmt.Sprintf("pre-transfer validation failed: %v", result.Errors())).WithAgent(toID))
	}

	// Phase 4: delivery under the handoff timeout.
	notifyInitiated(from, pkg.ID)

	deliveryCtx, cancel := context.WithTimeout(ctx, o.cfg.HandoffTimeout)
	defer cancel()

	if err := to.AcceptHandoff(deliveryCtx, pkg); err != nil {
		cause := err
		if errors.Is(err, context.DeadlineExceeded) {
			cause = types.NewError(types.ErrTimeout,
				fmt.Sprintf("delivery to agent %q exceeded %v", toID, o.cfg.HandoffTimeout)).
				WithAgent(toID).WithCause(err).WithRetryable(true)
		}
		return pkg, o.rollback(ctx, pkg, from, to, state, true, cause)
	}

	pkg.Context.AppendAgent(toID)
	notifyComplete(from, pkg.ID)
	notifyComplete(to, pkg.ID)

	// Phase 5: confirm and record.
	pkg.Transition(StatusCompleted)
	o.record(ctx, pkg)
	o.collector.RecordHandoff(string(StatusCompleted), time.Since(start))

	o.logger.Info("handoff completed",
		zap.String("package_id", pkg.ID),
		zap.String("from", fromID),
		zap.String("to", toID),
		zap.Duration("duration", time.Since(start)))

	return pkg, nil
}

// rollback restores the source agent, cleans up a partially delivered
// target, releases every ledger resource, and marks the package rolled
// back. It returns the original cause so callers see why the handoff
// failed, annotated with any rollback problems.
func (o *Orchestrator) rollback(ctx context.Context, pkg *Package, from, to Agent, state any, delivered bool, cause error) error {
	o.logger.Warn("rolling back handoff",
		zap.String("package_id", pkg.ID),
		zap.String("from", pkg.FromAgentID),
		zap.String("to", pkg.ToAgentID),
		zap.Error(cause))

	var rollbackErrs []error

	if state != nil {
		if restorer, ok := from.(StateRestorer); ok {
			if err := restorer.RestoreState(ctx, state); err != nil {
				rollbackErrs = append(rollbackErrs, fmt.Errorf("restore source state: %w", err))
			}
		}
	}

	if delivered {
		if cleaner, ok := to.(Cleaner); ok {
			if err := cleaner.Cleanup(ctx); err != nil {
				rollbackErrs = append(rollbackErrs, fmt.Errorf("target cleanup: %w", err))
			}
		}
	}

	if pkg.Context != nil {
		if err := pkg.Context.ReleaseAll(o.cfg.ReleaseResource); err != nil {
			rollbackErrs = append(rollbackErrs, err)
		}
	}

	pkg.Transition(StatusFailed)
	pkg.Transition(StatusRolledBack)
	notifyFailed(from, pkg.ID)

	o.record(ctx, pkg)
	o.collector.RecordHandoff(string(StatusRolledBack), time.Since(pkg.CreatedAt))

	if len(rollbackErrs) > 0 {
		o.logger.Error("rollback completed with errors",
			zap.String("package_id", pkg.ID),
			zap.Errors("rollback_errors", rollbackErrs))
		return fmt.Errorf("handoff failed (rollback errors: %v): %w", rollbackErrs, cause)
	}
	return cause
}

// record appends the package to the bounded history and, when configured,
// the persistent store. Persistence failures are logged, not fatal — the
// handoff outcome already stands.
func (o *Orchestrator) record(ctx context.Context, pkg *Package) {
	o.history.add(pkg)
	if o.store != nil {
		if err := o.store.AppendHandoff(ctx, pkg); err != nil {
			o.logger.Error("failed to persist handoff record",
				zap.String("package_id", pkg.ID),
				zap.Error(err))
		}
	}
}
