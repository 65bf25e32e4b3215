package handoff

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowrelay/flowrelay/types"
)

// CircuitState is the state of a per-agent circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows attempts through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects all attempts.
	CircuitOpen
	// CircuitHalfOpen allows a bounded number of probe attempts.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures breaker thresholds.
type CircuitBreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive failures.
	FailureThreshold int `json:"failure_threshold"`
	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration `json:"recovery_timeout"`
	// HalfOpenMaxProbes bounds probe attempts while half-open.
	HalfOpenMaxProbes int `json:"half_open_max_probes"`
	// SuccessThresholdInHalfOpen closes the circuit after this many
	// consecutive half-open successes.
	SuccessThresholdInHalfOpen int `json:"success_threshold_in_half_open"`
}

// DefaultCircuitBreakerConfig returns the default breaker thresholds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:           5,
		RecoveryTimeout:            30 * time.Second,
		HalfOpenMaxProbes:          3,
		SuccessThresholdInHalfOpen: 2,
	}
}

// CircuitBreakerEvent describes a breaker state transition.
type CircuitBreakerEvent struct {
	AgentID   string       `json:"agent_id"`
	OldState  CircuitState `json:"old_state"`
	NewState  CircuitState `json:"new_state"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason"`
	Failures  int          `json:"failures"`
}

// CircuitBreakerEventHandler receives breaker state-change events.
type CircuitBreakerEventHandler interface {
	OnStateChange(event CircuitBreakerEvent)
}

// CircuitBreaker gates handoff attempts to a single agent based on its
// recent failure history.
type CircuitBreaker struct {
	agentID        string
	config         CircuitBreakerConfig
	state          CircuitState
	failures       int
	successes      int
	lastFailure    time.Time
	lastTransition time.Time
	probeCount     int
	eventHandler   CircuitBreakerEventHandler
	logger         *zap.Logger
	mu             sync.RWMutex
}

// NewCircuitBreaker creates a breaker for one agent.
func NewCircuitBreaker(
	agentID string,
	config CircuitBreakerConfig,
	eventHandler CircuitBreakerEventHandler,
	logger *zap.Logger,
) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		agentID:        agentID,
		config:         config,
		state:          CircuitClosed,
		lastTransition: time.Now(),
		eventHandler:   eventHandler,
		logger:         logger.With(zap.String("agent_id", agentID)),
	}
}

// AllowRequest reports whether an attempt may currently be made. When the
// answer is no, the returned error carries the CIRCUIT_OPEN code.
func (cb *CircuitBreaker) AllowRequest() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true, nil

	case CircuitOpen:
		if time.Since(cb.lastFailure) >= cb.config.RecoveryTimeout {
			cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			cb.probeCount = 0
			cb.successes = 0
			return true, nil
		}
		return false, types.NewError(types.ErrCircuitOpen,
			fmt.Sprintf("circuit open for agent %s: %d consecutive failures, retry after %v",
				cb.agentID, cb.failures, cb.config.RecoveryTimeout-time.Since(cb.lastFailure))).WithAgent(cb.agentID)

	case CircuitHalfOpen:
		if cb.probeCount < cb.config.HalfOpenMaxProbes {
			cb.probeCount++
			return true, nil
		}
		return false, types.NewError(types.ErrCircuitOpen,
			fmt.Sprintf("circuit half-open for agent %s: max probes (%d) reached",
				cb.agentID, cb.config.HalfOpenMaxProbes)).WithAgent(cb.agentID)

	default:
		return false, fmt.Errorf("unknown circuit state: %d", cb.state)
	}
}

// RecordSuccess records a successful attempt.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0

	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThresholdInHalfOpen {
			cb.transitionTo(CircuitClosed, fmt.Sprintf("%d consecutive successes in half-open", cb.successes))
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure records a failed attempt.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
		}

	case CircuitHalfOpen:
		// Any failure while half-open reopens the circuit.
		cb.successes = 0
		cb.transitionTo(CircuitOpen, "failure in half-open state")
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// LastTransition returns when the breaker last changed state.
func (cb *CircuitBreaker) LastTransition() time.Time {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.lastTransition
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	oldState := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.probeCount = 0
	cb.lastTransition = time.Now()
	if oldState != CircuitClosed {
		cb.emitEvent(oldState, CircuitClosed, "manual reset")
	}
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState
	cb.lastTransition = time.Now()

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	cb.emitEvent(oldState, newState, reason)
}

// emitEvent must be called with the lock held; delivery is asynchronous to
// avoid deadlocks with handlers that call back into the breaker.
func (cb *CircuitBreaker) emitEvent(oldState, newState CircuitState, reason string) {
	if cb.eventHandler != nil {
		event := CircuitBreakerEvent{
			AgentID:   cb.agentID,
			OldState:  oldState,
			NewState:  newState,
			Timestamp: time.Now(),
			Reason:    reason,
			Failures:  cb.failures,
		}
		go cb.eventHandler.OnStateChange(event)
	}
}

// CircuitBreakerRegistry manages one breaker per agent id.
type CircuitBreakerRegistry struct {
	breakers     map[string]*CircuitBreaker
	config       CircuitBreakerConfig
	eventHandler CircuitBreakerEventHandler
	logger       *zap.Logger
	mu           sync.RWMutex
}

// NewCircuitBreakerRegistry creates a breaker registry.
func NewCircuitBreakerRegistry(
	config CircuitBreakerConfig,
	eventHandler CircuitBreakerEventHandler,
	logger *zap.Logger,
) *CircuitBreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreakerRegistry{
		breakers:     make(map[string]*CircuitBreaker),
		config:       config,
		eventHandler: eventHandler,
		logger:       logger,
	}
}

// GetOrCreate returns the breaker for an agent, creating it on first use.
func (r *CircuitBreakerRegistry) GetOrCreate(agentID string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[agentID]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agentID]; ok {
		return cb
	}

	cb := NewCircuitBreaker(agentID, r.config, r.eventHandler, r.logger)
	r.breakers[agentID] = cb
	return cb
}

// States returns the current state of every breaker.
func (r *CircuitBreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]CircuitState, len(r.breakers))
	for id, cb := range r.breakers {
		states[id] = cb.State()
	}
	return states
}

// ResetAll closes every breaker.
func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
