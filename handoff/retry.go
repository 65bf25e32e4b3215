package handoff

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flowrelay/flowrelay/internal/metrics"
	"github.com/flowrelay/flowrelay/types"
)

// RetryConfig configures the fallback retry strategy.
type RetryConfig struct {
	// MaxRetries is the number of attempts made against each agent before
	// moving to the next one in the chain.
	MaxRetries int
	// BackoffBase is the delay before the second attempt; each subsequent
	// attempt doubles it.
	BackoffBase time.Duration
	// BackoffMax caps the backoff delay.
	BackoffMax time.Duration
}

// DefaultRetryConfig returns the default retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  30 * time.Second,
	}
}

// RetryStrategy wraps the handoff orchestrator with ordered fallback-agent
// attempts, bounded per-agent retries, and exponential backoff, consulting
// the circuit breaker before every attempt.
type RetryStrategy struct {
	cfg       RetryConfig
	breakers  *CircuitBreakerRegistry
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewRetryStrategy creates a retry strategy backed by the given breaker
// registry.
func NewRetryStrategy(cfg RetryConfig, breakers *CircuitBreakerRegistry, logger *zap.Logger) *RetryStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	return &RetryStrategy{
		cfg:      cfg,
		breakers: breakers,
		logger:   logger.With(zap.String("component", "retry_strategy")),
	}
}

// SetCollector attaches a metrics collector.
func (s *RetryStrategy) SetCollector(c *metrics.Collector) {
	s.collector = c
}

// Breakers exposes the breaker registry shared with callers.
func (s *RetryStrategy) Breakers() *CircuitBreakerRegistry {
	return s.breakers
}

// ExecuteWithFallback attempts the handoff against the primary agent and
// then each fallback in order. The first success wins; agents whose
// circuit is open are skipped without any call reaching them. When every
// agent is exhausted or skipped, the aggregate error references the last
// failure and the caller is responsible for dead-lettering.
func (s *RetryStrategy) ExecuteWithFallback(
	ctx context.Context,
	orch *Orchestrator,
	fromID string,
	payload map[string]any,
	primary string,
	fallbacks ...string,
) (*Package, error) {
	agents := append([]string{primary}, fallbacks...)

	var lastErr error
	exhausted := make([]string, 0, len(agents))

	for _, agentID := range agents {
		breaker := s.breakers.GetOrCreate(agentID)

		if allowed, err := breaker.AllowRequest(); !allowed {
			s.logger.Info("skipping agent, circuit open",
				zap.String("agent_id", agentID))
			lastErr = err
			exhausted = append(exhausted, agentID+" (circuit open)")
			continue
		}

		pkg, err := s.attemptAgent(ctx, orch, breaker, fromID, agentID, payload)
		if err == nil {
			return pkg, nil
		}
		lastErr = err
		exhausted = append(exhausted, agentID)

		// Corruption is terminal: never retried, never shopped to a
		// fallback.
		if types.IsCode(err, types.ErrChecksumMismatch) {
			return nil, err
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, types.NewError(types.ErrHandoffRejected,
		fmt.Sprintf("all agents exhausted %v", exhausted)).WithCause(lastErr)
}

// attemptAgent runs up to MaxRetries attempts against one agent with
// exponential backoff, recording each outcome to the circuit breaker.
// Cancellation is checked between attempts, not only at the start.
func (s *RetryStrategy) attemptAgent(
	ctx context.Context,
	orch *Orchestrator,
	breaker *CircuitBreaker,
	fromID, agentID string,
	payload map[string]any,
) (*Package, error) {
	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := s.backoff(attempt)
			s.logger.Debug("retrying handoff",
				zap.String("agent_id", agentID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}

			// The circuit may have opened while we were sleeping.
			if allowed, err := breaker.AllowRequest(); !allowed {
				return nil, err
			}

			s.collector.RecordHandoffRetry(agentID)
		}

		pkg, err := orch.InitiateHandoff(ctx, fromID, agentID, payload)
		if err == nil {
			breaker.RecordSuccess()
			return pkg, nil
		}

		breaker.RecordFailure()
		lastErr = err

		if types.IsCode(err, types.ErrChecksumMismatch) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("agent %s exhausted after %d attempts: %w", agentID, s.cfg.MaxRetries, lastErr)
}

func (s *RetryStrategy) backoff(attempt int) time.Duration {
	delay := s.cfg.BackoffBase << (attempt - 2)
	if delay > s.cfg.BackoffMax || delay <= 0 {
		delay = s.cfg.BackoffMax
	}
	return delay
}
