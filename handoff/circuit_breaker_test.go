package handoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowrelay/flowrelay/types"
)

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:           3,
		RecoveryTimeout:            50 * time.Millisecond,
		HalfOpenMaxProbes:          2,
		SuccessThresholdInHalfOpen: 2,
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("worker-1", testBreakerConfig(), nil, zap.NewNop())

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		allowed, _ := cb.AllowRequest()
		assert.True(t, allowed, "breaker must stay closed below the threshold")
	}

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	allowed, err := cb.AllowRequest()
	assert.False(t, allowed)
	assert.True(t, types.IsCode(err, types.ErrCircuitOpen))
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("worker-1", testBreakerConfig(), nil, zap.NewNop())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker("worker-1", testBreakerConfig(), nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.State())

	time.Sleep(60 * time.Millisecond)

	allowed, err := cb.AllowRequest()
	require.NoError(t, err)
	require.True(t, allowed)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_FailureInHalfOpenReopens(t *testing.T) {
	cb := NewCircuitBreaker("worker-1", testBreakerConfig(), nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	allowed, _ := cb.AllowRequest()
	require.True(t, allowed)

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreakerRegistry_GetOrCreate(t *testing.T) {
	r := NewCircuitBreakerRegistry(testBreakerConfig(), nil, zap.NewNop())

	a := r.GetOrCreate("agent-a")
	b := r.GetOrCreate("agent-b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, r.GetOrCreate("agent-a"))

	a.RecordFailure()
	a.RecordFailure()
	a.RecordFailure()

	states := r.States()
	assert.Equal(t, CircuitOpen, states["agent-a"])
	assert.Equal(t, CircuitClosed, states["agent-b"])

	r.ResetAll()
	assert.Equal(t, CircuitClosed, r.GetOrCreate("agent-a").State())
}
