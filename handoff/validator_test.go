package handoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func validPackage(t *testing.T, s *StateSerializer) *Package {
	t.Helper()
	env, err := s.Serialize(map[string]any{"k": "v"})
	require.NoError(t, err)
	hctx := NewContext("agent-a")
	return NewPackage("agent-a", "agent-b", env, hctx, map[string]any{"job": "1"})
}

func TestValidator_AllChecksPass(t *testing.T) {
	s := newTestSerializer(t, SerializerConfig{})
	v := NewValidator(zap.NewNop(),
		&IntegrityCheck{Serializer: s},
		&DeadlineCheck{MinHeadroom: time.Second},
		&ResourceCheck{Available: func(string) bool { return true }},
	)

	pkg := validPackage(t, s)
	pkg.Context.AddDeadline(time.Now().Add(time.Hour), "budget")
	pkg.Context.Acquire("lock", "l1")

	result := v.Validate(context.Background(), pkg)
	assert.True(t, result.OK)
	assert.Empty(t, result.Errors())
}

func TestValidator_IntegrityFailure(t *testing.T) {
	s := newTestSerializer(t, SerializerConfig{})
	v := NewValidator(zap.NewNop(), &IntegrityCheck{Serializer: s})

	pkg := validPackage(t, s)
	pkg.Envelope.Data[0] ^= 0xFF

	result := v.Validate(context.Background(), pkg)
	assert.False(t, result.OK)
	require.Len(t, result.Errors(), 1)
	assert.Equal(t, "integrity", result.Errors()[0].Check)
}

func TestValidator_DeadlineHeadroom(t *testing.T) {
	s := newTestSerializer(t, SerializerConfig{})
	v := NewValidator(zap.NewNop(), &DeadlineCheck{MinHeadroom: time.Minute})

	pkg := validPackage(t, s)
	pkg.Context.AddDeadline(time.Now().Add(5*time.Second), "too tight")

	result := v.Validate(context.Background(), pkg)
	assert.False(t, result.OK)

	// No deadlines at all passes: nothing to run out of.
	fresh := validPackage(t, s)
	assert.True(t, v.Validate(context.Background(), fresh).OK)
}

func TestValidator_ResourceAvailability(t *testing.T) {
	s := newTestSerializer(t, SerializerConfig{})
	v := NewValidator(zap.NewNop(), &ResourceCheck{
		Available: func(rt string) bool { return rt != "gpu" },
	})

	pkg := validPackage(t, s)
	pkg.Context.Acquire("gpu", "gpu-0")
	pkg.Context.Acquire("lock", "l1")

	result := v.Validate(context.Background(), pkg)
	assert.False(t, result.OK)
	require.Len(t, result.Errors(), 1)
	assert.Contains(t, result.Errors()[0].Message, "gpu")
}

func TestValidator_WarningsDoNotFail(t *testing.T) {
	s := newTestSerializer(t, SerializerConfig{})
	v := NewValidator(zap.NewNop(), &IntegrityCheck{Serializer: s})

	// Package with no envelope yields a warning finding only.
	pkg := NewPackage("a", "b", nil, NewContext("a"), nil)
	result := v.Validate(context.Background(), pkg)
	assert.True(t, result.OK)
	assert.Len(t, result.Findings, 1)
	assert.Equal(t, SeverityWarning, result.Findings[0].Severity)
}
