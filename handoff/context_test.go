package handoff

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_ChainIsAppendOnly(t *testing.T) {
	hctx := NewContext("agent-a")
	assert.NotEmpty(t, hctx.SessionID)
	assert.Equal(t, []string{"agent-a"}, hctx.ChainCopy())

	hctx.AppendAgent("agent-b")
	hctx.AppendAgent("agent-c")
	assert.Equal(t, []string{"agent-a", "agent-b", "agent-c"}, hctx.ChainCopy())

	// Mutating the copy must not affect the context's own chain.
	chain := hctx.ChainCopy()
	chain[0] = "tampered"
	assert.Equal(t, []string{"agent-a", "agent-b", "agent-c"}, hctx.ChainCopy())
}

func TestContext_ReleaseAll(t *testing.T) {
	hctx := NewContext("agent-a")
	hctx.Acquire("lock", "lock-1")
	hctx.Acquire("lock", "lock-2")
	hctx.Acquire("file", "tmp-1")

	var released []string
	err := hctx.ReleaseAll(func(resourceType, resourceID string) error {
		released = append(released, resourceType+"/"+resourceID)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, released, 3)
	assert.Contains(t, released, "lock/lock-1")
	assert.Contains(t, released, "file/tmp-1")

	// Ledger is cleared; a second release does nothing.
	released = released[:0]
	require.NoError(t, hctx.ReleaseAll(func(rt, id string) error {
		released = append(released, rt+"/"+id)
		return nil
	}))
	assert.Empty(t, released)
}

func TestContext_ReleaseAllContinuesPastFailures(t *testing.T) {
	hctx := NewContext("agent-a")
	hctx.Acquire("lock", "bad")
	hctx.Acquire("lock", "good")

	var released []string
	err := hctx.ReleaseAll(func(resourceType, resourceID string) error {
		if resourceID == "bad" {
			return errors.New("release failed")
		}
		released = append(released, resourceID)
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, []string{"good"}, released)
}

func TestContext_Headroom(t *testing.T) {
	hctx := NewContext("agent-a")

	_, ok := hctx.Headroom(time.Now())
	assert.False(t, ok)

	now := time.Now()
	hctx.AddDeadline(now.Add(10*time.Minute), "overall budget")
	hctx.AddDeadline(now.Add(2*time.Minute), "step timeout")

	headroom, ok := hctx.Headroom(now)
	require.True(t, ok)
	assert.InDelta(t, (2 * time.Minute).Seconds(), headroom.Seconds(), 1)
}
