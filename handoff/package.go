package handoff

import (
	"time"

	"github.com/google/uuid"
)

// PackageStatus represents the lifecycle status of a handoff package.
type PackageStatus string

const (
	StatusInProgress   PackageStatus = "in_progress"
	StatusCompleted    PackageStatus = "completed"
	StatusFailed       PackageStatus = "failed"
	StatusRolledBack   PackageStatus = "rolled_back"
	StatusDeadLettered PackageStatus = "dead_lettered"
)

// allowedTransitions encodes the one-directional package lifecycle.
// COMPLETED is terminal; FAILED leads to ROLLED_BACK or DEAD_LETTERED.
var allowedTransitions = map[PackageStatus][]PackageStatus{
	StatusInProgress: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusRolledBack, StatusDeadLettered},
}

// Package is the unit transferred between two agents: the serialized state
// envelope, the handoff context, and the step payload.
type Package struct {
	ID          string         `json:"id"`
	FromAgentID string         `json:"from_agent_id"`
	ToAgentID   string         `json:"to_agent_id"`
	Envelope    *Envelope      `json:"envelope,omitempty"`
	Context     *Context       `json:"context"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      PackageStatus  `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// NewPackage creates an in-progress handoff package.
func NewPackage(fromAgentID, toAgentID string, envelope *Envelope, hctx *Context, payload map[string]any) *Package {
	return &Package{
		ID:          uuid.NewString(),
		FromAgentID: fromAgentID,
		ToAgentID:   toAgentID,
		Envelope:    envelope,
		Context:     hctx,
		Payload:     payload,
		Status:      StatusInProgress,
		CreatedAt:   time.Now(),
	}
}

// Transition moves the package to a new status. Illegal transitions are
// ignored and reported false so a terminal package can never be reopened.
func (p *Package) Transition(to PackageStatus) bool {
	for _, next := range allowedTransitions[p.Status] {
		if next == to {
			p.Status = to
			if to == StatusCompleted || to == StatusRolledBack || to == StatusDeadLettered {
				now := time.Now()
				p.CompletedAt = &now
			}
			return true
		}
	}
	return false
}

// Terminal reports whether the package reached a terminal status.
func (p *Package) Terminal() bool {
	switch p.Status {
	case StatusCompleted, StatusRolledBack, StatusDeadLettered:
		return true
	}
	return false
}
