package handoff

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Deadline is an absolute point in time the handoff must respect.
type Deadline struct {
	At          time.Time `json:"at"`
	Description string    `json:"description"`
}

// Context captures execution metadata that travels with a handoff: the
// session, the audit trail of agents visited, acquired resources (released
// on rollback), and deadlines.
type Context struct {
	SessionID string              `json:"session_id"`
	Chain     []string            `json:"chain"`
	Ledger    map[string][]string `json:"ledger,omitempty"`
	Deadlines []Deadline          `json:"deadlines,omitempty"`

	mu sync.Mutex
}

// NewContext creates a handoff context with a fresh session id, seeding the
// chain with the originating agent.
func NewContext(fromAgentID string) *Context {
	return &Context{
		SessionID: uuid.NewString(),
		Chain:     []string{fromAgentID},
		Ledger:    make(map[string][]string),
	}
}

// AppendAgent records a visited agent. The chain is append-only.
func (c *Context) AppendAgent(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Chain = append(c.Chain, agentID)
}

// ChainCopy returns a snapshot of the handoff chain.
func (c *Context) ChainCopy() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.Chain))
	copy(out, c.Chain)
	return out
}

// Acquire records an acquired resource in the ledger.
func (c *Context) Acquire(resourceType, resourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Ledger == nil {
		c.Ledger = make(map[string][]string)
	}
	c.Ledger[resourceType] = append(c.Ledger[resourceType], resourceID)
}

// ResourceTypes returns the resource types currently held in the ledger.
func (c *Context) ResourceTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.Ledger))
	for rt := range c.Ledger {
		out = append(out, rt)
	}
	return out
}

// ReleaseAll releases every resource recorded in the ledger through the
// given release function and clears the ledger. Release errors are
// collected; releasing continues past individual failures so a single bad
// resource cannot leak the rest.
func (c *Context) ReleaseAll(release func(resourceType, resourceID string) error) error {
	c.mu.Lock()
	ledger := c.Ledger
	c.Ledger = make(map[string][]string)
	c.mu.Unlock()

	if release == nil {
		return nil
	}

	var failed []string
	for resourceType, ids := range ledger {
		for _, id := range ids {
			if err := release(resourceType, id); err != nil {
				failed = append(failed, fmt.Sprintf("%s/%s: %v", resourceType, id, err))
			}
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("release resources: %v", failed)
	}
	return nil
}

// AddDeadline appends an absolute deadline with a description.
func (c *Context) AddDeadline(at time.Time, description string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Deadlines = append(c.Deadlines, Deadline{At: at, Description: description})
}

// Headroom returns the time remaining until the nearest deadline. The
// second return is false when no deadlines are set.
func (c *Context) Headroom(now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Deadlines) == 0 {
		return 0, false
	}
	nearest := c.Deadlines[0].At
	for _, d := range c.Deadlines[1:] {
		if d.At.Before(nearest) {
			nearest = d.At
		}
	}
	return nearest.Sub(now), true
}
