// Package handoff implements the agent handoff protocol: transferring
// execution state and context from one worker agent to another with
// integrity checks, pre-transfer validation, health admission, bounded
// retries with fallback agents, circuit breaking, rollback, and
// dead-lettering of transfers that exhaust every recovery path.
//
// Agents are external collaborators. The protocol sees them only through
// the capability surface in agent.go: AcceptHandoff and CanAccept are
// mandatory, everything else degrades to a no-op when an agent does not
// implement the optional interface.
package handoff
