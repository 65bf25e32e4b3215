// Package workflow implements the step-graph execution engine: validated,
// immutable workflow definitions walked by a per-invocation executor with
// sequential, parallel, conditional, and loop control flow, per-step retry
// and timeout enforcement, and scheduled execution.
//
// The orchestrator is the entry point: it registers definitions (versioned,
// never mutated in place), executes them ad hoc or on a schedule, and keeps
// a bounded history of execution results. Steps that target a different
// agent than the previous step transfer state through the handoff package
// before running.
package workflow
