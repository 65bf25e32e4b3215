// Package types defines the shared error taxonomy used across the
// orchestration core. Every component reports failures through the
// structured Error type so callers can branch on ErrorCode instead of
// string matching.
package types
