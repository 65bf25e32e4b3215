package handoff

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Severity classifies a validation finding. Error-severity findings abort
// the handoff; warnings are logged and pass.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is a single validation result.
type Finding struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Check is a pluggable pre-transfer validation.
type Check interface {
	Name() string
	Check(ctx context.Context, pkg *Package) []Finding
}

// ValidationResult aggregates findings across all checks.
type ValidationResult struct {
	OK       bool      `json:"ok"`
	Findings []Finding `json:"findings,omitempty"`
}

// Errors returns only the error-severity findings.
func (r ValidationResult) Errors() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			out = append(out, f)
		}
	}
	return out
}

// Validator runs an ordered set of checks against a handoff package before
// any side effect reaches the target agent.
type Validator struct {
	checks []Check
	logger *zap.Logger
}

// NewValidator creates a validator with the given checks.
func NewValidator(logger *zap.Logger, checks ...Check) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		checks: checks,
		logger: logger.With(zap.String("component", "handoff_validator")),
	}
}

// AddCheck appends a check to the chain.
func (v *Validator) AddCheck(c Check) {
	v.checks = append(v.checks, c)
}

// Validate runs every check and aggregates pass/fail. All checks run even
// after a failure so the caller sees the complete picture.
func (v *Validator) Validate(ctx context.Context, pkg *Package) ValidationResult {
	result := ValidationResult{OK: true}

	for _, check := range v.checks {
		findings := check.Check(ctx, pkg)
		for _, f := range findings {
			if f.Severity == SeverityError {
				result.OK = false
				v.logger.Warn("validation check failed",
					zap.String("check", f.Check),
					zap.String("package_id", pkg.ID),
					zap.String("message", f.Message))
			}
		}
		result.Findings = append(result.Findings, findings...)
	}

	return result
}

// IntegrityCheck recomputes the envelope checksum.
type IntegrityCheck struct {
	Serializer *StateSerializer
}

func (c *IntegrityCheck) Name() string { return "integrity" }

func (c *IntegrityCheck) Check(_ context.Context, pkg *Package) []Finding {
	if pkg.Envelope == nil {
		return []Finding{{Check: c.Name(), Severity: SeverityWarning, Message: "package carries no state envelope"}}
	}
	if err := c.Serializer.Verify(pkg.Envelope); err != nil {
		return []Finding{{Check: c.Name(), Severity: SeverityError, Message: err.Error()}}
	}
	return nil
}

// DeadlineCheck requires the nearest deadline to leave at least MinHeadroom.
type DeadlineCheck struct {
	MinHeadroom time.Duration
}

func (c *DeadlineCheck) Name() string { return "deadline" }

func (c *DeadlineCheck) Check(_ context.Context, pkg *Package) []Finding {
	if pkg.Context == nil {
		return nil
	}
	headroom, ok := pkg.Context.Headroom(time.Now())
	if !ok {
		return nil
	}
	if headroom < c.MinHeadroom {
		return []Finding{{
			Check:    c.Name(),
			Severity: SeverityError,
			Message:  fmt.Sprintf("deadline headroom %v below required minimum %v", headroom, c.MinHeadroom),
		}}
	}
	return nil
}

// ResourceCheck verifies every resource type recorded in the ledger is
// still available according to the injected prober.
type ResourceCheck struct {
	Available func(resourceType string) bool
}

func (c *ResourceCheck) Name() string { return "resources" }

func (c *ResourceCheck) Check(_ context.Context, pkg *Package) []Finding {
	if pkg.Context == nil || c.Available == nil {
		return nil
	}
	var findings []Finding
	for _, rt := range pkg.Context.ResourceTypes() {
		if !c.Available(rt) {
			findings = append(findings, Finding{
				Check:    c.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("resource type %q not available", rt),
			})
		}
	}
	return findings
}
