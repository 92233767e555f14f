// Package verify runs registered post-condition checks and cross-system
// invariants against a tool's result and environment after execution. The
// aggregate report's critical-failure flag is what the pipeline uses to
// decide whether to stop and compensate.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/milaidy/autonomy-kernel/pkg/contracts"
)

// CheckContext is the environment a check inspects.
type CheckContext struct {
	ToolName  string
	Params    map[string]any
	Result    any
	RequestID string
	State     map[string]any // kernel-supplied environment snapshot
}

// CheckFunc evaluates one condition. A false return with a nil error is a
// plain check failure; an error return means the check could not complete.
type CheckFunc func(ctx context.Context, cc CheckContext) (bool, string, error)

type registeredCheck struct {
	name     string
	severity contracts.Severity
	fn       CheckFunc
	applies  func(toolName string) bool
}

// Verifier runs post-condition checks. Checks registered for a specific tool
// run only for that tool; global checks run for every execution.
type Verifier struct {
	checks  []registeredCheck
	timeout time.Duration
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithCheckTimeout bounds each individual check's run time.
func WithCheckTimeout(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// NewVerifier creates an empty post-condition verifier.
func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Register adds a global check that runs for every tool.
func (v *Verifier) Register(name string, severity contracts.Severity, fn CheckFunc) {
	v.checks = append(v.checks, registeredCheck{
		name:     name,
		severity: severity,
		fn:       fn,
		applies:  func(string) bool { return true },
	})
}

// RegisterForTool adds a check scoped to one tool.
func (v *Verifier) RegisterForTool(tool, name string, severity contracts.Severity, fn CheckFunc) {
	v.checks = append(v.checks, registeredCheck{
		name:     name,
		severity: severity,
		fn:       fn,
		applies:  func(t string) bool { return t == tool },
	})
}

// Run executes all applicable checks and aggregates the report. Check
// errors and timeouts fail with the check's registered severity; causes are
// preserved for observability.
func (v *Verifier) Run(ctx context.Context, cc CheckContext) *contracts.VerificationReport {
	return runChecks(ctx, cc, v.checks, v.timeout, false)
}

// runChecks is shared between the verifier and the invariant checker. When
// failClosed is set, a check that cannot complete is escalated to critical
// regardless of its registered severity.
func runChecks(ctx context.Context, cc CheckContext, checks []registeredCheck, timeout time.Duration, failClosed bool) *contracts.VerificationReport {
	report := &contracts.VerificationReport{Status: contracts.VerificationPassed}

	for _, c := range checks {
		if !c.applies(cc.ToolName) {
			continue
		}
		result := runOne(ctx, cc, c, timeout, failClosed)
		report.Checks = append(report.Checks, result)
		if result.Passed {
			continue
		}
		report.Status = contracts.VerificationFailed
		switch result.Severity {
		case contracts.SeverityCritical:
			report.CriticalCount++
		case contracts.SeverityWarning:
			report.WarningCount++
		default:
			report.InfoCount++
		}
	}
	return report
}

func runOne(ctx context.Context, cc CheckContext, c registeredCheck, timeout time.Duration, failClosed bool) (result contracts.CheckResult) {
	result = contracts.CheckResult{Name: c.name, Severity: c.severity}

	defer func() {
		if r := recover(); r != nil {
			result.Passed = false
			result.Cause = contracts.CauseError
			result.Detail = fmt.Sprintf("check panicked: %v", r)
			if failClosed {
				result.Severity = contracts.SeverityCritical
			}
		}
	}()

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		ok     bool
		detail string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("check panicked: %v", r)}
			}
		}()
		ok, detail, err := c.fn(checkCtx, cc)
		done <- outcome{ok: ok, detail: detail, err: err}
	}()

	select {
	case out := <-done:
		switch {
		case out.err != nil:
			result.Passed = false
			result.Cause = contracts.CauseError
			result.Detail = out.err.Error()
			if failClosed {
				result.Severity = contracts.SeverityCritical
			}
		case out.ok:
			result.Passed = true
			result.Detail = out.detail
		default:
			result.Passed = false
			result.Cause = contracts.CauseCheck
			result.Detail = out.detail
		}
	case <-checkCtx.Done():
		result.Passed = false
		result.Cause = contracts.CauseTimeout
		result.Detail = fmt.Sprintf("check exceeded %s", timeout)
		if failClosed {
			result.Severity = contracts.SeverityCritical
		}
	}
	return result
}
