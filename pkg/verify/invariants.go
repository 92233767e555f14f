package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/milaidy/autonomy-kernel/pkg/contracts"
)

// InvariantChecker runs cross-system invariants after verification. It is
// fail-closed: an invariant that cannot complete (error, timeout, panic,
// CEL evaluation failure) is treated as a critical violation, never ignored.
type InvariantChecker struct {
	checks  []registeredCheck
	env     *cel.Env
	timeout time.Duration
}

// CheckerOption configures an InvariantChecker.
type CheckerOption func(*InvariantChecker)

// WithInvariantTimeout bounds each invariant's run time.
func WithInvariantTimeout(d time.Duration) CheckerOption {
	return func(c *InvariantChecker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewInvariantChecker creates a checker with a CEL environment exposing the
// executed call (tool, params, result) and the kernel state snapshot.
func NewInvariantChecker(opts ...CheckerOption) (*InvariantChecker, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("params", cel.DynType),
		cel.Variable("result", cel.DynType),
		cel.Variable("state", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("verify: cel environment: %w", err)
	}
	c := &InvariantChecker{env: env, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Register adds a programmatic invariant. Severity grades a plain false
// outcome; failures to complete are always critical.
func (c *InvariantChecker) Register(name string, severity contracts.Severity, fn CheckFunc) {
	c.checks = append(c.checks, registeredCheck{
		name:     name,
		severity: severity,
		fn:       fn,
		applies:  func(string) bool { return true },
	})
}

// RegisterCEL compiles a CEL expression into an invariant. The expression
// must produce a bool; anything else at evaluation time is a critical
// violation.
func (c *InvariantChecker) RegisterCEL(name, expression string, severity contracts.Severity) error {
	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("verify: invariant %q compile failed: %w", name, issues.Err())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return fmt.Errorf("verify: invariant %q program failed: %w", name, err)
	}

	fn := func(_ context.Context, cc CheckContext) (bool, string, error) {
		input := map[string]any{
			"tool":   cc.ToolName,
			"params": nonNilMap(cc.Params),
			"result": cc.Result,
			"state":  nonNilMap(cc.State),
		}
		out, _, err := prg.Eval(input)
		if err != nil {
			return false, "", fmt.Errorf("cel evaluation failed: %w", err)
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return false, "", fmt.Errorf("cel expression did not produce a bool")
		}
		if !ok {
			return false, fmt.Sprintf("invariant %s violated", name), nil
		}
		return true, "", nil
	}

	c.checks = append(c.checks, registeredCheck{
		name:     name,
		severity: severity,
		fn:       fn,
		applies:  func(string) bool { return true },
	})
	return nil
}

// Run evaluates all invariants fail-closed.
func (c *InvariantChecker) Run(ctx context.Context, cc CheckContext) *contracts.VerificationReport {
	return runChecks(ctx, cc, c.checks, c.timeout, true)
}

// Size returns the number of registered invariants.
func (c *InvariantChecker) Size() int {
	return len(c.checks)
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
