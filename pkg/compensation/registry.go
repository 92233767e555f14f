// Package compensation attempts to reverse a failed tool's effects and
// escalates unresolved rollbacks to tracked incidents.
package compensation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/milaidy/autonomy-kernel/pkg/contracts"
)

// Func reverses one tool's side effects. The returned detail is surfaced in
// the audit log; an error marks the compensation as failed.
type Func func(ctx context.Context, cc contracts.CompensationContext) (string, error)

type registration struct {
	fn       Func
	manual   bool
	guidance string
}

// Registry is a typed map from tool name to compensation strategy. Absence
// of a registration is a distinct outcome from a registered compensation
// that ran and failed.
type Registry struct {
	mu     sync.RWMutex
	byTool map[string]registration
	logger *slog.Logger
}

// NewRegistry creates an empty compensation registry.
func NewRegistry() *Registry {
	return &Registry{
		byTool: make(map[string]registration),
		logger: slog.Default().With("component", "compensation"),
	}
}

// Register installs an automatic compensation function for a tool.
func (r *Registry) Register(tool string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTool[tool] = registration{fn: fn}
}

// RegisterManual installs an advisory-only fallback: the tool cannot be
// rolled back automatically, but operators get guidance text.
func (r *Registry) RegisterManual(tool, guidance string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTool[tool] = registration{manual: true, guidance: guidance}
}

// Has reports whether any compensation (automatic or manual) is registered.
func (r *Registry) Has(tool string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byTool[tool]
	return ok
}

// Compensate looks up and invokes the tool's compensation function.
// No registration reports Attempted=false; a manual-only registration
// reports Attempted=true, Success=false with the guidance text.
func (r *Registry) Compensate(ctx context.Context, cc contracts.CompensationContext) contracts.CompensationResult {
	r.mu.RLock()
	reg, ok := r.byTool[cc.ToolName]
	r.mu.RUnlock()

	if !ok {
		return contracts.CompensationResult{Attempted: false, Detail: fmt.Sprintf("no compensation registered for %s", cc.ToolName)}
	}
	if reg.manual {
		return contracts.CompensationResult{Attempted: true, Success: false, Detail: reg.guidance}
	}

	detail, err := r.run(ctx, reg.fn, cc)
	if err != nil {
		r.logger.Warn("compensation failed", "tool", cc.ToolName, "request_id", cc.RequestID, "error", err)
		return contracts.CompensationResult{Attempted: true, Success: false, Detail: err.Error()}
	}
	r.logger.Info("compensation succeeded", "tool", cc.ToolName, "request_id", cc.RequestID)
	return contracts.CompensationResult{Attempted: true, Success: true, Detail: detail}
}

// run contains the panic barrier; a panicking compensation is a failed
// compensation, not a crashed kernel.
func (r *Registry) run(ctx context.Context, fn Func, cc contracts.CompensationContext) (detail string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("compensation panicked: %v", rec)
		}
	}()
	return fn(ctx, cc)
}
