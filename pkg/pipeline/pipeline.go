// Package pipeline orchestrates one tool execution end to end: validation,
// authorization, execution, verification, invariants, compensation, and the
// final decision record. Every stage appends to the audit log and drives the
// kernel state machine in lock-step.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/milaidy/autonomy-kernel/pkg/approval"
	"github.com/milaidy/autonomy-kernel/pkg/compensation"
	"github.com/milaidy/autonomy-kernel/pkg/contracts"
	"github.com/milaidy/autonomy-kernel/pkg/eventlog"
	"github.com/milaidy/autonomy-kernel/pkg/kernel"
	"github.com/milaidy/autonomy-kernel/pkg/observability"
	"github.com/milaidy/autonomy-kernel/pkg/registry"
	"github.com/milaidy/autonomy-kernel/pkg/verify"
)

// ErrSafeMode is returned when a non-read-only call arrives while the kernel
// is in safe mode.
var ErrSafeMode = errors.New("pipeline: kernel is in safe mode")

// Handler executes the validated tool call. It runs only after authorization.
type Handler func(ctx context.Context, tool string, params map[string]any, requestID string) (any, error)

// EventSink is the audit log port. Both the volatile event log and the
// durable stores satisfy it.
type EventSink interface {
	Append(ctx context.Context, requestID string, typ contracts.EventType, payload map[string]any, correlationID string) (*contracts.ExecutionEvent, error)
}

// memorySink adapts the volatile event log to the EventSink port.
type memorySink struct {
	store *eventlog.Store
}

func (s memorySink) Append(_ context.Context, requestID string, typ contracts.EventType, payload map[string]any, correlationID string) (*contracts.ExecutionEvent, error) {
	return s.store.Append(requestID, typ, payload, correlationID)
}

// MemorySink wraps the volatile event log as an EventSink.
func MemorySink(store *eventlog.Store) EventSink {
	return memorySink{store: store}
}

// DecisionObserver receives the final decision summary of every execution.
type DecisionObserver interface {
	DecisionLogged(result *contracts.PipelineResult)
}

// NopDecisionObserver drops all decision notifications.
type NopDecisionObserver struct{}

func (NopDecisionObserver) DecisionLogged(*contracts.PipelineResult) {}

// Pipeline runs proposed tool calls through the full governance sequence.
type Pipeline struct {
	registry      *registry.Registry
	gate          *approval.Gate
	machine       *kernel.StateMachine
	events        EventSink
	verifier      *verify.Verifier
	invariants    *verify.InvariantChecker
	compensations *compensation.Registry
	incidents     *compensation.IncidentManager
	slots         kernel.SlotLimiter
	observer      DecisionObserver
	provider      *observability.Provider
	logger        *slog.Logger
	clock         func() time.Time

	autoApproveReadOnly bool
	trustedSources      map[contracts.Source]bool
	executionTimeout    time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithVerifier installs post-condition checks.
func WithVerifier(v *verify.Verifier) Option {
	return func(p *Pipeline) { p.verifier = v }
}

// WithInvariantChecker installs cross-system invariants. Without one the
// invariant stage is skipped entirely.
func WithInvariantChecker(c *verify.InvariantChecker) Option {
	return func(p *Pipeline) { p.invariants = c }
}

// WithCompensation installs the rollback registry and incident manager used
// after critical failures.
func WithCompensation(r *compensation.Registry, im *compensation.IncidentManager) Option {
	return func(p *Pipeline) {
		p.compensations = r
		p.incidents = im
	}
}

// WithSlotLimiter bounds concurrent executions. Default is one slot, fully
// sequential.
func WithSlotLimiter(l kernel.SlotLimiter) Option {
	return func(p *Pipeline) { p.slots = l }
}

// WithAutoApproveReadOnly lets read-only calls skip the approval gate.
func WithAutoApproveReadOnly(enabled bool) Option {
	return func(p *Pipeline) { p.autoApproveReadOnly = enabled }
}

// WithTrustedSources auto-approves calls from the listed sources.
func WithTrustedSources(sources ...contracts.Source) Option {
	return func(p *Pipeline) {
		for _, s := range sources {
			p.trustedSources[s] = true
		}
	}
}

// WithDecisionObserver sets the decision summary observer.
func WithDecisionObserver(o DecisionObserver) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithObservability attaches tracing and pipeline metrics.
func WithObservability(provider *observability.Provider) Option {
	return func(p *Pipeline) { p.provider = provider }
}

// WithExecutionTimeout bounds the handler invocation.
func WithExecutionTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.executionTimeout = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) { p.clock = clock }
}

// New assembles a pipeline over the given registry, approval gate, state
// machine, and audit log.
func New(reg *registry.Registry, gate *approval.Gate, machine *kernel.StateMachine, events EventSink, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry:         reg,
		gate:             gate,
		machine:          machine,
		events:           events,
		slots:            kernel.NewLocalSlotLimiter(1),
		observer:         NopDecisionObserver{},
		logger:           slog.Default().With("component", "pipeline"),
		clock:            time.Now,
		trustedSources:   make(map[contracts.Source]bool),
		executionTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs one proposed call through all stages and returns the result.
// Recoverable failures never surface as an error; the returned result
// carries the failure reason. The error return covers only slot acquisition
// and safe-mode refusal, where no stage ever ran.
func (p *Pipeline) Execute(ctx context.Context, call contracts.ProposedToolCall, handler Handler) (*contracts.PipelineResult, error) {
	release, err := p.slots.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: acquire slot: %w", err)
	}
	defer release()

	if p.machine.InSafeMode() && !p.isReadOnly(call.Tool) {
		return nil, ErrSafeMode
	}

	start := p.clock()
	result := &contracts.PipelineResult{
		RequestID:     call.RequestID,
		ToolName:      call.Tool,
		CorrelationID: uuid.NewString(),
	}

	var done func(error)
	if p.provider != nil {
		ctx, done = p.provider.TrackExecution(ctx, call.Tool)
	}

	p.run(ctx, call, handler, result)

	result.DurationMs = p.clock().Sub(start).Milliseconds()
	p.logDecision(ctx, call, result)

	if done != nil {
		if result.Success {
			done(nil)
		} else {
			done(errors.New(result.Error))
		}
	}
	return result, nil
}

// run performs stages 1 through 6; stage 7 (decision logging) always happens
// in Execute afterwards.
func (p *Pipeline) run(ctx context.Context, call contracts.ProposedToolCall, handler Handler, result *contracts.PipelineResult) {
	p.append(ctx, call.RequestID, contracts.EventToolProposed, map[string]any{
		"tool":   call.Tool,
		"source": string(call.Source),
	}, result.CorrelationID)

	// Stage 1: validate.
	validation := p.registry.Validate(call)
	result.Validation = &validation
	p.append(ctx, call.RequestID, contracts.EventToolValidated, map[string]any{
		"valid":             validation.Valid,
		"risk_class":        string(validation.RiskClass),
		"requires_approval": validation.RequiresApproval,
		"errors":            validation.Errors,
	}, result.CorrelationID)
	if !validation.Valid {
		result.Error = "Validation failed"
		return
	}

	// Stage 2: authorize.
	if validation.RequiresApproval && !p.autoApproved(call, validation) {
		approved := p.authorize(ctx, call, validation, result)
		if !approved {
			result.Error = "Approval denied"
			return
		}
	}

	// The kernel enters executing only for authorized calls, so a denial
	// never moves it off idle.
	if _, err := p.machine.Fire(kernel.TriggerToolValidated); err != nil {
		p.logger.Warn("state machine rejected tool_validated", "error", err)
	}

	// Stage 3: execute.
	p.append(ctx, call.RequestID, contracts.EventToolExecuting, map[string]any{
		"tool": call.Tool,
	}, result.CorrelationID)

	output, execErr := p.invoke(ctx, call, validation, handler)
	if execErr != nil {
		p.append(ctx, call.RequestID, contracts.EventToolExecuted, map[string]any{
			"tool":    call.Tool,
			"success": false,
			"error":   execErr.Error(),
		}, result.CorrelationID)
		result.Error = execErr.Error()
		if _, err := p.machine.Fire(kernel.TriggerFatalError); err != nil {
			p.logger.Warn("state machine rejected fatal_error", "error", err)
		}
		return
	}
	result.Result = output
	p.append(ctx, call.RequestID, contracts.EventToolExecuted, map[string]any{
		"tool":    call.Tool,
		"success": true,
	}, result.CorrelationID)
	if _, err := p.machine.Fire(kernel.TriggerExecutionComplete); err != nil {
		p.logger.Warn("state machine rejected execution_complete", "error", err)
	}

	// Stages 4 and 5: verify, then invariants. Both are compensable on a
	// critical failure.
	critical, reason := p.verifyStage(ctx, call, validation, output, result)
	if critical {
		if _, err := p.machine.Fire(kernel.TriggerVerificationFailed); err != nil {
			p.logger.Warn("state machine rejected verification_failed", "error", err)
		}
		// Stage 6: compensate.
		p.compensate(ctx, call, validation, output, reason, result)
		result.Error = reason
		return
	}

	if _, err := p.machine.Fire(kernel.TriggerVerificationPassed); err != nil {
		p.logger.Warn("state machine rejected verification_passed", "error", err)
	}
	result.Success = true
}

func (p *Pipeline) autoApproved(call contracts.ProposedToolCall, validation contracts.ToolValidationResult) bool {
	if p.autoApproveReadOnly && validation.RiskClass == contracts.RiskReadOnly {
		return true
	}
	return p.trustedSources[call.Source]
}

// authorize suspends until the approval gate resolves or times out. This is
// the only stage with unbounded real-world duration.
func (p *Pipeline) authorize(ctx context.Context, call contracts.ProposedToolCall, validation contracts.ToolValidationResult, result *contracts.PipelineResult) bool {
	ch, req, err := p.gate.RequestApproval(ctx, call, validation.RiskClass)
	if err != nil {
		p.logger.Error("approval request failed", "request_id", call.RequestID, "error", err)
		return false
	}
	p.append(ctx, call.RequestID, contracts.EventApprovalRequested, map[string]any{
		"approval_id": req.ID,
		"risk_class":  string(validation.RiskClass),
		"expires_at":  req.ExpiresAt.UTC().Format(time.RFC3339),
	}, result.CorrelationID)

	var res contracts.ApprovalResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		// Caller gave up; the gate's own timer will expire the request.
		res = contracts.ApprovalResult{ID: req.ID, Decision: contracts.DecisionExpired, DecidedAt: p.clock().UTC()}
	}
	result.Approval = &res

	p.append(ctx, call.RequestID, contracts.EventApprovalResolved, map[string]any{
		"approval_id": res.ID,
		"decision":    string(res.Decision),
		"decided_by":  res.DecidedBy,
	}, result.CorrelationID)
	return res.Approved()
}

// invoke runs the handler with a panic barrier and the execution timeout. A
// panic is reported as the failure reason, never propagated.
func (p *Pipeline) invoke(ctx context.Context, call contracts.ProposedToolCall, validation contracts.ToolValidationResult, handler Handler) (output any, err error) {
	if handler == nil {
		return nil, errors.New("no action handler provided")
	}

	ctx, cancel := context.WithTimeout(ctx, p.executionTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, call.Tool, validation.ValidatedParams, call.RequestID)
}

// verifyStage runs post-conditions and invariants. It returns whether a
// critical failure occurred and the reason to record.
func (p *Pipeline) verifyStage(ctx context.Context, call contracts.ProposedToolCall, validation contracts.ToolValidationResult, output any, result *contracts.PipelineResult) (bool, string) {
	cc := verify.CheckContext{
		ToolName:  call.Tool,
		Params:    validation.ValidatedParams,
		Result:    output,
		RequestID: call.RequestID,
	}

	if p.verifier != nil {
		report := p.verifier.Run(ctx, cc)
		result.Verification = report
		if report.HasCriticalFailure() {
			p.append(ctx, call.RequestID, contracts.EventVerificationFailed, map[string]any{
				"tool":           call.Tool,
				"critical_count": report.CriticalCount,
			}, result.CorrelationID)
			return true, "Verification failed"
		}
	}
	p.append(ctx, call.RequestID, contracts.EventToolVerified, map[string]any{
		"tool":   call.Tool,
		"status": verificationStatus(result.Verification),
	}, result.CorrelationID)

	if p.invariants != nil {
		report := p.invariants.Run(ctx, cc)
		result.Invariants = report
		if report.HasCriticalFailure() {
			p.append(ctx, call.RequestID, contracts.EventInvariantViolated, map[string]any{
				"tool":           call.Tool,
				"critical_count": report.CriticalCount,
			}, result.CorrelationID)
			return true, "Invariant violated"
		}
	}
	return false, ""
}

func (p *Pipeline) compensate(ctx context.Context, call contracts.ProposedToolCall, validation contracts.ToolValidationResult, output any, reason string, result *contracts.PipelineResult) {
	if p.compensations == nil {
		return
	}

	cc := contracts.CompensationContext{
		ToolName:  call.Tool,
		Params:    validation.ValidatedParams,
		Result:    output,
		RequestID: call.RequestID,
	}
	comp := p.compensations.Compensate(ctx, cc)
	result.Compensation = &comp

	p.append(ctx, call.RequestID, contracts.EventToolCompensated, map[string]any{
		"tool":      call.Tool,
		"attempted": comp.Attempted,
		"success":   comp.Success,
		"detail":    comp.Detail,
	}, result.CorrelationID)

	if comp.Success || p.incidents == nil {
		return
	}
	inc := p.incidents.OpenIncident(call.RequestID, call.Tool, result.CorrelationID, reason, comp.Attempted, comp.Success)
	p.append(ctx, call.RequestID, contracts.EventIncidentOpened, map[string]any{
		"incident_id": inc.ID,
		"reason":      reason,
	}, result.CorrelationID)
	p.logger.Warn("compensation incident opened",
		"incident_id", inc.ID,
		"tool", call.Tool,
		"request_id", call.RequestID)
}

// logDecision appends the final summary event and notifies the observer.
// This always runs, whatever the outcome of the earlier stages.
func (p *Pipeline) logDecision(ctx context.Context, call contracts.ProposedToolCall, result *contracts.PipelineResult) {
	payload := map[string]any{
		"tool":        call.Tool,
		"success":     result.Success,
		"duration_ms": result.DurationMs,
	}
	if result.Validation != nil {
		payload["valid"] = result.Validation.Valid
		payload["risk_class"] = string(result.Validation.RiskClass)
	}
	if result.Approval != nil {
		payload["approval"] = string(result.Approval.Decision)
	}
	if result.Verification != nil {
		payload["verification"] = string(result.Verification.Status)
	}
	if result.Invariants != nil {
		payload["invariants"] = string(result.Invariants.Status)
	}
	if result.Compensation != nil {
		payload["compensated"] = result.Compensation.Success
	}
	if result.Error != "" {
		payload["error"] = result.Error
	}
	p.append(ctx, call.RequestID, contracts.EventDecisionLogged, payload, result.CorrelationID)
	p.observer.DecisionLogged(result)
}

func (p *Pipeline) append(ctx context.Context, requestID string, typ contracts.EventType, payload map[string]any, correlationID string) {
	if _, err := p.events.Append(ctx, requestID, typ, payload, correlationID); err != nil {
		p.logger.Error("audit append failed", "type", string(typ), "request_id", requestID, "error", err)
	}
}

func (p *Pipeline) isReadOnly(tool string) bool {
	c := p.registry.Lookup(tool)
	return c != nil && c.RiskClass == contracts.RiskReadOnly
}

func verificationStatus(report *contracts.VerificationReport) string {
	if report == nil {
		return string(contracts.VerificationPassed)
	}
	return string(report.Status)
}
