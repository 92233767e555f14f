package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milaidy/autonomy-kernel/pkg/approval"
	"github.com/milaidy/autonomy-kernel/pkg/compensation"
	"github.com/milaidy/autonomy-kernel/pkg/contracts"
	"github.com/milaidy/autonomy-kernel/pkg/eventlog"
	"github.com/milaidy/autonomy-kernel/pkg/kernel"
	"github.com/milaidy/autonomy-kernel/pkg/registry"
	"github.com/milaidy/autonomy-kernel/pkg/verify"
)

// resolver decides every approval request as soon as the gate announces it.
type resolver struct {
	gate     *approval.Gate
	decision contracts.ApprovalDecision
}

func (r *resolver) ApprovalRequested(req contracts.ApprovalRequest) {
	r.gate.Resolve(req.ID, r.decision, "reviewer")
}

func (r *resolver) ApprovalResolved(contracts.ApprovalRequest, contracts.ApprovalResult) {}

type fixture struct {
	registry  *registry.Registry
	gate      *approval.Gate
	machine   *kernel.StateMachine
	events    *eventlog.Store
	incidents *compensation.IncidentManager
}

func newFixture(t *testing.T, decision contracts.ApprovalDecision) *fixture {
	t.Helper()
	f := &fixture{
		registry:  registry.New(),
		machine:   kernel.NewStateMachine(),
		events:    eventlog.NewStore(),
		incidents: compensation.NewIncidentManager(),
	}
	r := &resolver{decision: decision}
	f.gate = approval.NewGate(approval.WithTimeout(time.Minute), approval.WithObserver(r))
	r.gate = f.gate
	t.Cleanup(f.gate.Dispose)

	require.NoError(t, f.registry.Register(&registry.Contract{
		Name: "GET_WEATHER", Version: "1.0.0", RiskClass: contracts.RiskReadOnly,
	}))
	require.NoError(t, f.registry.Register(&registry.Contract{
		Name: "PLAY_EMOTE", Version: "1.0.0", RiskClass: contracts.RiskReversible,
	}))
	require.NoError(t, f.registry.Register(&registry.Contract{
		Name: "TRANSFER_FUNDS", Version: "1.0.0", RiskClass: contracts.RiskIrreversible,
	}))
	return f
}

func (f *fixture) pipeline(opts ...Option) *Pipeline {
	return New(f.registry, f.gate, f.machine, MemorySink(f.events), opts...)
}

func eventTypes(events []*contracts.ExecutionEvent) []contracts.EventType {
	out := make([]contracts.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func okHandler(result any) Handler {
	return func(context.Context, string, map[string]any, string) (any, error) {
		return result, nil
	}
}

func TestExecuteReadOnlyHappyPath(t *testing.T) {
	f := newFixture(t, contracts.DecisionApproved)
	p := f.pipeline()

	call := contracts.ProposedToolCall{Tool: "GET_WEATHER", Source: contracts.SourceAgent, RequestID: "req-1"}
	res, err := p.Execute(context.Background(), call, okHandler(map[string]any{"temp": 21}))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.NotEmpty(t, res.CorrelationID)
	assert.Equal(t, "GET_WEATHER", res.ToolName)
	assert.Equal(t, kernel.StateIdle, f.machine.State())

	got := eventTypes(f.events.GetByRequestID("req-1"))
	assert.Equal(t, []contracts.EventType{
		contracts.EventToolProposed,
		contracts.EventToolValidated,
		contracts.EventToolExecuting,
		contracts.EventToolExecuted,
		contracts.EventToolVerified,
		contracts.EventDecisionLogged,
	}, got)
}

func TestExecuteApprovedReversibleEventOrder(t *testing.T) {
	f := newFixture(t, contracts.DecisionApproved)
	p := f.pipeline()

	call := contracts.ProposedToolCall{Tool: "PLAY_EMOTE", Source: contracts.SourceAgent, RequestID: "req-2"}
	res, err := p.Execute(context.Background(), call, okHandler("waved"))
	require.NoError(t, err)

	require.True(t, res.Success)
	require.NotNil(t, res.Approval)
	assert.Equal(t, contracts.DecisionApproved, res.Approval.Decision)
	assert.Equal(t, "reviewer", res.Approval.DecidedBy)

	got := eventTypes(f.events.GetByRequestID("req-2"))
	assert.Equal(t, []contracts.EventType{
		contracts.EventToolProposed,
		contracts.EventToolValidated,
		contracts.EventApprovalRequested,
		contracts.EventApprovalResolved,
		contracts.EventToolExecuting,
		contracts.EventToolExecuted,
		contracts.EventToolVerified,
		contracts.EventDecisionLogged,
	}, got)
}

func TestDeniedIrreversibleNeverExecutes(t *testing.T) {
	f := newFixture(t, contracts.DecisionDenied)
	p := f.pipeline()

	var invocations atomic.Int64
	handler := func(context.Context, string, map[string]any, string) (any, error) {
		invocations.Add(1)
		return nil, nil
	}

	call := contracts.ProposedToolCall{Tool: "TRANSFER_FUNDS", Source: contracts.SourceAgent, RequestID: "req-3"}
	res, err := p.Execute(context.Background(), call, handler)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, "Approval denied", res.Error)
	assert.Zero(t, invocations.Load())
	assert.Equal(t, kernel.StateIdle, f.machine.State())

	got := eventTypes(f.events.GetByRequestID("req-3"))
	assert.NotContains(t, got, contracts.EventToolExecuting)
	assert.Equal(t, contracts.EventDecisionLogged, got[len(got)-1])
}

func TestValidationFailureStopsEarly(t *testing.T) {
	f := newFixture(t, contracts.DecisionApproved)
	p := f.pipeline()

	var invocations atomic.Int64
	handler := func(context.Context, string, map[string]any, string) (any, error) {
		invocations.Add(1)
		return nil, nil
	}

	call := contracts.ProposedToolCall{Tool: "LAUNCH_ROCKET", Source: contracts.SourceAgent, RequestID: "req-4"}
	res, err := p.Execute(context.Background(), call, handler)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, "Validation failed", res.Error)
	assert.Zero(t, invocations.Load())
	require.NotNil(t, res.Validation)
	assert.False(t, res.Validation.Valid)

	got := eventTypes(f.events.GetByRequestID("req-4"))
	assert.Equal(t, []contracts.EventType{
		contracts.EventToolProposed,
		contracts.EventToolValidated,
		contracts.EventDecisionLogged,
	}, got)
}

func TestHandlerPanicContained(t *testing.T) {
	f := newFixture(t, contracts.DecisionApproved)
	p := f.pipeline()

	handler := func(context.Context, string, map[string]any, string) (any, error) {
		panic("tool exploded")
	}

	call := contracts.ProposedToolCall{Tool: "GET_WEATHER", Source: contracts.SourceAgent, RequestID: "req-5"}
	res, err := p.Execute(context.Background(), call, handler)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "panicked")
	assert.Equal(t, 1, f.machine.ConsecutiveErrors())
}

func TestHandlerErrorCountsTowardSafeMode(t *testing.T) {
	f := newFixture(t, contracts.DecisionApproved)
	p := f.pipeline()

	handler := func(context.Context, string, map[string]any, string) (any, error) {
		return nil, errors.New("backend unavailable")
	}
	call := contracts.ProposedToolCall{Tool: "GET_WEATHER", Source: contracts.SourceAgent, RequestID: "req-6"}

	for i := 0; i < 3; i++ {
		res, err := p.Execute(context.Background(), call, handler)
		require.NoError(t, err)
		assert.False(t, res.Success)
	}
	assert.True(t, f.machine.InSafeMode())

	// Safe mode refuses everything except read-only tools; GET_WEATHER
	// is read-only, so a non-read-only call is the one that must bounce.
	denied := contracts.ProposedToolCall{Tool: "TRANSFER_FUNDS", Source: contracts.SourceAgent, RequestID: "req-7"}
	_, err := p.Execute(context.Background(), denied, okHandler(nil))
	assert.ErrorIs(t, err, ErrSafeMode)
}

func TestCriticalVerificationFailureCompensates(t *testing.T) {
	f := newFixture(t, contracts.DecisionApproved)

	v := verify.NewVerifier()
	v.Register("balance_consistent", contracts.SeverityCritical,
		func(context.Context, verify.CheckContext) (bool, string, error) {
			return false, "balance drifted", nil
		})

	comp := compensation.NewRegistry()
	comp.Register("GET_WEATHER", func(context.Context, contracts.CompensationContext) (string, error) {
		return "cache evicted", nil
	})

	p := f.pipeline(WithVerifier(v), WithCompensation(comp, f.incidents))

	call := contracts.ProposedToolCall{Tool: "GET_WEATHER", Source: contracts.SourceAgent, RequestID: "req-8"}
	res, err := p.Execute(context.Background(), call, okHandler("stale"))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, "Verification failed", res.Error)
	require.NotNil(t, res.Compensation)
	assert.True(t, res.Compensation.Success)
	assert.Empty(t, f.incidents.ListOpenIncidents())

	got := eventTypes(f.events.GetByRequestID("req-8"))
	assert.Contains(t, got, contracts.EventVerificationFailed)
	assert.Contains(t, got, contracts.EventToolCompensated)
	assert.NotContains(t, got, contracts.EventIncidentOpened)
	assert.Equal(t, kernel.StateIdle, f.machine.State())
}

func TestFailedCompensationOpensIncident(t *testing.T) {
	f := newFixture(t, contracts.DecisionApproved)

	v := verify.NewVerifier()
	v.Register("funds_settled", contracts.SeverityCritical,
		func(context.Context, verify.CheckContext) (bool, string, error) {
			return false, "transfer not settled", nil
		})

	comp := compensation.NewRegistry()
	comp.RegisterManual("TRANSFER_FUNDS", "contact finance to reverse the wire")

	p := f.pipeline(WithVerifier(v), WithCompensation(comp, f.incidents), WithTrustedSources(contracts.SourceSystem))

	call := contracts.ProposedToolCall{Tool: "TRANSFER_FUNDS", Source: contracts.SourceSystem, RequestID: "req-9"}
	res, err := p.Execute(context.Background(), call, okHandler("sent"))
	require.NoError(t, err)

	assert.False(t, res.Success)
	require.NotNil(t, res.Compensation)
	assert.False(t, res.Compensation.Success)

	open := f.incidents.ListOpenIncidents()
	require.Len(t, open, 1)
	assert.Equal(t, "req-9", open[0].RequestID)
	assert.Equal(t, "TRANSFER_FUNDS", open[0].ToolName)

	got := eventTypes(f.events.GetByRequestID("req-9"))
	assert.Contains(t, got, contracts.EventIncidentOpened)
}

func TestCriticalInvariantViolationCompensates(t *testing.T) {
	f := newFixture(t, contracts.DecisionApproved)

	inv, err := verify.NewInvariantChecker()
	require.NoError(t, err)
	inv.Register("ledger_balanced", contracts.SeverityCritical,
		func(context.Context, verify.CheckContext) (bool, string, error) {
			return false, "ledger out of balance", nil
		})

	comp := compensation.NewRegistry()
	comp.Register("GET_WEATHER", func(context.Context, contracts.CompensationContext) (string, error) {
		return "", errors.New("rollback endpoint down")
	})

	p := f.pipeline(WithInvariantChecker(inv), WithCompensation(comp, f.incidents))

	call := contracts.ProposedToolCall{Tool: "GET_WEATHER", Source: contracts.SourceAgent, RequestID: "req-10"}
	res, err := p.Execute(context.Background(), call, okHandler(nil))
	require.NoError(t, err)

	assert.Equal(t, "Invariant violated", res.Error)
	require.NotNil(t, res.Compensation)
	assert.True(t, res.Compensation.Attempted)
	assert.False(t, res.Compensation.Success)
	require.Len(t, f.incidents.ListOpenIncidents(), 1)

	got := eventTypes(f.events.GetByRequestID("req-10"))
	assert.Contains(t, got, contracts.EventToolVerified)
	assert.Contains(t, got, contracts.EventInvariantViolated)
}

func TestTrustedSourceSkipsApproval(t *testing.T) {
	// Denying resolver: if the gate were consulted the call would fail.
	f := newFixture(t, contracts.DecisionDenied)
	p := f.pipeline(WithTrustedSources(contracts.SourceSystem))

	call := contracts.ProposedToolCall{Tool: "PLAY_EMOTE", Source: contracts.SourceSystem, RequestID: "req-11"}
	res, err := p.Execute(context.Background(), call, okHandler("waved"))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Nil(t, res.Approval)
	got := eventTypes(f.events.GetByRequestID("req-11"))
	assert.NotContains(t, got, contracts.EventApprovalRequested)
}

func TestAutoApproveReadOnlyOverride(t *testing.T) {
	f := newFixture(t, contracts.DecisionDenied)
	requires := true
	require.NoError(t, f.registry.Register(&registry.Contract{
		Name: "READ_LEDGER", Version: "1.0.0", RiskClass: contracts.RiskReadOnly,
		RequiresApproval: &requires,
	}))
	p := f.pipeline(WithAutoApproveReadOnly(true))

	call := contracts.ProposedToolCall{Tool: "READ_LEDGER", Source: contracts.SourceAgent, RequestID: "req-12"}
	res, err := p.Execute(context.Background(), call, okHandler("rows"))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Nil(t, res.Approval)
}

func TestDecisionLoggedCarriesSummary(t *testing.T) {
	f := newFixture(t, contracts.DecisionApproved)
	p := f.pipeline()

	call := contracts.ProposedToolCall{Tool: "GET_WEATHER", Source: contracts.SourceAgent, RequestID: "req-13"}
	_, err := p.Execute(context.Background(), call, okHandler(nil))
	require.NoError(t, err)

	events := f.events.GetByRequestID("req-13")
	last := events[len(events)-1]
	require.Equal(t, contracts.EventDecisionLogged, last.Type)
	assert.Equal(t, true, last.Payload["success"])
	assert.Equal(t, "GET_WEATHER", last.Payload["tool"])
	assert.Equal(t, string(contracts.RiskReadOnly), last.Payload["risk_class"])

	// Every event of the execution shares one correlation id and the chain
	// stays verifiable end to end.
	for _, e := range events {
		assert.Equal(t, last.CorrelationID, e.CorrelationID)
	}
	report := eventlog.VerifyEventChain(f.events.GetRecent(0))
	assert.True(t, report.Valid)
}

func TestDecisionObserverNotified(t *testing.T) {
	f := newFixture(t, contracts.DecisionApproved)

	var seen []*contracts.PipelineResult
	p := f.pipeline(WithDecisionObserver(observerFunc(func(r *contracts.PipelineResult) {
		seen = append(seen, r)
	})))

	call := contracts.ProposedToolCall{Tool: "GET_WEATHER", Source: contracts.SourceAgent, RequestID: "req-14"}
	_, err := p.Execute(context.Background(), call, okHandler(nil))
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, "req-14", seen[0].RequestID)
}

type observerFunc func(*contracts.PipelineResult)

func (f observerFunc) DecisionLogged(r *contracts.PipelineResult) { f(r) }
