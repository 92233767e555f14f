package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milaidy/autonomy-kernel/pkg/approval"
	"github.com/milaidy/autonomy-kernel/pkg/contracts"
	"github.com/milaidy/autonomy-kernel/pkg/eventlog"
	"github.com/milaidy/autonomy-kernel/pkg/kernel"
	"github.com/milaidy/autonomy-kernel/pkg/registry"
)

// validParams satisfies each builtin contract's schema.
var validParams = map[string]map[string]any{
	"PLAY_EMOTE":      {"emote": "wave"},
	"GET_STATUS":      {},
	"SEND_MESSAGE":    {"channel": "general", "text": "hello"},
	"UPDATE_CONFIG":   {"key": "timezone", "value": "UTC"},
	"CREATE_TASK":     {"name": "daily report"},
	"SET_GOAL":        {"description": "ship the release"},
	"CREATE_MEMORY":   {"content": "user prefers metric units"},
	"DELETE_TASK":     {"task_id": "task-1"},
	"DELETE_MEMORY":   {"memory_id": "mem-1"},
	"TRANSFER_FUNDS":  {"to": "acct-9", "amount": 25.0, "currency": "USD"},
	"SHELL_EXEC":      {"command": "ls"},
	"UPDATE_IDENTITY": {"identity": map[string]any{"name": "atlas"}},
}

func builtinsByRisk(t *testing.T, reg *registry.Registry, risk contracts.RiskClass) []string {
	t.Helper()
	var names []string
	for _, name := range reg.Names() {
		c := reg.Lookup(name)
		require.NotNil(t, c)
		if c.RiskClass == risk {
			names = append(names, name)
		}
	}
	require.NotEmpty(t, names)
	return names
}

// No irreversible builtin ever reaches its handler when the reviewer denies.
func TestDeniedIrreversibleBuiltinsNeverExecute(t *testing.T) {
	reg := registry.NewBuiltin()
	events := eventlog.NewStore()
	r := &resolver{decision: contracts.DecisionDenied}
	gate := approval.NewGate(approval.WithTimeout(time.Minute), approval.WithObserver(r))
	r.gate = gate
	t.Cleanup(gate.Dispose)

	p := New(reg, gate, kernel.NewStateMachine(), MemorySink(events))

	var invocations atomic.Int64
	handler := func(context.Context, string, map[string]any, string) (any, error) {
		invocations.Add(1)
		return nil, nil
	}

	for i, tool := range builtinsByRisk(t, reg, contracts.RiskIrreversible) {
		reqID := fmt.Sprintf("irrev-%d", i)
		res, err := p.Execute(context.Background(), contracts.ProposedToolCall{
			Tool: tool, Params: validParams[tool], Source: contracts.SourceAgent, RequestID: reqID,
		}, handler)
		require.NoError(t, err)

		assert.False(t, res.Success, tool)
		assert.Equal(t, "Approval denied", res.Error, tool)
		assert.NotContains(t, eventTypes(events.GetByRequestID(reqID)), contracts.EventToolExecuting, tool)
	}
	assert.Zero(t, invocations.Load())
}

// Every reversible builtin with valid params and an always-succeeding handler
// succeeds across a large repeated sample.
func TestReversibleBuiltinsSucceedRepeatedly(t *testing.T) {
	reg := registry.NewBuiltin()
	events := eventlog.NewStore(eventlog.WithMaxEvents(100000))
	r := &resolver{decision: contracts.DecisionApproved}
	gate := approval.NewGate(approval.WithTimeout(time.Minute), approval.WithObserver(r))
	r.gate = gate
	t.Cleanup(gate.Dispose)

	p := New(reg, gate, kernel.NewStateMachine(), MemorySink(events))

	const rounds = 40
	total, succeeded := 0, 0
	for _, tool := range builtinsByRisk(t, reg, contracts.RiskReversible) {
		for i := 0; i < rounds; i++ {
			res, err := p.Execute(context.Background(), contracts.ProposedToolCall{
				Tool: tool, Params: validParams[tool], Source: contracts.SourceAgent,
				RequestID: fmt.Sprintf("%s-%d", tool, i),
			}, okHandler("done"))
			require.NoError(t, err)
			total++
			if res.Success {
				succeeded++
			}
		}
	}
	assert.GreaterOrEqual(t, float64(succeeded)/float64(total), 0.995,
		"%d of %d runs succeeded", succeeded, total)
}

func TestPlayEmoteReadOnlyEventOrder(t *testing.T) {
	reg := registry.NewBuiltin()
	events := eventlog.NewStore()
	gate := approval.NewGate(approval.WithTimeout(time.Minute))
	t.Cleanup(gate.Dispose)

	p := New(reg, gate, kernel.NewStateMachine(), MemorySink(events), WithAutoApproveReadOnly(true))

	res, err := p.Execute(context.Background(), contracts.ProposedToolCall{
		Tool: "PLAY_EMOTE", Params: map[string]any{"emote": "wave"},
		Source: contracts.SourceAgent, RequestID: "emote-1",
	}, okHandler("waved"))
	require.NoError(t, err)
	require.True(t, res.Success)

	assert.Equal(t, []contracts.EventType{
		contracts.EventToolProposed,
		contracts.EventToolValidated,
		contracts.EventToolExecuting,
		contracts.EventToolExecuted,
		contracts.EventToolVerified,
		contracts.EventDecisionLogged,
	}, eventTypes(events.GetByRequestID("emote-1")))
}
