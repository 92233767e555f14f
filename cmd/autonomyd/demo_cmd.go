package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/milaidy/autonomy-kernel/pkg/approval"
	"github.com/milaidy/autonomy-kernel/pkg/contracts"
	"github.com/milaidy/autonomy-kernel/pkg/eventlog"
	"github.com/milaidy/autonomy-kernel/pkg/kernel"
	"github.com/milaidy/autonomy-kernel/pkg/pipeline"
	"github.com/milaidy/autonomy-kernel/pkg/registry"
	"github.com/milaidy/autonomy-kernel/pkg/runtime"
)

// runDemoCmd executes two sample calls against an in-memory kernel: an
// auto-resolved read-only call and an irreversible call that the demo
// reviewer denies. It then prints the resulting audit chain.
func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output the audit chain as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	events := eventlog.NewStore()
	gate := approval.NewGate(approval.WithTimeout(5 * time.Second))
	defer gate.Dispose()

	// The demo reviewer denies everything that reaches the gate.
	go func() {
		for {
			for _, req := range gate.Pending() {
				gate.Resolve(req.ID, contracts.DecisionDenied, "demo-reviewer")
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	p := pipeline.New(registry.NewBuiltin(), gate, kernel.NewStateMachine(), pipeline.MemorySink(events))
	handler := pipeline.Handler(runtime.NewDispatcher(nil).Handle)

	ctx := context.Background()
	calls := []contracts.ProposedToolCall{
		{Tool: "GET_STATUS", Source: contracts.SourceAgent, RequestID: "demo-1"},
		{Tool: "TRANSFER_FUNDS", Source: contracts.SourceAgent, RequestID: "demo-2",
			Params: map[string]any{"to": "0xdemo", "amount": 25.0, "currency": "USD"}},
	}
	for _, call := range calls {
		res, err := p.Execute(ctx, call, handler)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "%s: success=%v error=%q\n", call.Tool, res.Success, res.Error)
	}

	chain := events.GetRecent(0)
	report := eventlog.VerifyEventChain(chain)
	_, _ = fmt.Fprintf(stdout, "audit chain: %d events, intact=%v\n", report.Checked, report.Valid)

	if jsonOutput {
		data, _ := json.MarshalIndent(chain, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	}
	return 0
}
