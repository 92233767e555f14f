// Package contracts defines the shared data model of the autonomy kernel:
// proposed tool calls, validation and approval outcomes, execution events,
// verification reports, compensation records and goals.
//
// Every subsystem speaks these types; none of them carries behavior beyond
// small derived accessors, so the package has no dependencies on the rest
// of the kernel.
package contracts

// Source identifies who proposed a tool call or goal.
type Source string

const (
	SourceUser   Source = "user"
	SourceAgent  Source = "agent"
	SourceSystem Source = "system"
	SourceLLM    Source = "llm"
	SourcePlugin Source = "plugin"
)

// RiskClass classifies the blast radius of a tool.
type RiskClass string

const (
	RiskReadOnly     RiskClass = "read-only"
	RiskReversible   RiskClass = "reversible"
	RiskIrreversible RiskClass = "irreversible"
)

// ProposedToolCall is a requested action. It is immutable once created.
type ProposedToolCall struct {
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params,omitempty"`
	Source    Source         `json:"source"`
	RequestID string         `json:"request_id"`
}

// ToolValidationResult is the outcome of the schema/risk check for one call.
type ToolValidationResult struct {
	Valid            bool           `json:"valid"`
	Errors           []string       `json:"errors,omitempty"`
	ValidatedParams  map[string]any `json:"validated_params,omitempty"`
	RiskClass        RiskClass      `json:"risk_class"`
	RequiresApproval bool           `json:"requires_approval"`
}
