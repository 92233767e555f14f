package contracts

import "time"

// CompensationContext carries everything a compensation function needs to
// reverse a tool's effects.
type CompensationContext struct {
	ToolName  string         `json:"tool_name"`
	Params    map[string]any `json:"params,omitempty"`
	Result    any            `json:"result,omitempty"`
	RequestID string         `json:"request_id"`
}

// CompensationResult reports a rollback attempt. Attempted=false means no
// compensation function is registered for the tool, which is a distinct
// outcome from a registered compensation that ran and failed.
type CompensationResult struct {
	Attempted bool   `json:"attempted"`
	Success   bool   `json:"success"`
	Detail    string `json:"detail,omitempty"`
}

// IncidentStatus is the lifecycle state of a compensation incident.
// Transitions advance open -> acknowledged -> resolved only; skipping
// acknowledged is permitted, moving backwards is not.
type IncidentStatus string

const (
	IncidentOpen         IncidentStatus = "open"
	IncidentAcknowledged IncidentStatus = "acknowledged"
	IncidentResolved     IncidentStatus = "resolved"
)

// CompensationIncident tracks an unresolved rollback that needs human
// attention.
type CompensationIncident struct {
	ID                    string         `json:"id"`
	RequestID             string         `json:"request_id"`
	ToolName              string         `json:"tool_name"`
	CorrelationID         string         `json:"correlation_id,omitempty"`
	Reason                string         `json:"reason"`
	CompensationAttempt   bool           `json:"compensation_attempted"`
	CompensationSucceeded bool           `json:"compensation_succeeded"`
	Status                IncidentStatus `json:"status"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}
