package contracts

// PipelineResult is the outcome of one full pipeline execution. Exactly one
// is produced per Execute call; stage results that never ran stay nil.
type PipelineResult struct {
	RequestID     string                `json:"request_id"`
	ToolName      string                `json:"tool_name"`
	CorrelationID string                `json:"correlation_id"`
	Success       bool                  `json:"success"`
	Validation    *ToolValidationResult `json:"validation,omitempty"`
	Approval      *ApprovalResult       `json:"approval,omitempty"`
	Result        any                   `json:"result,omitempty"`
	Verification  *VerificationReport   `json:"verification,omitempty"`
	Invariants    *VerificationReport   `json:"invariants,omitempty"`
	Compensation  *CompensationResult   `json:"compensation,omitempty"`
	DurationMs    int64                 `json:"duration_ms"`
	Error         string                `json:"error,omitempty"`
}
