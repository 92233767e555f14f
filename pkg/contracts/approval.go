package contracts

import "time"

// ApprovalDecision is the terminal outcome of an approval request.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionDenied   ApprovalDecision = "denied"
	DecisionExpired  ApprovalDecision = "expired"
)

// ApprovalRequest is a pending human authorization for a proposed call.
// It exists from RequestApproval until resolution or timeout.
type ApprovalRequest struct {
	ID        string           `json:"id"`
	Call      ProposedToolCall `json:"call"`
	RiskClass RiskClass        `json:"risk_class"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// ApprovalResult is a resolved authorization. At most one exists per request.
// DecidedBy is empty when the request expired without a human decision.
type ApprovalResult struct {
	ID        string           `json:"id"`
	Decision  ApprovalDecision `json:"decision"`
	DecidedBy string           `json:"decided_by,omitempty"`
	DecidedAt time.Time        `json:"decided_at"`
}

// Approved reports whether the result authorizes execution.
func (r ApprovalResult) Approved() bool {
	return r.Decision == DecisionApproved
}
