package contracts

import "time"

// EventType categorizes execution events in the audit log.
type EventType string

const (
	EventToolProposed       EventType = "tool:proposed"
	EventToolValidated      EventType = "tool:validated"
	EventApprovalRequested  EventType = "tool:approval:requested"
	EventApprovalResolved   EventType = "tool:approval:resolved"
	EventToolExecuting      EventType = "tool:executing"
	EventToolExecuted       EventType = "tool:executed"
	EventToolVerified       EventType = "tool:verified"
	EventVerificationFailed EventType = "tool:verification:failed"
	EventInvariantViolated  EventType = "tool:invariant:violated"
	EventToolCompensated    EventType = "tool:compensated"
	EventDecisionLogged     EventType = "tool:decision:logged"
	EventKernelStateChanged EventType = "kernel:state:changed"
	EventGoalAdded          EventType = "goal:added"
	EventGoalUpdated        EventType = "goal:updated"
	EventGoalEvaluated      EventType = "goal:evaluated"
	EventIncidentOpened     EventType = "incident:opened"
	EventIdentityTransition EventType = "identity:transition"
)

// ExecutionEvent is one immutable audit-log entry. SequenceID is assigned by
// the store (strictly increasing, dense); EventHash chains the entry to its
// predecessor via PrevHash, so a mutation of any stored entry invalidates
// every later hash.
type ExecutionEvent struct {
	SequenceID    uint64         `json:"sequence_id"`
	RequestID     string         `json:"request_id"`
	Type          EventType      `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	PrevHash      string         `json:"prev_hash,omitempty"`
	EventHash     string         `json:"event_hash"`
}
