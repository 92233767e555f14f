// Package store provides the durable SQL backends for the audit log, goals,
// approval decisions, and agent identity. Postgres backs multi-node
// deployments; the SQLite twin covers single-node mode with the same logical
// schema and the same behavior contract as the volatile packages.
package store

import (
	"context"
	"errors"

	"github.com/milaidy/autonomy-kernel/pkg/approval"
	"github.com/milaidy/autonomy-kernel/pkg/contracts"
	"github.com/milaidy/autonomy-kernel/pkg/goals"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// EventStore is the durable twin of the volatile event log. Implementations
// must use the exact hash function of pkg/eventlog and enforce event_hash
// uniqueness, so an exported chain verifies identically regardless of which
// store produced it.
type EventStore interface {
	Append(ctx context.Context, requestID string, typ contracts.EventType, payload map[string]any, correlationID string) (*contracts.ExecutionEvent, error)
	GetByRequestID(ctx context.Context, requestID string) ([]*contracts.ExecutionEvent, error)
	GetByCorrelationID(ctx context.Context, correlationID string) ([]*contracts.ExecutionEvent, error)
	GetRecent(ctx context.Context, n int) ([]*contracts.ExecutionEvent, error)
	Head(ctx context.Context) (string, error)
}

// GoalStore is the durable twin of the volatile goal manager. The trust
// floors, transition table, and error fragments are identical.
type GoalStore interface {
	AddGoal(ctx context.Context, input goals.GoalInput) (*contracts.Goal, error)
	UpdateGoal(ctx context.Context, id string, patch goals.GoalPatch, caller *goals.Caller) (*contracts.Goal, error)
	GetGoal(ctx context.Context, id string) (*contracts.Goal, error)
	ActiveGoals(ctx context.Context) ([]*contracts.Goal, error)
	GoalTree(ctx context.Context, rootID string) ([]*contracts.Goal, error)
	EvaluateGoal(ctx context.Context, id string) (*contracts.GoalEvaluation, error)
}

// ApprovalLog persists every approval decision for audit.
type ApprovalLog interface {
	Record(ctx context.Context, req contracts.ApprovalRequest, res contracts.ApprovalResult) error
	Get(ctx context.Context, requestID string) (*contracts.ApprovalRequest, *contracts.ApprovalResult, error)
}

var (
	_ approval.Observer = (*ApprovalObserver)(nil)

	_ EventStore  = (*PostgresEventStore)(nil)
	_ EventStore  = (*SQLiteEventStore)(nil)
	_ GoalStore   = (*PostgresGoalStore)(nil)
	_ GoalStore   = (*SQLiteGoalStore)(nil)
	_ ApprovalLog = (*PostgresApprovalLog)(nil)
	_ ApprovalLog = (*SQLiteApprovalLog)(nil)
)
