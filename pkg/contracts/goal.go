package contracts

import "time"

// GoalStatus is the lifecycle state of a tracked objective.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalPaused    GoalStatus = "paused"
	GoalCompleted GoalStatus = "completed"
	GoalFailed    GoalStatus = "failed"
)

// Terminal reports whether the status ends the goal's lifecycle.
// A failed goal may still reopen to active.
func (s GoalStatus) Terminal() bool {
	return s == GoalCompleted || s == GoalFailed
}

// GoalPriority orders active goals; lower rank is more urgent.
type GoalPriority string

const (
	PriorityCritical GoalPriority = "critical"
	PriorityHigh     GoalPriority = "high"
	PriorityMedium   GoalPriority = "medium"
	PriorityLow      GoalPriority = "low"
)

// PriorityRank maps a priority to its sort rank (critical first).
func PriorityRank(p GoalPriority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// TrustFloor returns the minimum trust score a source must carry to create
// or mutate goals. Unknown sources are held to the agent floor.
func TrustFloor(s Source) float64 {
	switch s {
	case SourceSystem:
		return 0.0
	case SourceUser:
		return 0.3
	default:
		return 0.6
	}
}

// Goal is a tracked objective in the hierarchical goal graph.
type Goal struct {
	ID              string       `json:"id"`
	Description     string       `json:"description"`
	Priority        GoalPriority `json:"priority"`
	Status          GoalStatus   `json:"status"`
	ParentGoalID    string       `json:"parent_goal_id,omitempty"`
	SuccessCriteria []string     `json:"success_criteria,omitempty"`
	Source          Source       `json:"source"`
	SourceTrust     float64      `json:"source_trust"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

// CriterionResult is the evaluation of one success criterion.
type CriterionResult struct {
	Criterion string `json:"criterion"`
	Met       bool   `json:"met"`
	Undecided bool   `json:"undecided,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// GoalEvaluation is the outcome of evaluating a goal's success criteria.
type GoalEvaluation struct {
	GoalID    string            `json:"goal_id"`
	Met       bool              `json:"met"`
	Criteria  []CriterionResult `json:"criteria,omitempty"`
	Completed bool              `json:"completed"` // goal auto-transitioned to completed
}
