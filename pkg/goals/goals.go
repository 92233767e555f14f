// Package goals tracks hierarchical objectives with trust-gated mutation.
//
// Every goal carries the trust score of its creating source. Mutations are
// gated twice: the caller must clear its own source's trust floor, and moving
// a goal to a terminal status additionally requires trust at least equal to
// the trust recorded on the goal at creation time.
package goals

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/milaidy/autonomy-kernel/pkg/contracts"
)

// Caller identifies who is mutating a goal. A nil caller is treated as the
// system source with full trust.
type Caller struct {
	Source contracts.Source
	Trust  float64
}

// GoalInput is the payload for creating a goal.
type GoalInput struct {
	Description     string
	Priority        contracts.GoalPriority
	ParentGoalID    string
	SuccessCriteria []string
	Source          contracts.Source
	SourceTrust     float64
}

// GoalPatch is a partial update. Nil fields are left unchanged.
type GoalPatch struct {
	Description *string
	Priority    *contracts.GoalPriority
	Status      *contracts.GoalStatus
}

// CriterionEvaluator judges a single success criterion for a goal. It
// returns whether the criterion is met and an optional detail string.
type CriterionEvaluator func(goal contracts.Goal, criterion string) (met bool, detail string, err error)

// CheckTrustFloor rejects a source whose trust score is below its floor.
// The same gate applies to goal creation and to every caller-driven update.
func CheckTrustFloor(source contracts.Source, trust float64) error {
	floor := contracts.TrustFloor(source)
	if trust < floor {
		return fmt.Errorf("source %q trust %.2f is below floor %.2f", source, trust, floor)
	}
	return nil
}

// ValidTransition reports whether a status change is permitted. Completed is
// final; failed goals may reopen to active.
func ValidTransition(from, to contracts.GoalStatus) bool {
	switch from {
	case contracts.GoalActive:
		return to == contracts.GoalPaused || to == contracts.GoalCompleted || to == contracts.GoalFailed
	case contracts.GoalPaused:
		return to == contracts.GoalActive || to == contracts.GoalFailed
	case contracts.GoalFailed:
		return to == contracts.GoalActive
	default:
		return false
	}
}

// CheckTransition rejects a status change not present in the transition table.
func CheckTransition(from, to contracts.GoalStatus) error {
	if from == to {
		return nil
	}
	if !ValidTransition(from, to) {
		return fmt.Errorf("Invalid status transition %s -> %s", from, to)
	}
	return nil
}

// Manager is the volatile goal backend. The durable stores satisfy the same
// behavior contract.
type Manager struct {
	mu         sync.RWMutex
	goals      map[string]*contracts.Goal
	evaluators map[string]CriterionEvaluator

	clock  func() time.Time
	logger *slog.Logger
}

// NewManager constructs an empty goal manager.
func NewManager() *Manager {
	return &Manager{
		goals:      make(map[string]*contracts.Goal),
		evaluators: make(map[string]CriterionEvaluator),
		clock:      time.Now,
		logger:     slog.Default().With("component", "goals"),
	}
}

// WithClock overrides the time source, for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// AddGoal creates a goal after checking the source's trust floor and, when a
// parent is named, that the parent exists and is not terminal.
func (m *Manager) AddGoal(input GoalInput) (*contracts.Goal, error) {
	if err := CheckTrustFloor(input.Source, input.SourceTrust); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if input.ParentGoalID != "" {
		parent, ok := m.goals[input.ParentGoalID]
		if !ok {
			return nil, fmt.Errorf("parent goal %q not found", input.ParentGoalID)
		}
		if parent.Status.Terminal() {
			return nil, fmt.Errorf("parent goal %q is %s and cannot take children", parent.ID, parent.Status)
		}
	}

	priority := input.Priority
	if priority == "" {
		priority = contracts.PriorityMedium
	}

	now := m.clock().UTC()
	goal := &contracts.Goal{
		ID:              uuid.NewString(),
		Description:     input.Description,
		Priority:        priority,
		Status:          contracts.GoalActive,
		ParentGoalID:    input.ParentGoalID,
		SuccessCriteria: append([]string(nil), input.SuccessCriteria...),
		Source:          input.Source,
		SourceTrust:     input.SourceTrust,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.goals[goal.ID] = goal

	m.logger.Info("goal added",
		"goal_id", goal.ID,
		"priority", goal.Priority,
		"source", goal.Source)
	return copyGoal(goal), nil
}

// UpdateGoal applies a patch. The caller must clear its own trust floor;
// terminal transitions additionally require caller trust at or above the
// trust recorded on the goal at creation.
func (m *Manager) UpdateGoal(id string, patch GoalPatch, caller *Caller) (*contracts.Goal, error) {
	c := effectiveCaller(caller)
	if err := CheckTrustFloor(c.Source, c.Trust); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	goal, ok := m.goals[id]
	if !ok {
		return nil, fmt.Errorf("goal %q not found", id)
	}

	if patch.Status != nil && *patch.Status != goal.Status {
		if err := CheckTransition(goal.Status, *patch.Status); err != nil {
			return nil, err
		}
		if patch.Status.Terminal() && c.Trust < goal.SourceTrust {
			return nil, fmt.Errorf("caller trust %.2f is below floor %.2f required to close goal %q",
				c.Trust, goal.SourceTrust, id)
		}
	}

	now := m.clock().UTC()
	if patch.Description != nil {
		goal.Description = *patch.Description
	}
	if patch.Priority != nil {
		goal.Priority = *patch.Priority
	}
	if patch.Status != nil && *patch.Status != goal.Status {
		goal.Status = *patch.Status
		if goal.Status.Terminal() && goal.CompletedAt == nil {
			t := now
			goal.CompletedAt = &t
		}
	}
	goal.UpdatedAt = now

	return copyGoal(goal), nil
}

// GetGoal returns a copy of the goal, or nil if unknown.
func (m *Manager) GetGoal(id string) *contracts.Goal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	goal, ok := m.goals[id]
	if !ok {
		return nil
	}
	return copyGoal(goal)
}

// ActiveGoals returns all active goals, most urgent priority first. Goals of
// equal priority keep creation order.
func (m *Manager) ActiveGoals() []*contracts.Goal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*contracts.Goal
	for _, g := range m.goals {
		if g.Status == contracts.GoalActive {
			out = append(out, copyGoal(g))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := contracts.PriorityRank(out[i].Priority), contracts.PriorityRank(out[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GoalTree returns the root goal plus all transitive descendants, or nil if
// the root is unknown.
func (m *Manager) GoalTree(rootID string) []*contracts.Goal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	root, ok := m.goals[rootID]
	if !ok {
		return nil
	}

	children := make(map[string][]*contracts.Goal)
	for _, g := range m.goals {
		if g.ParentGoalID != "" {
			children[g.ParentGoalID] = append(children[g.ParentGoalID], g)
		}
	}
	for _, kids := range children {
		sort.Slice(kids, func(i, j int) bool { return kids[i].CreatedAt.Before(kids[j].CreatedAt) })
	}

	var out []*contracts.Goal
	queue := []*contracts.Goal{root}
	for len(queue) > 0 {
		g := queue[0]
		queue = queue[1:]
		out = append(out, copyGoal(g))
		queue = append(queue, children[g.ID]...)
	}
	return out
}

// RegisterEvaluator installs a criterion evaluator for one goal. Criteria of
// goals without an evaluator fall back to the lexical heuristic.
func (m *Manager) RegisterEvaluator(goalID string, fn CriterionEvaluator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluators[goalID] = fn
}

// EvaluateGoal judges every success criterion of the goal. A goal with no
// criteria is never met. When all criteria pass and the goal is still active
// it is auto-transitioned to completed.
func (m *Manager) EvaluateGoal(id string, caller *Caller) (*contracts.GoalEvaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	goal, ok := m.goals[id]
	if !ok {
		return nil, fmt.Errorf("goal %q not found", id)
	}

	eval := &contracts.GoalEvaluation{GoalID: id}
	if len(goal.SuccessCriteria) == 0 {
		return eval, nil
	}

	evaluator := m.evaluators[id]
	allMet := true
	for _, criterion := range goal.SuccessCriteria {
		var res contracts.CriterionResult
		if evaluator != nil {
			met, detail, err := evaluator(*copyGoal(goal), criterion)
			if err != nil {
				res = contracts.CriterionResult{Criterion: criterion, Met: false, Detail: err.Error()}
			} else {
				res = contracts.CriterionResult{Criterion: criterion, Met: met, Detail: detail}
			}
		} else {
			res = EvaluateLexical(criterion)
		}
		if !res.Met {
			allMet = false
		}
		eval.Criteria = append(eval.Criteria, res)
	}
	eval.Met = allMet

	if allMet && goal.Status == contracts.GoalActive {
		now := m.clock().UTC()
		goal.Status = contracts.GoalCompleted
		if goal.CompletedAt == nil {
			t := now
			goal.CompletedAt = &t
		}
		goal.UpdatedAt = now
		eval.Completed = true
		m.logger.Info("goal auto-completed", "goal_id", id)
	}
	return eval, nil
}

func effectiveCaller(c *Caller) Caller {
	if c == nil {
		return Caller{Source: contracts.SourceSystem, Trust: 1.0}
	}
	return *c
}

func copyGoal(g *contracts.Goal) *contracts.Goal {
	dup := *g
	dup.SuccessCriteria = append([]string(nil), g.SuccessCriteria...)
	if g.CompletedAt != nil {
		t := *g.CompletedAt
		dup.CompletedAt = &t
	}
	return &dup
}
