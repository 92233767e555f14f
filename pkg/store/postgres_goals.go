package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/milaidy/autonomy-kernel/pkg/contracts"
	"github.com/milaidy/autonomy-kernel/pkg/goals"
)

// PostgresGoalStore is the durable goal backend. It enforces the same trust
// floors and status transition table as the volatile manager, with the same
// error fragments.
type PostgresGoalStore struct {
	db    *sql.DB
	clock func() time.Time

	mu         sync.RWMutex
	evaluators map[string]goals.CriterionEvaluator
}

func NewPostgresGoalStore(db *sql.DB) *PostgresGoalStore {
	return &PostgresGoalStore{
		db:         db,
		clock:      time.Now,
		evaluators: make(map[string]goals.CriterionEvaluator),
	}
}

// WithClock overrides the time source, for tests.
func (s *PostgresGoalStore) WithClock(clock func() time.Time) *PostgresGoalStore {
	s.clock = clock
	return s
}

// RegisterEvaluator installs a criterion evaluator for one goal. Evaluators
// are process-local; criteria without one use the lexical heuristic.
func (s *PostgresGoalStore) RegisterEvaluator(goalID string, fn goals.CriterionEvaluator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluators[goalID] = fn
}

const pgGoalColumns = `id, description, priority, status, parent_goal_id, success_criteria, source, source_trust, created_at, updated_at, completed_at`

func (s *PostgresGoalStore) AddGoal(ctx context.Context, input goals.GoalInput) (*contracts.Goal, error) {
	if err := goals.CheckTrustFloor(input.Source, input.SourceTrust); err != nil {
		return nil, err
	}

	if input.ParentGoalID != "" {
		parent, err := s.GetGoal(ctx, input.ParentGoalID)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("parent goal %q not found", input.ParentGoalID)
		}
		if err != nil {
			return nil, err
		}
		if parent.Status.Terminal() {
			return nil, fmt.Errorf("parent goal %q is %s and cannot take children", parent.ID, parent.Status)
		}
	}

	priority := input.Priority
	if priority == "" {
		priority = contracts.PriorityMedium
	}

	now := s.clock().UTC()
	goal := &contracts.Goal{
		ID:              uuid.NewString(),
		Description:     input.Description,
		Priority:        priority,
		Status:          contracts.GoalActive,
		ParentGoalID:    input.ParentGoalID,
		SuccessCriteria: input.SuccessCriteria,
		Source:          input.Source,
		SourceTrust:     input.SourceTrust,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	criteriaJSON, err := json.Marshal(goal.SuccessCriteria)
	if err != nil {
		return nil, fmt.Errorf("encode criteria: %w", err)
	}

	query := `
		INSERT INTO autonomy_goals (id, description, priority, status, parent_goal_id, success_criteria, source, source_trust, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)
	`
	_, err = s.db.ExecContext(ctx, query,
		goal.ID, goal.Description, string(goal.Priority), string(goal.Status),
		goal.ParentGoalID, criteriaJSON, string(goal.Source), goal.SourceTrust,
		goal.CreatedAt, goal.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert goal: %w", err)
	}
	return goal, nil
}

func (s *PostgresGoalStore) UpdateGoal(ctx context.Context, id string, patch goals.GoalPatch, caller *goals.Caller) (*contracts.Goal, error) {
	c := callerOrSystem(caller)
	if err := goals.CheckTrustFloor(c.Source, c.Trust); err != nil {
		return nil, err
	}

	goal, err := s.GetGoal(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("goal %q not found", id)
	}
	if err != nil {
		return nil, err
	}

	if patch.Status != nil && *patch.Status != goal.Status {
		if err := goals.CheckTransition(goal.Status, *patch.Status); err != nil {
			return nil, err
		}
		if patch.Status.Terminal() && c.Trust < goal.SourceTrust {
			return nil, fmt.Errorf("caller trust %.2f is below floor %.2f required to close goal %q",
				c.Trust, goal.SourceTrust, id)
		}
	}

	now := s.clock().UTC()
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

	query := `
		UPDATE autonomy_goals
		SET description = $1, priority = $2, status = $3, updated_at = $4, completed_at = $5
		WHERE id = $6
	`
	_, err = s.db.ExecContext(ctx, query,
		goal.Description, string(goal.Priority), string(goal.Status),
		goal.UpdatedAt, goal.CompletedAt, goal.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update goal: %w", err)
	}
	return goal, nil
}

func (s *PostgresGoalStore) GetGoal(ctx context.Context, id string) (*contracts.Goal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgGoalColumns+` FROM autonomy_goals WHERE id = $1`, id)
	goal, err := scanGoal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return goal, err
}

// ActiveGoals returns all active goals, most urgent priority first.
func (s *PostgresGoalStore) ActiveGoals(ctx context.Context) ([]*contracts.Goal, error) {
	query := `
		SELECT ` + pgGoalColumns + `
		FROM autonomy_goals
		WHERE status = 'active'
		ORDER BY CASE priority
			WHEN 'critical' THEN 0
			WHEN 'high' THEN 1
			WHEN 'medium' THEN 2
			WHEN 'low' THEN 3
			ELSE 4
		END, created_at
	`
	return s.queryGoals(ctx, query)
}

// GoalTree returns the root plus all transitive descendants.
func (s *PostgresGoalStore) GoalTree(ctx context.Context, rootID string) ([]*contracts.Goal, error) {
	query := `
		WITH RECURSIVE tree AS (
			SELECT ` + pgGoalColumns + `, 0 AS depth FROM autonomy_goals WHERE id = $1
			UNION ALL
			SELECT g.id, g.description, g.priority, g.status, g.parent_goal_id, g.success_criteria,
			       g.source, g.source_trust, g.created_at, g.updated_at, g.completed_at, tree.depth + 1
			FROM autonomy_goals g
			JOIN tree ON g.parent_goal_id = tree.id
		)
		SELECT ` + pgGoalColumns + ` FROM tree ORDER BY depth, created_at
	`
	return s.queryGoals(ctx, query, rootID)
}

func (s *PostgresGoalStore) EvaluateGoal(ctx context.Context, id string) (*contracts.GoalEvaluation, error) {
	goal, err := s.GetGoal(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("goal %q not found", id)
	}
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	evaluator := s.evaluators[id]
	s.mu.RUnlock()

	eval := evaluateCriteria(goal, evaluator)
	if eval.Met && goal.Status == contracts.GoalActive {
		now := s.clock().UTC()
		_, err = s.db.ExecContext(ctx,
			`UPDATE autonomy_goals SET status = 'completed', updated_at = $1, completed_at = COALESCE(completed_at, $1) WHERE id = $2`,
			now, id)
		if err != nil {
			return nil, fmt.Errorf("complete goal: %w", err)
		}
		eval.Completed = true
	}
	return eval, nil
}

func (s *PostgresGoalStore) queryGoals(ctx context.Context, query string, args ...any) ([]*contracts.Goal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Goal
	for rows.Next() {
		goal, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, goal)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanGoal(row rowScanner) (*contracts.Goal, error) {
	var (
		goal         contracts.Goal
		priority     string
		status       string
		parentID     sql.NullString
		criteriaJSON []byte
		source       string
		completedAt  sql.NullTime
	)
	err := row.Scan(&goal.ID, &goal.Description, &priority, &status, &parentID,
		&criteriaJSON, &source, &goal.SourceTrust, &goal.CreatedAt, &goal.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	goal.Priority = contracts.GoalPriority(priority)
	goal.Status = contracts.GoalStatus(status)
	goal.ParentGoalID = parentID.String
	goal.Source = contracts.Source(source)
	if len(criteriaJSON) > 0 {
		if err := json.Unmarshal(criteriaJSON, &goal.SuccessCriteria); err != nil {
			return nil, fmt.Errorf("decode criteria: %w", err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		goal.CompletedAt = &t
	}
	return &goal, nil
}

// evaluateCriteria applies the per-goal evaluator, or the lexical heuristic,
// to every success criterion. Shared by both durable twins.
func evaluateCriteria(goal *contracts.Goal, evaluator goals.CriterionEvaluator) *contracts.GoalEvaluation {
	eval := &contracts.GoalEvaluation{GoalID: goal.ID}
	if len(goal.SuccessCriteria) == 0 {
		return eval
	}

	allMet := true
	for _, criterion := range goal.SuccessCriteria {
		var res contracts.CriterionResult
		if evaluator != nil {
			met, detail, err := evaluator(*goal, criterion)
			if err != nil {
				res = contracts.CriterionResult{Criterion: criterion, Met: false, Detail: err.Error()}
			} else {
				res = contracts.CriterionResult{Criterion: criterion, Met: met, Detail: detail}
			}
		} else {
			res = goals.EvaluateLexical(criterion)
		}
		if !res.Met {
			allMet = false
		}
		eval.Criteria = append(eval.Criteria, res)
	}
	eval.Met = allMet
	return eval
}

func callerOrSystem(c *goals.Caller) goals.Caller {
	if c == nil {
		return goals.Caller{Source: contracts.SourceSystem, Trust: 1.0}
	}
	return *c
}
