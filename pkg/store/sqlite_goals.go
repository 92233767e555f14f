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

// SQLiteGoalStore is the single-node durable goal backend. Timestamps are
// stored as RFC 3339 text.
type SQLiteGoalStore struct {
	db    *sql.DB
	clock func() time.Time

	mu         sync.RWMutex
	evaluators map[string]goals.CriterionEvaluator
}

func NewSQLiteGoalStore(db *sql.DB) (*SQLiteGoalStore, error) {
	s := &SQLiteGoalStore{
		db:         db,
		clock:      time.Now,
		evaluators: make(map[string]goals.CriterionEvaluator),
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the time source, for tests.
func (s *SQLiteGoalStore) WithClock(clock func() time.Time) *SQLiteGoalStore {
	s.clock = clock
	return s
}

// RegisterEvaluator installs a criterion evaluator for one goal.
func (s *SQLiteGoalStore) RegisterEvaluator(goalID string, fn goals.CriterionEvaluator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluators[goalID] = fn
}

func (s *SQLiteGoalStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS autonomy_goals (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			parent_goal_id TEXT,
			success_criteria JSON,
			source TEXT NOT NULL,
			source_trust REAL NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_autonomy_goals_status ON autonomy_goals (status)`,
		`CREATE INDEX IF NOT EXISTS idx_autonomy_goals_parent ON autonomy_goals (parent_goal_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteGoalStore) AddGoal(ctx context.Context, input goals.GoalInput) (*contracts.Goal, error) {
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
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		goal.ID, goal.Description, string(goal.Priority), string(goal.Status),
		goal.ParentGoalID, string(criteriaJSON), string(goal.Source), goal.SourceTrust,
		formatTime(goal.CreatedAt), formatTime(goal.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert goal: %w", err)
	}
	return goal, nil
}

func (s *SQLiteGoalStore) UpdateGoal(ctx context.Context, id string, patch goals.GoalPatch, caller *goals.Caller) (*contracts.Goal, error) {
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

	var completedAt any
	if goal.CompletedAt != nil {
		completedAt = formatTime(*goal.CompletedAt)
	}
	query := `
		UPDATE autonomy_goals
		SET description = ?, priority = ?, status = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`
	_, err = s.db.ExecContext(ctx, query,
		goal.Description, string(goal.Priority), string(goal.Status),
		formatTime(goal.UpdatedAt), completedAt, goal.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update goal: %w", err)
	}
	return goal, nil
}

func (s *SQLiteGoalStore) GetGoal(ctx context.Context, id string) (*contracts.Goal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgGoalColumns+` FROM autonomy_goals WHERE id = ?`, id)
	goal, err := scanGoalText(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return goal, err
}

// ActiveGoals returns all active goals, most urgent priority first.
func (s *SQLiteGoalStore) ActiveGoals(ctx context.Context) ([]*contracts.Goal, error) {
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
func (s *SQLiteGoalStore) GoalTree(ctx context.Context, rootID string) ([]*contracts.Goal, error) {
	query := `
		WITH RECURSIVE tree AS (
			SELECT ` + pgGoalColumns + `, 0 AS depth FROM autonomy_goals WHERE id = ?
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

func (s *SQLiteGoalStore) EvaluateGoal(ctx context.Context, id string) (*contracts.GoalEvaluation, error) {
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
		now := formatTime(s.clock().UTC())
		_, err = s.db.ExecContext(ctx,
			`UPDATE autonomy_goals SET status = 'completed', updated_at = ?, completed_at = COALESCE(completed_at, ?) WHERE id = ?`,
			now, now, id)
		if err != nil {
			return nil, fmt.Errorf("complete goal: %w", err)
		}
		eval.Completed = true
	}
	return eval, nil
}

func (s *SQLiteGoalStore) queryGoals(ctx context.Context, query string, args ...any) ([]*contracts.Goal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Goal
	for rows.Next() {
		goal, err := scanGoalText(rows)
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

// scanGoalText is the SQLite variant of scanGoal; timestamps arrive as text.
func scanGoalText(row rowScanner) (*contracts.Goal, error) {
	var (
		goal         contracts.Goal
		priority     string
		status       string
		parentID     sql.NullString
		criteriaJSON sql.NullString
		source       string
		createdAt    string
		updatedAt    string
		completedAt  sql.NullString
	)
	err := row.Scan(&goal.ID, &goal.Description, &priority, &status, &parentID,
		&criteriaJSON, &source, &goal.SourceTrust, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	goal.Priority = contracts.GoalPriority(priority)
	goal.Status = contracts.GoalStatus(status)
	goal.ParentGoalID = parentID.String
	goal.Source = contracts.Source(source)
	if criteriaJSON.Valid && criteriaJSON.String != "" {
		if err := json.Unmarshal([]byte(criteriaJSON.String), &goal.SuccessCriteria); err != nil {
			return nil, fmt.Errorf("decode criteria: %w", err)
		}
	}
	goal.CreatedAt = parseStoredTime(createdAt)
	goal.UpdatedAt = parseStoredTime(updatedAt)
	if completedAt.Valid && completedAt.String != "" {
		t := parseStoredTime(completedAt.String)
		goal.CompletedAt = &t
	}
	return &goal, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseStoredTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
