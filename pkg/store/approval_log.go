package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/milaidy/autonomy-kernel/pkg/contracts"
)

// PostgresApprovalLog persists every approval request and its decision.
type PostgresApprovalLog struct {
	db *sql.DB
}

func NewPostgresApprovalLog(db *sql.DB) *PostgresApprovalLog {
	return &PostgresApprovalLog{db: db}
}

func (l *PostgresApprovalLog) Record(ctx context.Context, req contracts.ApprovalRequest, res contracts.ApprovalResult) error {
	callJSON, err := json.Marshal(req.Call)
	if err != nil {
		return fmt.Errorf("encode call: %w", err)
	}
	query := `
		INSERT INTO autonomy_approvals (request_id, tool_name, risk_class, call_payload, decision, decided_by, created_at, expires_at, decided_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
		ON CONFLICT (request_id) DO UPDATE
		SET decision = EXCLUDED.decision, decided_by = EXCLUDED.decided_by, decided_at = EXCLUDED.decided_at
	`
	_, err = l.db.ExecContext(ctx, query,
		req.ID, req.Call.Tool, string(req.RiskClass), callJSON,
		string(res.Decision), res.DecidedBy, req.CreatedAt, req.ExpiresAt, pgNullableTime(res.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	return nil
}

func (l *PostgresApprovalLog) Get(ctx context.Context, requestID string) (*contracts.ApprovalRequest, *contracts.ApprovalResult, error) {
	query := `
		SELECT request_id, tool_name, risk_class, call_payload, decision, decided_by, created_at, expires_at, decided_at
		FROM autonomy_approvals
		WHERE request_id = $1
	`
	row := l.db.QueryRowContext(ctx, query, requestID)

	var (
		req       contracts.ApprovalRequest
		res       contracts.ApprovalResult
		riskClass string
		callJSON  []byte
		decision  sql.NullString
		decidedBy sql.NullString
		decidedAt sql.NullTime
	)
	err := row.Scan(&req.ID, &req.Call.Tool, &riskClass, &callJSON,
		&decision, &decidedBy, &req.CreatedAt, &req.ExpiresAt, &decidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	req.RiskClass = contracts.RiskClass(riskClass)
	if len(callJSON) > 0 {
		if err := json.Unmarshal(callJSON, &req.Call); err != nil {
			return nil, nil, fmt.Errorf("decode call: %w", err)
		}
	}
	res.ID = req.ID
	res.Decision = contracts.ApprovalDecision(decision.String)
	res.DecidedBy = decidedBy.String
	if decidedAt.Valid {
		res.DecidedAt = decidedAt.Time
	}
	return &req, &res, nil
}

func pgNullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// SQLiteApprovalLog is the single-node approval log.
type SQLiteApprovalLog struct {
	db *sql.DB
}

func NewSQLiteApprovalLog(db *sql.DB) (*SQLiteApprovalLog, error) {
	l := &SQLiteApprovalLog{db: db}
	query := `
		CREATE TABLE IF NOT EXISTS autonomy_approvals (
			request_id TEXT PRIMARY KEY,
			tool_name TEXT NOT NULL,
			risk_class TEXT NOT NULL,
			call_payload JSON,
			decision TEXT,
			decided_by TEXT,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			decided_at TEXT
		)
	`
	if _, err := l.db.ExecContext(context.Background(), query); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

func (l *SQLiteApprovalLog) Record(ctx context.Context, req contracts.ApprovalRequest, res contracts.ApprovalResult) error {
	callJSON, err := json.Marshal(req.Call)
	if err != nil {
		return fmt.Errorf("encode call: %w", err)
	}
	query := `
		INSERT INTO autonomy_approvals (request_id, tool_name, risk_class, call_payload, decision, decided_by, created_at, expires_at, decided_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)
		ON CONFLICT (request_id) DO UPDATE
		SET decision = excluded.decision, decided_by = excluded.decided_by, decided_at = excluded.decided_at
	`
	_, err = l.db.ExecContext(ctx, query,
		req.ID, req.Call.Tool, string(req.RiskClass), string(callJSON),
		string(res.Decision), res.DecidedBy,
		formatTime(req.CreatedAt), formatTime(req.ExpiresAt), nullableTime(res.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	return nil
}

func (l *SQLiteApprovalLog) Get(ctx context.Context, requestID string) (*contracts.ApprovalRequest, *contracts.ApprovalResult, error) {
	query := `
		SELECT request_id, tool_name, risk_class, call_payload, decision, decided_by, created_at, expires_at, decided_at
		FROM autonomy_approvals
		WHERE request_id = ?
	`
	row := l.db.QueryRowContext(ctx, query, requestID)

	var (
		req       contracts.ApprovalRequest
		res       contracts.ApprovalResult
		riskClass string
		callJSON  sql.NullString
		decision  sql.NullString
		decidedBy sql.NullString
		createdAt string
		expiresAt string
		decidedAt sql.NullString
	)
	err := row.Scan(&req.ID, &req.Call.Tool, &riskClass, &callJSON,
		&decision, &decidedBy, &createdAt, &expiresAt, &decidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	req.RiskClass = contracts.RiskClass(riskClass)
	if callJSON.Valid && callJSON.String != "" {
		if err := json.Unmarshal([]byte(callJSON.String), &req.Call); err != nil {
			return nil, nil, fmt.Errorf("decode call: %w", err)
		}
	}
	req.CreatedAt = parseStoredTime(createdAt)
	req.ExpiresAt = parseStoredTime(expiresAt)
	res.ID = req.ID
	res.Decision = contracts.ApprovalDecision(decision.String)
	res.DecidedBy = decidedBy.String
	if decidedAt.Valid {
		res.DecidedAt = parseStoredTime(decidedAt.String)
	}
	return &req, &res, nil
}

// ApprovalObserver adapts an ApprovalLog to the approval gate's Observer
// port, persisting a row on request and updating it on resolution.
type ApprovalObserver struct {
	log    ApprovalLog
	logger *slog.Logger
}

// NewApprovalObserver wraps an ApprovalLog as a gate observer. Persistence
// failures are logged, never propagated into the approval path.
func NewApprovalObserver(log ApprovalLog) *ApprovalObserver {
	return &ApprovalObserver{
		log:    log,
		logger: slog.Default().With("component", "approval_log"),
	}
}

func (o *ApprovalObserver) ApprovalRequested(req contracts.ApprovalRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.log.Record(ctx, req, contracts.ApprovalResult{ID: req.ID}); err != nil {
		o.logger.Error("failed to persist approval request", "request_id", req.ID, "error", err)
	}
}

func (o *ApprovalObserver) ApprovalResolved(req contracts.ApprovalRequest, res contracts.ApprovalResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.log.Record(ctx, req, res); err != nil {
		o.logger.Error("failed to persist approval decision", "request_id", req.ID, "error", err)
	}
}
