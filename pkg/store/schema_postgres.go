package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Postgres schema for the durable backends. Event and identity timestamps are
// stored as text in RFC 3339 form so that hash inputs round-trip exactly.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS autonomy_events (
		id BIGSERIAL PRIMARY KEY,
		request_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload JSONB,
		correlation_id TEXT,
		prev_hash TEXT NOT NULL DEFAULT '',
		event_hash TEXT NOT NULL UNIQUE,
		agent_id TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_autonomy_events_request ON autonomy_events (request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_autonomy_events_correlation ON autonomy_events (correlation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_autonomy_events_type ON autonomy_events (type)`,
	`CREATE INDEX IF NOT EXISTS idx_autonomy_events_agent ON autonomy_events (agent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_autonomy_events_timestamp ON autonomy_events (timestamp)`,

	`CREATE TABLE IF NOT EXISTS autonomy_goals (
		id UUID PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		parent_goal_id UUID,
		success_criteria JSONB,
		source TEXT NOT NULL,
		source_trust DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_autonomy_goals_status ON autonomy_goals (status)`,
	`CREATE INDEX IF NOT EXISTS idx_autonomy_goals_parent ON autonomy_goals (parent_goal_id)`,
	`CREATE INDEX IF NOT EXISTS idx_autonomy_goals_priority ON autonomy_goals (priority)`,

	`CREATE TABLE IF NOT EXISTS autonomy_approvals (
		request_id TEXT PRIMARY KEY,
		tool_name TEXT NOT NULL,
		risk_class TEXT NOT NULL,
		call_payload JSONB,
		decision TEXT,
		decided_by TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		decided_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS autonomy_identity (
		id BIGSERIAL PRIMARY KEY,
		version INTEGER NOT NULL,
		identity JSONB NOT NULL,
		hash TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_autonomy_identity_version ON autonomy_identity (agent_id, version)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_autonomy_identity_active ON autonomy_identity (agent_id) WHERE active`,
}

// MigratePostgres creates the autonomy tables and indexes if absent.
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	for _, stmt := range postgresSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
