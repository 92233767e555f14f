package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/milaidy/autonomy-kernel/pkg/canonicalize"
)

// PostgresStore persists identity versions in the autonomy_identity table.
// The version bump and the active-flag flip happen in one transaction, so a
// reader never observes zero or two active versions.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

// WithClock overrides the time source, for tests.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

func (s *PostgresStore) Put(ctx context.Context, agentID string, doc map[string]any) (*Record, error) {
	hash, err := canonicalize.CanonicalHash(doc)
	if err != nil {
		return nil, err
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM autonomy_identity WHERE agent_id = $1`,
		agentID).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("next version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE autonomy_identity SET active = FALSE WHERE agent_id = $1 AND active`,
		agentID); err != nil {
		return nil, fmt.Errorf("retire active version: %w", err)
	}

	rec := &Record{
		Version:   version,
		Identity:  doc,
		Hash:      hash,
		AgentID:   agentID,
		Active:    true,
		CreatedAt: s.clock().UTC(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO autonomy_identity (version, identity, hash, agent_id, active, created_at)
		 VALUES ($1, $2, $3, $4, TRUE, $5)`,
		rec.Version, docJSON, rec.Hash, rec.AgentID, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert identity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) Active(ctx context.Context, agentID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, identity, hash, agent_id, active, created_at
		 FROM autonomy_identity WHERE agent_id = $1 AND active`, agentID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoIdentity
	}
	return rec, err
}

func (s *PostgresStore) History(ctx context.Context, agentID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, identity, hash, agent_id, active, created_at
		 FROM autonomy_identity WHERE agent_id = $1 ORDER BY version`, agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec     Record
		docJSON []byte
	)
	if err := row.Scan(&rec.Version, &docJSON, &rec.Hash, &rec.AgentID, &rec.Active, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if len(docJSON) > 0 {
		if err := json.Unmarshal(docJSON, &rec.Identity); err != nil {
			return nil, fmt.Errorf("decode identity: %w", err)
		}
	}
	return &rec, nil
}
