package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/milaidy/autonomy-kernel/pkg/contracts"
	"github.com/milaidy/autonomy-kernel/pkg/eventlog"
)

// SQLiteEventStore is the single-node durable audit log. Same hash function
// and chain discipline as the Postgres store.
type SQLiteEventStore struct {
	db      *sql.DB
	agentID string

	appendMu sync.Mutex
	clock    func() time.Time
}

func NewSQLiteEventStore(db *sql.DB, agentID string) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{db: db, agentID: agentID, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the time source, for tests.
func (s *SQLiteEventStore) WithClock(clock func() time.Time) *SQLiteEventStore {
	s.clock = clock
	return s
}

func (s *SQLiteEventStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS autonomy_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload JSON,
			correlation_id TEXT,
			prev_hash TEXT NOT NULL DEFAULT '',
			event_hash TEXT NOT NULL UNIQUE,
			agent_id TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_autonomy_events_request ON autonomy_events (request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_autonomy_events_correlation ON autonomy_events (correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_autonomy_events_type ON autonomy_events (type)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteEventStore) Append(ctx context.Context, requestID string, typ contracts.EventType, payload map[string]any, correlationID string) (*contracts.ExecutionEvent, error) {
	if requestID == "" {
		return nil, eventlog.ErrEmptyRequestID
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	prev, err := s.head(ctx)
	if err != nil {
		return nil, err
	}

	ev := &contracts.ExecutionEvent{
		RequestID:     requestID,
		Type:          typ,
		Payload:       payload,
		Timestamp:     s.clock().UTC(),
		CorrelationID: correlationID,
		PrevHash:      prev,
	}
	ev.EventHash, err = eventlog.ComputeEventHash(ev)
	if err != nil {
		return nil, fmt.Errorf("hash event: %w", err)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	query := `
		INSERT INTO autonomy_events (request_id, type, payload, correlation_id, prev_hash, event_hash, agent_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		requestID,
		string(typ),
		string(payloadJSON),
		correlationID,
		ev.PrevHash,
		ev.EventHash,
		s.agentID,
		ev.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	ev.SequenceID = uint64(id)
	return ev, nil
}

func (s *SQLiteEventStore) head(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT event_hash FROM autonomy_events ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return eventlog.GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("read chain head: %w", err)
	}
	return hash, nil
}

// Head returns the hash of the most recent event, or "genesis" when empty.
func (s *SQLiteEventStore) Head(ctx context.Context) (string, error) {
	return s.head(ctx)
}

func (s *SQLiteEventStore) GetByRequestID(ctx context.Context, requestID string) ([]*contracts.ExecutionEvent, error) {
	return s.query(ctx,
		`SELECT `+pgEventColumns+` FROM autonomy_events WHERE request_id = ? ORDER BY id`, requestID)
}

func (s *SQLiteEventStore) GetByCorrelationID(ctx context.Context, correlationID string) ([]*contracts.ExecutionEvent, error) {
	return s.query(ctx,
		`SELECT `+pgEventColumns+` FROM autonomy_events WHERE correlation_id = ? ORDER BY id`, correlationID)
}

// GetRecent returns the n most recent events in insertion order. n <= 0
// returns every retained event.
func (s *SQLiteEventStore) GetRecent(ctx context.Context, n int) ([]*contracts.ExecutionEvent, error) {
	if n <= 0 {
		n = -1 // LIMIT -1, no bound
	}
	return s.query(ctx,
		`SELECT `+pgEventColumns+` FROM (
			SELECT `+pgEventColumns+` FROM autonomy_events ORDER BY id DESC LIMIT ?
		) ORDER BY id`, n)
}

func (s *SQLiteEventStore) query(ctx context.Context, query string, arg any) ([]*contracts.ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*contracts.ExecutionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
