package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/milaidy/autonomy-kernel/pkg/contracts"
	"github.com/milaidy/autonomy-kernel/pkg/eventlog"
)

// PostgresEventStore is the durable audit log. Appends are serialized by a
// mutex so the chain head read and the insert form one critical section;
// reads run concurrently.
type PostgresEventStore struct {
	db      *sql.DB
	agentID string

	appendMu sync.Mutex
	clock    func() time.Time
}

func NewPostgresEventStore(db *sql.DB, agentID string) *PostgresEventStore {
	return &PostgresEventStore{db: db, agentID: agentID, clock: time.Now}
}

// WithClock overrides the time source, for tests.
func (s *PostgresEventStore) WithClock(clock func() time.Time) *PostgresEventStore {
	s.clock = clock
	return s
}

func (s *PostgresEventStore) Append(ctx context.Context, requestID string, typ contracts.EventType, payload map[string]any, correlationID string) (*contracts.ExecutionEvent, error) {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err = s.db.QueryRowContext(ctx, query,
		requestID,
		string(typ),
		payloadJSON,
		correlationID,
		ev.PrevHash,
		ev.EventHash,
		s.agentID,
		ev.Timestamp.Format(time.RFC3339Nano),
	).Scan(&ev.SequenceID)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return ev, nil
}

func (s *PostgresEventStore) head(ctx context.Context) (string, error) {
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
func (s *PostgresEventStore) Head(ctx context.Context) (string, error) {
	return s.head(ctx)
}

const pgEventColumns = `id, request_id, type, payload, correlation_id, prev_hash, event_hash, timestamp`

func (s *PostgresEventStore) GetByRequestID(ctx context.Context, requestID string) ([]*contracts.ExecutionEvent, error) {
	return s.query(ctx,
		`SELECT `+pgEventColumns+` FROM autonomy_events WHERE request_id = $1 ORDER BY id`, requestID)
}

func (s *PostgresEventStore) GetByCorrelationID(ctx context.Context, correlationID string) ([]*contracts.ExecutionEvent, error) {
	return s.query(ctx,
		`SELECT `+pgEventColumns+` FROM autonomy_events WHERE correlation_id = $1 ORDER BY id`, correlationID)
}

// GetRecent returns the n most recent events in insertion order. n <= 0
// returns every retained event.
func (s *PostgresEventStore) GetRecent(ctx context.Context, n int) ([]*contracts.ExecutionEvent, error) {
	limit := any(n)
	if n <= 0 {
		limit = nil // LIMIT NULL, no bound
	}
	events, err := s.query(ctx,
		`SELECT `+pgEventColumns+` FROM (
			SELECT `+pgEventColumns+` FROM autonomy_events ORDER BY id DESC LIMIT $1
		) recent ORDER BY id`, limit)
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *PostgresEventStore) query(ctx context.Context, query string, arg any) ([]*contracts.ExecutionEvent, error) {
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*contracts.ExecutionEvent, error) {
	var (
		ev            contracts.ExecutionEvent
		typ           string
		payloadJSON   []byte
		correlationID sql.NullString
		timestamp     string
	)
	if err := row.Scan(&ev.SequenceID, &ev.RequestID, &typ, &payloadJSON, &correlationID, &ev.PrevHash, &ev.EventHash, &timestamp); err != nil {
		return nil, err
	}
	ev.Type = contracts.EventType(typ)
	ev.CorrelationID = correlationID.String
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	ev.Timestamp = ts
	return &ev, nil
}
