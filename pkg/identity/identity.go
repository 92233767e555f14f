// Package identity stores versioned agent identity documents. Exactly one
// version per agent is active at a time; every Put creates a new version and
// flips the active flag in one step, so history is never rewritten.
package identity

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/milaidy/autonomy-kernel/pkg/canonicalize"
)

// ErrNoIdentity is returned when an agent has no active identity.
var ErrNoIdentity = errors.New("identity: no active identity for agent")

// Record is one stored identity version.
type Record struct {
	Version   int            `json:"version"`
	Identity  map[string]any `json:"identity"`
	Hash      string         `json:"hash"`
	AgentID   string         `json:"agent_id"`
	Active    bool           `json:"active"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store is the versioned identity port.
type Store interface {
	// Put stores doc as the next version for the agent and makes it the
	// active one.
	Put(ctx context.Context, agentID string, doc map[string]any) (*Record, error)
	// Active returns the currently active version.
	Active(ctx context.Context, agentID string) (*Record, error)
	// History returns every version in ascending version order.
	History(ctx context.Context, agentID string) ([]*Record, error)
}

// MemoryStore is the volatile Store used in tests and single-process mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]*Record // agentID -> versions, ascending
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]*Record),
		clock:   time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Put(ctx context.Context, agentID string, doc map[string]any) (*Record, error) {
	hash, err := canonicalize.CanonicalHash(doc)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.records[agentID]
	for _, r := range versions {
		r.Active = false
	}
	rec := &Record{
		Version:   len(versions) + 1,
		Identity:  doc,
		Hash:      hash,
		AgentID:   agentID,
		Active:    true,
		CreatedAt: s.clock().UTC(),
	}
	s.records[agentID] = append(versions, rec)
	return copyRecord(rec), nil
}

func (s *MemoryStore) Active(ctx context.Context, agentID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records[agentID] {
		if r.Active {
			return copyRecord(r), nil
		}
	}
	return nil, ErrNoIdentity
}

func (s *MemoryStore) History(ctx context.Context, agentID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.records[agentID]
	out := make([]*Record, 0, len(versions))
	for _, r := range versions {
		out = append(out, copyRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func copyRecord(r *Record) *Record {
	dup := *r
	return &dup
}
