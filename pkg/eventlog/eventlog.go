// Package eventlog implements the append-only, hash-chained execution event
// log. Every pipeline stage appends one event; each event's hash covers its
// predecessor's hash, so mutating any stored event invalidates the chain from
// that point forward.
package eventlog

import (
	"errors"
	"sync"
	"time"

	"github.com/milaidy/autonomy-kernel/pkg/contracts"
)

var ErrEmptyRequestID = errors.New("eventlog: request id is required")

// GenesisHash is the chain head of an empty log.
const GenesisHash = "genesis"

// Store is an in-memory append-only event log with hash chaining, bounded
// retention and secondary indices by request and correlation id.
//
// Appends are serialized behind a single mutex; reads may run concurrently.
type Store struct {
	mu       sync.RWMutex
	events   []*contracts.ExecutionEvent
	byReq    map[string][]*contracts.ExecutionEvent
	byCorr   map[string][]*contracts.ExecutionEvent
	sequence uint64
	head     string

	maxEvents int
	window    time.Duration
	clock     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMaxEvents bounds the number of retained events; the oldest events are
// evicted FIFO once the bound is exceeded. Zero means unbounded.
func WithMaxEvents(n int) Option {
	return func(s *Store) { s.maxEvents = n }
}

// WithRetentionWindow drops events older than d at append time. Zero means
// no time-based retention.
func WithRetentionWindow(d time.Duration) Option {
	return func(s *Store) { s.window = d }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// NewStore creates a new in-memory event store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		byReq:  make(map[string][]*contracts.ExecutionEvent),
		byCorr: make(map[string][]*contracts.ExecutionEvent),
		head:   GenesisHash,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append computes the next event's chained hash, assigns the next sequence
// id and stores and indexes the event. The returned event is the stored
// instance and must not be mutated by callers.
func (s *Store) Append(requestID string, typ contracts.EventType, payload map[string]any, correlationID string) (*contracts.ExecutionEvent, error) {
	if requestID == "" {
		return nil, ErrEmptyRequestID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev := &contracts.ExecutionEvent{
		RequestID:     requestID,
		Type:          typ,
		Payload:       payload,
		Timestamp:     s.clock().UTC(),
		CorrelationID: correlationID,
		PrevHash:      s.head,
	}

	hash, err := ComputeEventHash(ev)
	if err != nil {
		return nil, err
	}

	s.sequence++
	ev.SequenceID = s.sequence
	ev.EventHash = hash
	s.head = hash

	s.events = append(s.events, ev)
	s.byReq[requestID] = append(s.byReq[requestID], ev)
	if correlationID != "" {
		s.byCorr[correlationID] = append(s.byCorr[correlationID], ev)
	}

	s.evictLocked()
	return ev, nil
}

// evictLocked enforces the count bound and retention window, pruning the
// secondary indices in step with the primary slice.
func (s *Store) evictLocked() {
	drop := 0
	if s.maxEvents > 0 && len(s.events) > s.maxEvents {
		drop = len(s.events) - s.maxEvents
	}
	if s.window > 0 {
		cutoff := s.clock().UTC().Add(-s.window)
		for drop < len(s.events) && s.events[drop].Timestamp.Before(cutoff) {
			drop++
		}
	}
	if drop == 0 {
		return
	}

	for _, ev := range s.events[:drop] {
		s.byReq[ev.RequestID] = dropHead(s.byReq[ev.RequestID], ev)
		if len(s.byReq[ev.RequestID]) == 0 {
			delete(s.byReq, ev.RequestID)
		}
		if ev.CorrelationID != "" {
			s.byCorr[ev.CorrelationID] = dropHead(s.byCorr[ev.CorrelationID], ev)
			if len(s.byCorr[ev.CorrelationID]) == 0 {
				delete(s.byCorr, ev.CorrelationID)
			}
		}
	}
	s.events = append([]*contracts.ExecutionEvent(nil), s.events[drop:]...)
}

func dropHead(evs []*contracts.ExecutionEvent, ev *contracts.ExecutionEvent) []*contracts.ExecutionEvent {
	if len(evs) > 0 && evs[0] == ev {
		return evs[1:]
	}
	// Eviction is FIFO over the primary slice, so the head is the only
	// candidate; anything else indicates index corruption.
	out := evs[:0]
	for _, e := range evs {
		if e != ev {
			out = append(out, e)
		}
	}
	return out
}

// GetByRequestID returns the events for a request in insertion order.
func (s *Store) GetByRequestID(requestID string) []*contracts.ExecutionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*contracts.ExecutionEvent(nil), s.byReq[requestID]...)
}

// GetByCorrelationID returns all events of one pipeline execution in
// insertion order.
func (s *Store) GetByCorrelationID(correlationID string) []*contracts.ExecutionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*contracts.ExecutionEvent(nil), s.byCorr[correlationID]...)
}

// GetRecent returns the most recent n events in insertion order.
func (s *Store) GetRecent(n int) []*contracts.ExecutionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.events) {
		n = len(s.events)
	}
	return append([]*contracts.ExecutionEvent(nil), s.events[len(s.events)-n:]...)
}

// Size returns the number of retained events.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Head returns the current chain head hash.
func (s *Store) Head() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}
