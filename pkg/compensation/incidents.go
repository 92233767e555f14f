package compensation

import (
	"fmt"
	"sync"
	"time"

	"github.com/milaidy/autonomy-kernel/pkg/contracts"
)

// IncidentManager tracks unresolved rollbacks. Ids are sequential and
// stable; incidents advance open -> acknowledged -> resolved only (skipping
// acknowledged is allowed).
type IncidentManager struct {
	mu        sync.Mutex
	incidents []*contracts.CompensationIncident
	byID      map[string]*contracts.CompensationIncident
	nextID    int
	clock     func() time.Time
}

// NewIncidentManager creates an empty incident manager.
func NewIncidentManager() *IncidentManager {
	return &IncidentManager{
		byID:   make(map[string]*contracts.CompensationIncident),
		nextID: 1,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *IncidentManager) WithClock(clock func() time.Time) *IncidentManager {
	m.clock = clock
	return m
}

// OpenIncident records an unresolved rollback and returns it.
func (m *IncidentManager) OpenIncident(requestID, toolName, correlationID, reason string, attempted, succeeded bool) *contracts.CompensationIncident {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	inc := &contracts.CompensationIncident{
		ID:                    fmt.Sprintf("INC-%d", m.nextID),
		RequestID:             requestID,
		ToolName:              toolName,
		CorrelationID:         correlationID,
		Reason:                reason,
		CompensationAttempt:   attempted,
		CompensationSucceeded: succeeded,
		Status:                contracts.IncidentOpen,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	m.nextID++
	m.incidents = append(m.incidents, inc)
	m.byID[inc.ID] = inc
	return copyIncident(inc)
}

// AcknowledgeIncident moves an open incident to acknowledged. Unknown ids
// and invalid transitions return nil.
func (m *IncidentManager) AcknowledgeIncident(id string) *contracts.CompensationIncident {
	return m.transition(id, contracts.IncidentAcknowledged, func(s contracts.IncidentStatus) bool {
		return s == contracts.IncidentOpen
	})
}

// ResolveIncident closes an incident from open or acknowledged.
func (m *IncidentManager) ResolveIncident(id string) *contracts.CompensationIncident {
	return m.transition(id, contracts.IncidentResolved, func(s contracts.IncidentStatus) bool {
		return s == contracts.IncidentOpen || s == contracts.IncidentAcknowledged
	})
}

func (m *IncidentManager) transition(id string, to contracts.IncidentStatus, valid func(contracts.IncidentStatus) bool) *contracts.CompensationIncident {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc, ok := m.byID[id]
	if !ok || !valid(inc.Status) {
		return nil
	}
	inc.Status = to
	inc.UpdatedAt = m.clock()
	return copyIncident(inc)
}

// GetIncident returns an incident by id, or nil if unknown.
func (m *IncidentManager) GetIncident(id string) *contracts.CompensationIncident {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.byID[id]
	if !ok {
		return nil
	}
	return copyIncident(inc)
}

// ListOpenIncidents returns non-resolved incidents in creation order.
func (m *IncidentManager) ListOpenIncidents() []*contracts.CompensationIncident {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*contracts.CompensationIncident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		if inc.Status != contracts.IncidentResolved {
			out = append(out, copyIncident(inc))
		}
	}
	return out
}

// ListIncidents returns every incident in creation order.
func (m *IncidentManager) ListIncidents() []*contracts.CompensationIncident {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*contracts.CompensationIncident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		out = append(out, copyIncident(inc))
	}
	return out
}

func copyIncident(inc *contracts.CompensationIncident) *contracts.CompensationIncident {
	c := *inc
	return &c
}
