// Package approval implements the human-in-the-loop authorization gate. Each
// pending request owns a cancellable timer; resolution and timeout both
// funnel through a single completion path that removes the entry under the
// gate lock before delivering the result, so double resolution is
// structurally impossible rather than policy-checked.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/milaidy/autonomy-kernel/pkg/contracts"
)

var ErrDisposed = errors.New("approval: gate disposed")

// DefaultTimeout applies when no timeout is configured.
const DefaultTimeout = 5 * time.Minute

type pendingRequest struct {
	req   contracts.ApprovalRequest
	done  chan contracts.ApprovalResult // buffered; exactly one send ever happens
	timer *time.Timer
}

// Gate tracks pending human-approval requests with per-request timeout.
// Requests resolve independently of one another.
type Gate struct {
	mu       sync.Mutex
	pending  map[string]*pendingRequest
	disposed bool

	timeout  time.Duration
	clock    func() time.Time
	observer Observer
	metrics  *Metrics
	logger   *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithTimeout sets the per-request expiry window.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithObserver installs an observer for requested/resolved events.
func WithObserver(o Observer) Option {
	return func(g *Gate) {
		if o != nil {
			g.observer = o
		}
	}
}

// WithMetrics attaches approval metrics to the given meter.
func WithMetrics(m *Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithClock overrides the clock for deterministic testing. The expiry timer
// still runs on real time; the clock only stamps CreatedAt/ExpiresAt.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

// NewGate creates an approval gate.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		pending:  make(map[string]*pendingRequest),
		timeout:  DefaultTimeout,
		clock:    time.Now,
		observer: NopObserver{},
		logger:   slog.Default().With("component", "approval-gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestApproval registers a pending request and returns a deferred result
// channel that receives exactly one ApprovalResult: the human decision, or
// an expired result if no resolution arrives before the deadline.
func (g *Gate) RequestApproval(ctx context.Context, call contracts.ProposedToolCall, riskClass contracts.RiskClass) (<-chan contracts.ApprovalResult, contracts.ApprovalRequest, error) {
	_ = ctx
	now := g.clock()
	req := contracts.ApprovalRequest{
		ID:        uuid.New().String(),
		Call:      call,
		RiskClass: riskClass,
		CreatedAt: now,
		ExpiresAt: now.Add(g.timeout),
	}

	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return nil, contracts.ApprovalRequest{}, ErrDisposed
	}
	p := &pendingRequest{
		req:  req,
		done: make(chan contracts.ApprovalResult, 1),
	}
	p.timer = time.AfterFunc(g.timeout, func() { g.expire(req.ID) })
	g.pending[req.ID] = p
	depth := len(g.pending)
	g.mu.Unlock()

	g.logger.Info("approval requested",
		"request_id", req.ID,
		"tool", call.Tool,
		"risk_class", string(riskClass),
		"expires_at", req.ExpiresAt)
	g.observer.ApprovalRequested(req)
	g.metrics.onRequested(riskClass, depth)

	return p.done, req, nil
}

// Resolve completes the matching pending request and reports whether a match
// existed. A second call with the same id returns false: resolution is
// exactly-once.
func (g *Gate) Resolve(id string, decision contracts.ApprovalDecision, decidedBy string) bool {
	g.mu.Lock()
	p, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return false
	}
	res := g.completeLocked(p, decision, decidedBy)
	depth := len(g.pending)
	g.mu.Unlock()

	g.deliver(p, res, depth)
	return true
}

// expire is the timer path; it is a no-op when the request already resolved.
func (g *Gate) expire(id string) {
	g.mu.Lock()
	p, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	res := g.completeLocked(p, contracts.DecisionExpired, "")
	depth := len(g.pending)
	g.mu.Unlock()

	g.deliver(p, res, depth)
}

// completeLocked removes the entry and stops its timer. The caller delivers
// the result outside the lock.
func (g *Gate) completeLocked(p *pendingRequest, decision contracts.ApprovalDecision, decidedBy string) contracts.ApprovalResult {
	delete(g.pending, p.req.ID)
	p.timer.Stop()
	return contracts.ApprovalResult{
		ID:        p.req.ID,
		Decision:  decision,
		DecidedBy: decidedBy,
		DecidedAt: g.clock(),
	}
}

func (g *Gate) deliver(p *pendingRequest, res contracts.ApprovalResult, depth int) {
	p.done <- res

	g.logger.Info("approval resolved",
		"request_id", res.ID,
		"decision", string(res.Decision),
		"decided_by", res.DecidedBy)
	g.observer.ApprovalResolved(p.req, res)
	g.metrics.onResolved(p.req.RiskClass, res.Decision, res.DecidedAt.Sub(p.req.CreatedAt), depth)
}

// Pending returns the live queue ordered by creation time.
func (g *Gate) Pending() []contracts.ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]contracts.ApprovalRequest, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PendingByID returns one pending request, or false if unknown or resolved.
func (g *Gate) PendingByID(id string) (contracts.ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[id]
	if !ok {
		return contracts.ApprovalRequest{}, false
	}
	return p.req, true
}

// Dispose force-resolves every pending request as expired, cancels all
// timers and rejects any further requests. No caller hangs and no timer
// fires afterwards.
func (g *Gate) Dispose() {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return
	}
	g.disposed = true
	drained := make([]*pendingRequest, 0, len(g.pending))
	results := make([]contracts.ApprovalResult, 0, len(g.pending))
	for _, p := range g.pending {
		drained = append(drained, p)
		results = append(results, g.completeLocked(p, contracts.DecisionExpired, ""))
	}
	g.mu.Unlock()

	for i, p := range drained {
		g.deliver(p, results[i], 0)
	}
	g.logger.Info("approval gate disposed", "force_expired", len(drained))
}
