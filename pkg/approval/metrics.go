package approval

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/milaidy/autonomy-kernel/pkg/contracts"
)

// Metrics owns the approval instruments. They are fields of the gate,
// threaded through construction, never process-wide state. A nil receiver
// is valid and records nothing.
type Metrics struct {
	requests metric.Int64Counter
	depth    metric.Int64UpDownCounter
	latency  metric.Float64Histogram
}

// NewMetrics creates approval metrics on the given meter: a request counter
// keyed by risk class, a gauge of current queue depth and a resolution
// latency histogram.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	requests, err := meter.Int64Counter("autonomy.approval.requests",
		metric.WithDescription("Approval requests by risk class"))
	if err != nil {
		return nil, err
	}
	depth, err := meter.Int64UpDownCounter("autonomy.approval.queue_depth",
		metric.WithDescription("Currently pending approval requests"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("autonomy.approval.resolution_ms",
		metric.WithDescription("Approval resolution latency in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &Metrics{requests: requests, depth: depth, latency: latency}, nil
}

func (m *Metrics) onRequested(risk contracts.RiskClass, _ int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("risk_class", string(risk))))
	m.depth.Add(ctx, 1)
}

func (m *Metrics) onResolved(risk contracts.RiskClass, decision contracts.ApprovalDecision, elapsed time.Duration, _ int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.depth.Add(ctx, -1)
	m.latency.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		attribute.String("risk_class", string(risk)),
		attribute.String("decision", string(decision)),
	))
}
