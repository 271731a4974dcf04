package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics bundles the auction engine's instruments.
type EngineMetrics struct {
	bidsCommitted metric.Int64Counter
	bidsRejected  metric.Int64Counter
	lanesActive   metric.Int64UpDownCounter
	sessions      metric.Int64UpDownCounter
}

// NewEngineMetrics registers the engine instruments on the given meter
// provider.
func NewEngineMetrics(mp metric.MeterProvider) (*EngineMetrics, error) {
	meter := mp.Meter("github.com/jensholdgaard/auction-engine/internal/engine")

	committed, err := meter.Int64Counter("auction.bids.committed",
		metric.WithDescription("Bids committed, by kind"))
	if err != nil {
		return nil, fmt.Errorf("creating bids.committed counter: %w", err)
	}
	rejected, err := meter.Int64Counter("auction.bids.rejected",
		metric.WithDescription("Bids rejected, by reason"))
	if err != nil {
		return nil, fmt.Errorf("creating bids.rejected counter: %w", err)
	}
	lanes, err := meter.Int64UpDownCounter("auction.lanes.active",
		metric.WithDescription("Loaded auction lanes"))
	if err != nil {
		return nil, fmt.Errorf("creating lanes.active counter: %w", err)
	}
	sessions, err := meter.Int64UpDownCounter("auction.sessions.connected",
		metric.WithDescription("Connected subscriber sessions"))
	if err != nil {
		return nil, fmt.Errorf("creating sessions.connected counter: %w", err)
	}

	return &EngineMetrics{
		bidsCommitted: committed,
		bidsRejected:  rejected,
		lanesActive:   lanes,
		sessions:      sessions,
	}, nil
}

// BidCommitted records a committed bid of the given kind.
func (m *EngineMetrics) BidCommitted(ctx context.Context, kind string) {
	m.bidsCommitted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// BidRejected records a rejected bid with its reason code.
func (m *EngineMetrics) BidRejected(ctx context.Context, reason string) {
	m.bidsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// LaneLoaded and LaneEvicted track the registry population.
func (m *EngineMetrics) LaneLoaded(ctx context.Context)  { m.lanesActive.Add(ctx, 1) }
func (m *EngineMetrics) LaneEvicted(ctx context.Context) { m.lanesActive.Add(ctx, -1) }

// SessionConnected and SessionClosed track gateway connections.
func (m *EngineMetrics) SessionConnected(ctx context.Context) { m.sessions.Add(ctx, 1) }
func (m *EngineMetrics) SessionClosed(ctx context.Context)    { m.sessions.Add(ctx, -1) }
