package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the bridge instruments. A nil *Metrics is valid and records
// nothing, so components can take it as an optional dependency.
type Metrics struct {
	RPCDuration      metric.Float64Histogram
	RPCErrors        metric.Int64Counter
	EngineRestarts   metric.Int64Counter
	EventsBroadcast  metric.Int64Counter
	ReplayRequests   metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
	PendingApprovals metric.Int64UpDownCounter
	DroppedFrames    metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RPCDuration, err = meter.Float64Histogram("turnbridge.rpc.duration",
		metric.WithDescription("Engine RPC call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RPCErrors, err = meter.Int64Counter("turnbridge.rpc.errors",
		metric.WithDescription("Engine RPC calls that ended in an error, timeout or disconnect"),
	)
	if err != nil {
		return nil, err
	}

	m.EngineRestarts, err = meter.Int64Counter("turnbridge.engine.starts",
		metric.WithDescription("Engine process starts"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsBroadcast, err = meter.Int64Counter("turnbridge.events.broadcast",
		metric.WithDescription("Events appended to the hub log"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplayRequests, err = meter.Int64Counter("turnbridge.events.replays",
		metric.WithDescription("Replay requests served"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("turnbridge.sessions.active",
		metric.WithDescription("Connected WebSocket sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.PendingApprovals, err = meter.Int64UpDownCounter("turnbridge.approvals.pending",
		metric.WithDescription("Approvals waiting for a decision"),
	)
	if err != nil {
		return nil, err
	}

	m.DroppedFrames, err = meter.Int64Counter("turnbridge.frames.dropped",
		metric.WithDescription("Outbound frames dropped because a socket queue was full"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("turnbridge.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordRPC(ctx context.Context, method string, started time.Time, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrRPCMethod.String(method))
	m.RPCDuration.Record(ctx, time.Since(started).Seconds(), attrs)
	if err != nil {
		m.RPCErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) EngineStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.EngineRestarts.Add(ctx, 1)
}

func (m *Metrics) EventBroadcast(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.EventsBroadcast.Add(ctx, 1, metric.WithAttributes(AttrEventMethod.String(method)))
}

func (m *Metrics) Replay(ctx context.Context, truncated bool) {
	if m == nil {
		return
	}
	m.ReplayRequests.Add(ctx, 1, metric.WithAttributes(attribute.Bool("truncated", truncated)))
}

func (m *Metrics) SessionDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}

func (m *Metrics) ApprovalDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.PendingApprovals.Add(ctx, delta)
}

func (m *Metrics) FrameDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.DroppedFrames.Add(ctx, 1)
}

func (m *Metrics) RateLimited(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}
