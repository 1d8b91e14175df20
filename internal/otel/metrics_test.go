package otel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.RPCDuration == nil || m.RPCErrors == nil {
		t.Error("rpc instruments are nil")
	}
	if m.EventsBroadcast == nil || m.ReplayRequests == nil {
		t.Error("event instruments are nil")
	}
	if m.ActiveSessions == nil || m.PendingApprovals == nil {
		t.Error("gauge instruments are nil")
	}
	if m.DroppedFrames == nil || m.RateLimitRejects == nil || m.EngineRestarts == nil {
		t.Error("counter instruments are nil")
	}
	m.RecordRPC(context.Background(), "thread/start", time.Now(), errors.New("boom"))
	m.Replay(context.Background(), true)
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordRPC(ctx, "turn/start", time.Now(), nil)
	m.EventBroadcast(ctx, "turn/completed")
	m.SessionDelta(ctx, 1)
	m.ApprovalDelta(ctx, -1)
	m.FrameDropped(ctx)
	m.RateLimited(ctx)
	m.EngineStarted(ctx)
}
