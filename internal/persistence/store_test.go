package persistence_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/turnbridge/internal/hub"
	"github.com/basket/turnbridge/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen_WALAndSchema(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var mode string
	if err := store.DB().QueryRowContext(ctx, "PRAGMA journal_mode;").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected wal, got %q", mode)
	}
	v, err := store.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected schema version 1, got %d", v)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.db")
	ctx := context.Background()

	s1, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s1.KVSet(ctx, "k", "v"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	_ = s1.Close()

	s2, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.KVGet(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("expected v after reopen, got %q err=%v", got, err)
	}
}

func TestKV(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	got, err := store.KVGet(ctx, "missing")
	if err != nil || got != "" {
		t.Fatalf("missing key: got %q err=%v", got, err)
	}
	if err := store.KVSet(ctx, "chat:1", "thr_a"); err != nil {
		t.Fatal(err)
	}
	if err := store.KVSet(ctx, "chat:1", "thr_b"); err != nil {
		t.Fatal(err)
	}
	if err := store.KVSet(ctx, "chat:2", "thr_c"); err != nil {
		t.Fatal(err)
	}
	if err := store.KVSet(ctx, "hwm", "7"); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.KVGet(ctx, "chat:1"); got != "thr_b" {
		t.Fatalf("upsert: got %q", got)
	}
	list, err := store.KVList(ctx, "chat:")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list["chat:2"] != "thr_c" {
		t.Fatalf("unexpected prefix list: %v", list)
	}
}

func TestEvents_AppendAndRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i := int64(1); i <= 5; i++ {
		ev := hub.Event{EventID: i, Method: "item/agentMessage/delta", Params: json.RawMessage(`{"n":1}`), CreatedAt: base}
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := store.AppendEvent(ctx, hub.Event{EventID: 6, Method: "turn/completed", CreatedAt: base}); err != nil {
		t.Fatal(err)
	}

	recent, err := store.RecentEvents(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 || recent[0].EventID != 4 || recent[2].EventID != 6 {
		t.Fatalf("expected ascending 4..6, got %+v", recent)
	}
	if recent[2].Params != nil {
		t.Fatalf("expected nil params for event without params, got %s", recent[2].Params)
	}
	if string(recent[0].Params) != `{"n":1}` {
		t.Fatalf("params not preserved: %s", recent[0].Params)
	}

	after, err := store.ListEventsAfter(ctx, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 2 || after[0].EventID != 3 || after[1].EventID != 4 {
		t.Fatalf("unexpected page: %+v", after)
	}

	lo, hi, err := store.EventBounds(ctx)
	if err != nil || lo != 1 || hi != 6 {
		t.Fatalf("bounds: %d %d %v", lo, hi, err)
	}

	n, err := store.PruneEvents(ctx, 3)
	if err != nil || n != 3 {
		t.Fatalf("prune: n=%d err=%v", n, err)
	}
	lo, _, _ = store.EventBounds(ctx)
	if lo != 4 {
		t.Fatalf("expected oldest 4 after prune, got %d", lo)
	}
}

func TestHubRestoresFromStore(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	h1, err := hub.New(ctx, hub.Config{Store: store})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := h1.Broadcast(ctx, "turn/started", map[string]int{"i": i}); err != nil {
			t.Fatal(err)
		}
	}

	h2, err := hub.New(ctx, hub.Config{Store: store})
	if err != nil {
		t.Fatal(err)
	}
	if got := h2.LatestEventID(); got != 3 {
		t.Fatalf("expected latest 3 after restore, got %d", got)
	}
	ev, err := h2.Broadcast(ctx, "turn/completed", nil)
	if err != nil {
		t.Fatal(err)
	}
	if ev.EventID != 4 {
		t.Fatalf("expected id to continue at 4, got %d", ev.EventID)
	}
	res := h2.Replay(ctx, 1)
	if len(res.Events) != 3 || res.Events[0].EventID != 2 {
		t.Fatalf("unexpected replay after restore: %+v", res)
	}
}

func TestHubCounterSurvivesEmptiedLog(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Add(-time.Hour)
	clock := func() time.Time { return now }

	h1, err := hub.New(ctx, hub.Config{Store: store, MaxAge: time.Minute, Now: clock})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := h1.Broadcast(ctx, "turn/started", nil); err != nil {
			t.Fatal(err)
		}
	}
	now = now.Add(2 * time.Minute)
	if _, err := h1.Prune(ctx); err != nil {
		t.Fatal(err)
	}
	lo, hi, _ := store.EventBounds(ctx)
	if lo != 0 || hi != 0 {
		t.Fatalf("expected empty event table, got bounds %d..%d", lo, hi)
	}

	h2, err := hub.New(ctx, hub.Config{Store: store, MaxAge: time.Minute, Now: clock})
	if err != nil {
		t.Fatal(err)
	}
	if got := h2.LatestEventID(); got != 3 {
		t.Fatalf("expected latest 3 after restart, got %d", got)
	}
	ev, err := h2.Broadcast(ctx, "turn/completed", nil)
	if err != nil {
		t.Fatal(err)
	}
	if ev.EventID != 4 {
		t.Fatalf("expected id to continue at 4, got %d", ev.EventID)
	}

	// Retention deletes rows by age without going through the hub.
	if _, err := store.RunRetention(ctx, time.Nanosecond, 0); err != nil {
		t.Fatal(err)
	}
	if lo, hi, _ := store.EventBounds(ctx); lo != 0 || hi != 0 {
		t.Fatalf("retention left bounds %d..%d", lo, hi)
	}
	last, err := store.LastEventID(ctx)
	if err != nil || last != 4 {
		t.Fatalf("last event id after retention = %d, %v", last, err)
	}
}

func TestLastEventIDNeverMovesBack(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_ = store.AppendEvent(ctx, hub.Event{EventID: 7, Method: "a", CreatedAt: time.Now().UTC()})
	_ = store.AppendEvent(ctx, hub.Event{EventID: 5, Method: "b", CreatedAt: time.Now().UTC()})
	if _, err := store.PruneEvents(ctx, 10); err != nil {
		t.Fatal(err)
	}
	last, err := store.LastEventID(ctx)
	if err != nil || last != 7 {
		t.Fatalf("last event id = %d, %v", last, err)
	}
}

func TestAudit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AppendAudit(ctx, persistence.AuditRecord{Action: "approval.resolve", Decision: "accept", Subject: "thr_1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendAudit(ctx, persistence.AuditRecord{Action: "approval.expire", Decision: "cancel", Reason: "grace elapsed"}); err != nil {
		t.Fatal(err)
	}
	recs, err := store.ListAudit(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Action != "approval.expire" {
		t.Fatalf("expected newest first, got %+v", recs)
	}
}

func TestRunRetention(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	_ = store.AppendEvent(ctx, hub.Event{EventID: 1, Method: "a", CreatedAt: old})
	_ = store.AppendEvent(ctx, hub.Event{EventID: 2, Method: "b", CreatedAt: time.Now().UTC()})
	_ = store.AppendAudit(ctx, persistence.AuditRecord{Action: "x", Decision: "y", CreatedAt: old})

	res, err := store.RunRetention(ctx, 24*time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if res.PurgedEvents != 1 || res.PurgedAuditLogs != 1 {
		t.Fatalf("unexpected retention result: %+v", res)
	}

	res, err = store.RunRetention(ctx, 24*time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if res.PurgedEvents != 0 || res.PurgedAuditLogs != 0 {
		t.Fatalf("expected idempotent second run, got %+v", res)
	}
}
