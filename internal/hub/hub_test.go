package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basket/turnbridge/internal/rpc"
)

type fakeSocket struct {
	mu     sync.Mutex
	open   bool
	limit  int
	frames [][]byte
}

func newFakeSocket() *fakeSocket { return &fakeSocket{open: true, limit: 1 << 20} }

func (s *fakeSocket) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fakeSocket) Enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) >= s.limit {
		return false
	}
	s.frames = append(s.frames, frame)
	return true
}

func (s *fakeSocket) ids(t *testing.T) []int64 {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, f := range s.frames {
		msg, err := rpc.Decode(f)
		if err != nil {
			t.Fatalf("bad frame %q: %v", f, err)
		}
		out = append(out, msg.EventID)
	}
	return out
}

type memStore struct {
	mu     sync.Mutex
	events []Event
	last   int64
}

func (m *memStore) AppendEvent(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if ev.EventID > m.last {
		m.last = ev.EventID
	}
	return nil
}

func (m *memStore) LastEventID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, nil
}

func (m *memStore) has(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.EventID == id {
			return true
		}
	}
	return false
}

// persistedSocket records whether each frame's event was already stored
// when it was queued.
type persistedSocket struct {
	t      *testing.T
	store  *memStore
	mu     sync.Mutex
	stored []bool
}

func (s *persistedSocket) Open() bool { return true }

func (s *persistedSocket) Enqueue(frame []byte) bool {
	msg, err := rpc.Decode(frame)
	if err != nil {
		s.t.Errorf("bad frame %q: %v", frame, err)
		return true
	}
	s.mu.Lock()
	s.stored = append(s.stored, s.store.has(msg.EventID))
	s.mu.Unlock()
	return true
}

func (m *memStore) RecentEvents(_ context.Context, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := len(m.events) - limit
	if start < 0 {
		start = 0
	}
	return append([]Event(nil), m.events[start:]...), nil
}

func (m *memStore) PruneEvents(_ context.Context, through int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []Event
	for _, ev := range m.events {
		if ev.EventID > through {
			kept = append(kept, ev)
		}
	}
	n := int64(len(m.events) - len(kept))
	m.events = kept
	return n, nil
}

func newHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	h, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func broadcastN(t *testing.T, h *Hub, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := h.Broadcast(context.Background(), "item/agentMessage/delta", map[string]int{"i": i}); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
	}
}

func eventIDs(events []Event) []int64 {
	out := make([]int64, len(events))
	for i, ev := range events {
		out[i] = ev.EventID
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestHub_BroadcastFansOutSameFrame(t *testing.T) {
	h := newHub(t, Config{})
	a, b, closed := newFakeSocket(), newFakeSocket(), newFakeSocket()
	closed.open = false
	h.AddSocket(a)
	h.AddSocket(b)
	h.AddSocket(closed)

	ev, err := h.Broadcast(context.Background(), "turn/completed", map[string]string{"threadId": "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if ev.EventID != 1 {
		t.Fatalf("first event id = %d", ev.EventID)
	}
	if string(a.frames[0]) != string(b.frames[0]) {
		t.Fatal("sockets received different bytes")
	}
	msg, _ := rpc.Decode(a.frames[0])
	if msg.Method != "turn/completed" || msg.EventID != 1 || msg.HasID() {
		t.Fatalf("frame = %s", a.frames[0])
	}
	if len(closed.frames) != 0 {
		t.Fatal("closed socket should be skipped")
	}

	h.RemoveSocket(b)
	broadcastN(t, h, 1)
	if len(b.frames) != 1 || len(a.frames) != 2 {
		t.Fatalf("after remove: a=%d b=%d", len(a.frames), len(b.frames))
	}
}

func TestHub_ConcurrentBroadcastKeepsOrderPerSocket(t *testing.T) {
	h := newHub(t, Config{MaxEvents: 10000})
	s := newFakeSocket()
	h.AddSocket(s)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				h.Broadcast(context.Background(), "m", nil)
			}
		}()
	}
	wg.Wait()

	ids := s.ids(t)
	if len(ids) != 400 {
		t.Fatalf("got %d frames", len(ids))
	}
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("frame %d has id %d", i, id)
		}
	}
}

func TestHub_SlowSocketDoesNotBlock(t *testing.T) {
	h := newHub(t, Config{})
	slow, fast := newFakeSocket(), newFakeSocket()
	slow.limit = 1
	h.AddSocket(slow)
	h.AddSocket(fast)

	broadcastN(t, h, 5)
	if len(slow.frames) != 1 || len(fast.frames) != 5 {
		t.Fatalf("slow=%d fast=%d", len(slow.frames), len(fast.frames))
	}
}

func TestHub_ReplayAfter(t *testing.T) {
	h := newHub(t, Config{})
	broadcastN(t, h, 6)

	res := h.Replay(context.Background(), 3)
	if !equalIDs(eventIDs(res.Events), []int64{4, 5, 6}) {
		t.Fatalf("events = %v", eventIDs(res.Events))
	}
	if res.HasMore || res.Truncated || res.LatestEventID != 6 {
		t.Fatalf("res = %+v", res)
	}

	res = h.Replay(context.Background(), 6)
	if len(res.Events) != 0 || res.HasMore || res.LatestEventID != 6 {
		t.Fatalf("caught-up replay = %+v", res)
	}
}

func TestHub_ReplayPages(t *testing.T) {
	h := newHub(t, Config{ReplayPageSize: 3})
	broadcastN(t, h, 7)

	var got []int64
	after := int64(0)
	for pages := 0; pages < 10; pages++ {
		res := h.Replay(context.Background(), after)
		got = append(got, eventIDs(res.Events)...)
		if !res.HasMore || len(res.Events) == 0 {
			break
		}
		after = res.Events[len(res.Events)-1].EventID
	}
	if !equalIDs(got, []int64{1, 2, 3, 4, 5, 6, 7}) {
		t.Fatalf("paged replay = %v", got)
	}
}

func TestHub_RetentionSignalsHasMore(t *testing.T) {
	h := newHub(t, Config{MaxEvents: 5})
	broadcastN(t, h, 8)

	res := h.Replay(context.Background(), 1)
	if !equalIDs(eventIDs(res.Events), []int64{4, 5, 6, 7, 8}) {
		t.Fatalf("events = %v", eventIDs(res.Events))
	}
	if !res.Truncated || !res.HasMore || res.OldestEventID != 4 {
		t.Fatalf("res = %+v", res)
	}

	// Continuing from the last event returned is no longer truncated.
	res = h.Replay(context.Background(), 8)
	if res.HasMore || res.Truncated {
		t.Fatalf("follow-up = %+v", res)
	}
}

func TestHub_ReplayAfterCounterReset(t *testing.T) {
	h := newHub(t, Config{})
	broadcastN(t, h, 3)

	res := h.Replay(context.Background(), 120)
	if res.LatestEventID != 3 {
		t.Fatalf("latest = %d", res.LatestEventID)
	}
	if !equalIDs(eventIDs(res.Events), []int64{1, 2, 3}) {
		t.Fatalf("events = %v", eventIDs(res.Events))
	}
}

func TestHub_PruneByAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{}
	h := newHub(t, Config{MaxAge: time.Minute, Store: store, Now: func() time.Time { return now }})

	broadcastN(t, h, 3)
	now = now.Add(2 * time.Minute)
	broadcastN(t, h, 2)

	n, err := h.Prune(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("pruned %d, want 3", n)
	}
	res := h.Replay(context.Background(), 0)
	if !equalIDs(eventIDs(res.Events), []int64{4, 5}) || !res.Truncated {
		t.Fatalf("after prune: %v %+v", eventIDs(res.Events), res)
	}
	if len(store.events) != 2 {
		t.Fatalf("store kept %d events", len(store.events))
	}
}

func TestHub_ResumesFromStore(t *testing.T) {
	store := &memStore{}
	first := newHub(t, Config{Store: store})
	broadcastN(t, first, 4)

	second := newHub(t, Config{Store: store})
	if second.LatestEventID() != 4 {
		t.Fatalf("latest after restart = %d", second.LatestEventID())
	}
	ev, _ := second.Broadcast(context.Background(), "m", nil)
	if ev.EventID != 5 {
		t.Fatalf("next id = %d", ev.EventID)
	}
	res := second.Replay(context.Background(), 2)
	if !equalIDs(eventIDs(res.Events), []int64{3, 4, 5}) {
		t.Fatalf("events = %v", eventIDs(res.Events))
	}
}

func TestHub_CounterSurvivesFullPrune(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{}
	first := newHub(t, Config{MaxAge: time.Minute, Store: store, Now: func() time.Time { return now }})
	broadcastN(t, first, 3)

	now = now.Add(2 * time.Minute)
	if _, err := first.Prune(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.events) != 0 {
		t.Fatalf("store kept %d events", len(store.events))
	}

	second := newHub(t, Config{MaxAge: time.Minute, Store: store, Now: func() time.Time { return now }})
	if second.LatestEventID() != 3 {
		t.Fatalf("latest after restart = %d, want 3", second.LatestEventID())
	}
	ev, _ := second.Broadcast(context.Background(), "m", nil)
	if ev.EventID != 4 {
		t.Fatalf("next id = %d, want 4", ev.EventID)
	}
	res := second.Replay(context.Background(), 3)
	if !equalIDs(eventIDs(res.Events), []int64{4}) || res.Truncated {
		t.Fatalf("replay after restart: %v %+v", eventIDs(res.Events), res)
	}
}

func TestHub_PersistsBeforeFanOut(t *testing.T) {
	store := &memStore{}
	h := newHub(t, Config{Store: store})
	s := &persistedSocket{t: t, store: store}
	h.AddSocket(s)
	broadcastN(t, h, 3)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stored) != 3 {
		t.Fatalf("frames = %d", len(s.stored))
	}
	for i, ok := range s.stored {
		if !ok {
			t.Fatalf("event %d reached a socket before it was stored", i+1)
		}
	}
}

func TestHub_SocketSetIsIndependent(t *testing.T) {
	h := newHub(t, Config{})
	var sockets []*fakeSocket
	for i := 0; i < 100; i++ {
		s := newFakeSocket()
		sockets = append(sockets, s)
		h.AddSocket(s)
	}
	for i := 0; i < 100; i += 2 {
		h.RemoveSocket(sockets[i])
	}
	if got := h.SocketCount(); got != 50 {
		t.Fatalf("count = %d", got)
	}
	broadcastN(t, h, 1)
	for i, s := range sockets {
		want := 1
		if i%2 == 0 {
			want = 0
		}
		if len(s.frames) != want {
			t.Fatalf("socket %d frames = %d", i, len(s.frames))
		}
	}
}
