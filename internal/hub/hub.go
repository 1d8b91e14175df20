// Package hub fans bridge events out to connected sockets and keeps a
// bounded log of them for replay.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/turnbridge/internal/otel"
	"github.com/basket/turnbridge/internal/rpc"
)

const (
	DefaultMaxEvents      = 5000
	DefaultMaxAge         = time.Hour
	DefaultReplayPageSize = 500
)

// Event is an immutable, numbered notification.
type Event struct {
	EventID   int64           `json:"eventId"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Socket is a live subscriber. Enqueue must not block; it returns false
// when the frame could not be queued, and the socket is then expected to
// close itself so its client reconnects and replays.
type Socket interface {
	Open() bool
	Enqueue(frame []byte) bool
}

// Store persists events so the log and the id counter survive restarts.
type Store interface {
	AppendEvent(ctx context.Context, ev Event) error
	RecentEvents(ctx context.Context, limit int) ([]Event, error)
	// PruneEvents deletes every event with an id at or below throughID.
	PruneEvents(ctx context.Context, throughID int64) (int64, error)
	// LastEventID returns the highest id ever appended, even when its row
	// has been pruned.
	LastEventID(ctx context.Context) (int64, error)
}

// Config configures a Hub.
type Config struct {
	MaxEvents      int
	MaxAge         time.Duration
	ReplayPageSize int
	Store          Store
	Logger         *slog.Logger
	Metrics        *otel.Metrics
	// Now is overridable for tests.
	Now func() time.Time
}

// ReplayResult answers a replay request. HasMore is set when the page size
// or retention cut the answer short. Truncated means retention dropped events
// the caller has not seen.
type ReplayResult struct {
	Events        []Event `json:"events"`
	HasMore       bool    `json:"hasMore"`
	LatestEventID int64   `json:"latestEventId"`
	OldestEventID int64   `json:"oldestEventId,omitempty"`
	Truncated     bool    `json:"truncated,omitempty"`
}

// Hub owns the event log, the id counter and the set of live sockets.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	lastID  int64
	log     []Event
	sockets map[Socket]struct{}
}

// New creates a hub. With a Store configured the hub resumes from the
// persisted log; otherwise the id counter starts at zero.
func New(ctx context.Context, cfg Config) (*Hub, error) {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.ReplayPageSize <= 0 {
		cfg.ReplayPageSize = DefaultReplayPageSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		cfg:     cfg,
		logger:  logger.With("component", "hub"),
		sockets: make(map[Socket]struct{}),
	}
	if cfg.Store != nil {
		events, err := cfg.Store.RecentEvents(ctx, cfg.MaxEvents)
		if err != nil {
			return nil, err
		}
		h.log = events
		if n := len(events); n > 0 {
			h.lastID = events[n-1].EventID
		}
		last, err := cfg.Store.LastEventID(ctx)
		if err != nil {
			return nil, err
		}
		if last > h.lastID {
			h.lastID = last
		}
		h.logger.Info("event log restored", "events", len(events), "latest_event_id", h.lastID)
	}
	return h, nil
}

// Broadcast assigns the next event id, appends the event to the log and
// queues the same encoded frame on every open socket. With a Store the event
// is persisted before any socket sees it. It does not wait for delivery.
func (h *Hub) Broadcast(ctx context.Context, method string, params any) (Event, error) {
	raw, err := rpc.MarshalParams(params)
	if err != nil {
		return Event{}, err
	}

	h.mu.Lock()
	h.lastID++
	ev := Event{EventID: h.lastID, Method: method, Params: raw, CreatedAt: h.cfg.Now().UTC()}
	frame, err := rpc.Encode(rpc.NewEvent(ev.EventID, method, raw))
	if err != nil {
		h.lastID--
		h.mu.Unlock()
		return Event{}, err
	}
	if h.cfg.Store != nil {
		if err := h.cfg.Store.AppendEvent(ctx, ev); err != nil {
			h.logger.Warn("persist event failed", "event_id", ev.EventID, "error", err)
		}
	}
	h.log = append(h.log, ev)
	if over := len(h.log) - h.cfg.MaxEvents; over > 0 {
		h.dropOldest(over)
	}
	dropped := 0
	for s := range h.sockets {
		if !s.Open() {
			continue
		}
		if !s.Enqueue(frame) {
			dropped++
		}
	}
	h.mu.Unlock()

	h.cfg.Metrics.EventBroadcast(ctx, method)
	for i := 0; i < dropped; i++ {
		h.cfg.Metrics.FrameDropped(ctx)
	}
	if dropped > 0 {
		h.logger.Warn("event not queued on slow sockets", "event_id", ev.EventID, "method", method, "sockets", dropped)
	}
	return ev, nil
}

// Replay returns retained events with an id greater than after, oldest
// first, at most one page at a time. When after is beyond the latest id the
// hub has restarted since the caller last saw it, and the retained stream is
// returned from its start.
func (h *Hub) Replay(ctx context.Context, after int64) ReplayResult {
	h.mu.Lock()
	latest := h.lastID
	if after > latest || after < 0 {
		after = 0
	}
	res := ReplayResult{LatestEventID: latest, Events: []Event{}}
	if len(h.log) > 0 {
		res.OldestEventID = h.log[0].EventID
	}
	if after < latest && (len(h.log) == 0 || h.log[0].EventID > after+1) {
		res.Truncated = true
	}
	start := sort.Search(len(h.log), func(i int) bool { return h.log[i].EventID > after })
	end := start + h.cfg.ReplayPageSize
	if end > len(h.log) {
		end = len(h.log)
	}
	res.Events = append(res.Events, h.log[start:end]...)
	res.HasMore = end < len(h.log) || res.Truncated
	h.mu.Unlock()

	h.cfg.Metrics.Replay(ctx, res.Truncated)
	return res
}

// LatestEventID returns the most recently assigned id.
func (h *Hub) LatestEventID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastID
}

// AddSocket registers a live socket.
func (h *Hub) AddSocket(s Socket) {
	h.mu.Lock()
	h.sockets[s] = struct{}{}
	h.mu.Unlock()
}

// RemoveSocket unregisters a socket.
func (h *Hub) RemoveSocket(s Socket) {
	h.mu.Lock()
	delete(h.sockets, s)
	h.mu.Unlock()
}

// SocketCount returns the number of registered sockets.
func (h *Hub) SocketCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sockets)
}

// Prune drops events older than MaxAge from the log and the store.
func (h *Hub) Prune(ctx context.Context) (int, error) {
	cutoff := h.cfg.Now().Add(-h.cfg.MaxAge)

	h.mu.Lock()
	n := sort.Search(len(h.log), func(i int) bool { return !h.log[i].CreatedAt.Before(cutoff) })
	h.dropOldest(n)
	through := h.lastID
	if len(h.log) > 0 {
		through = h.log[0].EventID - 1
	}
	h.mu.Unlock()

	if n > 0 {
		h.logger.Debug("pruned event log", "events", n)
	}
	if h.cfg.Store == nil || through <= 0 {
		return n, nil
	}
	if _, err := h.cfg.Store.PruneEvents(ctx, through); err != nil {
		return n, err
	}
	return n, nil
}

// dropOldest removes the first n log entries. Callers hold mu.
func (h *Hub) dropOldest(n int) {
	if n <= 0 {
		return
	}
	if n >= len(h.log) {
		h.log = nil
		return
	}
	// Reslicing shrinks capacity too, so the next growth reallocates with
	// only the retained events.
	h.log = h.log[n:]
}
