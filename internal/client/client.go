// Package client keeps one logical bridge connection alive across physical
// WebSocket reconnects. It replays missed events on reconnect and delivers
// every numbered event to listeners once, in ascending order.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/turnbridge/internal/rpc"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultMinBackoff     = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultSeenWindow     = 1024
	DefaultReadLimit      = 16 << 20
	DefaultStableAfter    = 10 * time.Second

	MethodReplay = "bridge/events/replay"
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// Event is a notification received from the bridge.
type Event struct {
	EventID int64           `json:"eventId,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Config configures a Client.
type Config struct {
	URL   string
	Token string
	// TokenInQuery sends the token as ?token= instead of a bearer header.
	TokenInQuery bool
	Header       http.Header

	RequestTimeout time.Duration
	DialTimeout    time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	SeenWindow     int
	// StableAfter is how long a connection must stay up before the reconnect
	// backoff starts over.
	StableAfter time.Duration
	// InitialEventID resumes from a high-water-mark saved by a previous run;
	// the first connection then replays like a reconnect.
	InitialEventID int64

	Logger *slog.Logger
}

type replayPage struct {
	Events        []Event `json:"events"`
	HasMore       bool    `json:"hasMore"`
	LatestEventID *int64  `json:"latestEventId,omitempty"`
	Truncated     bool    `json:"truncated,omitempty"`
}

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingRequest struct {
	method string
	gen    uint64
	timer  *time.Timer
	done   chan outcome
	// onResult, when set, runs on the read goroutine instead of done.
	onResult func(json.RawMessage, error)
}

// Client is the reconnecting protocol handler.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	gen     uint64
	nextID  int64
	pending map[string]*pendingRequest
	cancel  context.CancelFunc
	done    chan struct{}

	writeMu sync.Mutex

	listenersMu    sync.Mutex
	listenerSeq    int
	eventListeners map[int]func(Event)
	stateListeners map[int]func(State)

	// Delivery state. Touched only under deliverMu, which is also held while
	// listeners run so deliveries are serialized.
	deliverMu sync.Mutex
	hwm       int64
	seen      *seenWindow
	// resumable is set once a connection has opened or a saved mark was
	// supplied; every later connection replays from hwm, even from zero.
	resumable bool
	replaying bool
	buffered  []Event

	// published mirrors hwm for readers outside deliverMu, including
	// listeners.
	published atomic.Int64
}

// New creates a client in the disconnected state.
func New(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = DefaultStableAfter
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = DefaultMaxBackoff
		if cfg.MaxBackoff < cfg.MinBackoff {
			cfg.MaxBackoff = cfg.MinBackoff
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:            cfg,
		logger:         logger.With("component", "bridge_client"),
		pending:        make(map[string]*pendingRequest),
		eventListeners: make(map[int]func(Event)),
		stateListeners: make(map[int]func(State)),
		hwm:            cfg.InitialEventID,
		resumable:      cfg.InitialEventID > 0,
		seen:           newSeenWindow(cfg.SeenWindow),
	}
	c.published.Store(cfg.InitialEventID)
	return c
}

// Connect starts the background connect loop and returns immediately.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return errors.New("client closed")
	}
	if c.cancel != nil {
		return nil
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
	return nil
}

// WaitOpen blocks until the connection is open or ctx ends.
func (c *Client) WaitOpen(ctx context.Context) error {
	ch := make(chan struct{}, 1)
	unsubscribe := c.OnStateChange(func(s State) {
		if s == StateOpen {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()
	if c.State() == StateOpen {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HighWaterMark returns the highest event id delivered so far.
func (c *Client) HighWaterMark() int64 {
	return c.published.Load()
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	var delay time.Duration
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay = c.nextDelay(delay)
			c.logger.Warn("bridge dial failed", "url", c.cfg.URL, "error", err, "retry_in", delay)
			c.setState(StateDisconnected)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		gen := c.attach(conn)
		opened := time.Now()
		c.setState(StateOpen)
		c.logger.Info("bridge connected", "url", c.cfg.URL, "high_water_mark", c.HighWaterMark())

		err = c.session(ctx, conn, gen)
		c.detach(gen, fmt.Errorf("%w: %v", rpc.ErrConnectionLost, err))
		conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return
		}
		c.setState(StateDisconnected)
		if time.Since(opened) >= c.cfg.StableAfter {
			delay = 0
			c.logger.Warn("bridge connection lost", "error", err)
			continue
		}
		// Short-lived connections keep backing off.
		delay = c.nextDelay(delay)
		c.logger.Warn("bridge connection lost", "error", err, "retry_in", delay)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

func (c *Client) nextDelay(delay time.Duration) time.Duration {
	if delay == 0 {
		return c.cfg.MinBackoff
	}
	delay *= 2
	if delay > c.cfg.MaxBackoff {
		delay = c.cfg.MaxBackoff
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	target := c.cfg.URL
	header := http.Header{}
	for k, v := range c.cfg.Header {
		header[k] = append([]string(nil), v...)
	}
	if c.cfg.Token != "" {
		if c.cfg.TokenInQuery {
			u, err := url.Parse(target)
			if err != nil {
				return nil, fmt.Errorf("parse bridge url: %w", err)
			}
			q := u.Query()
			q.Set("token", c.cfg.Token)
			u.RawQuery = q.Encode()
			target = u.String()
		} else {
			header.Set("Authorization", "Bearer "+c.cfg.Token)
		}
	}
	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(DefaultReadLimit)
	return conn, nil
}

func (c *Client) attach(conn *websocket.Conn) uint64 {
	c.mu.Lock()
	c.gen++
	c.conn = conn
	gen := c.gen
	c.mu.Unlock()

	c.deliverMu.Lock()
	c.replaying = false
	c.buffered = nil
	c.deliverMu.Unlock()
	return gen
}

// detach fails every request sent on connection gen.
func (c *Client) detach(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen == gen {
		c.conn = nil
	}
	var failed []*pendingRequest
	for id, pr := range c.pending {
		if pr.gen == gen {
			failed = append(failed, pr)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()
	for _, pr := range failed {
		pr.timer.Stop()
		pr.finish(outcome{err: cause})
	}
}

func (pr *pendingRequest) finish(out outcome) {
	if pr.onResult != nil {
		pr.onResult(out.result, out.err)
		return
	}
	pr.done <- out
}

func (c *Client) session(ctx context.Context, conn *websocket.Conn, gen uint64) error {
	c.deliverMu.Lock()
	resume := c.resumable || c.hwm > 0
	c.resumable = true
	if resume {
		c.replaying = true
	}
	after := c.hwm
	c.deliverMu.Unlock()

	if resume {
		if err := c.requestReplay(ctx, gen, after); err != nil {
			return err
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		msg, err := rpc.Decode(data)
		if err != nil {
			c.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		switch msg.Kind() {
		case rpc.KindResponse:
			c.settleResponse(msg)
		case rpc.KindNotification:
			c.handleEvent(Event{EventID: msg.EventID, Method: msg.Method, Params: msg.Params})
		case rpc.KindRequest:
			c.logger.Debug("ignoring server request", "method", msg.Method)
		}
	}
}

func (c *Client) settleResponse(msg *rpc.Message) {
	key := msg.IDKey()
	c.mu.Lock()
	pr, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping unmatched response", "id", string(msg.ID))
		return
	}
	pr.timer.Stop()
	if msg.Error != nil {
		pr.finish(outcome{err: msg.Error})
		return
	}
	pr.finish(outcome{result: msg.Result})
}

// Request sends a request and waits for its response. It fails fast with
// rpc.ErrNotConnected when the socket is not open, and with
// rpc.ErrConnectionLost if the socket closes before the response.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	pr := &pendingRequest{method: method, done: make(chan outcome, 1)}
	key, err := c.send(ctx, method, params, pr)
	if err != nil {
		return nil, err
	}
	select {
	case out := <-pr.done:
		return out.result, out.err
	case <-ctx.Done():
		c.mu.Lock()
		_, stillPending := c.pending[key]
		delete(c.pending, key)
		c.mu.Unlock()
		if stillPending {
			pr.timer.Stop()
			return nil, ctx.Err()
		}
		out := <-pr.done
		return out.result, out.err
	}
}

func (c *Client) send(ctx context.Context, method string, params any, pr *pendingRequest) (string, error) {
	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return "", rpc.ErrNotConnected
	}
	c.nextID++
	msg, err := rpc.NewRequest(c.nextID, method, params)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	key := msg.IDKey()
	conn := c.conn
	pr.gen = c.gen
	c.pending[key] = pr
	timeout := c.cfg.RequestTimeout
	pr.timer = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		_, ok := c.pending[key]
		delete(c.pending, key)
		c.mu.Unlock()
		if ok {
			pr.finish(outcome{err: fmt.Errorf("%w: %s after %s", rpc.ErrTimeout, method, timeout)})
		}
	})
	c.mu.Unlock()

	c.writeMu.Lock()
	err = wsjson.Write(ctx, conn, msg)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		_, ok := c.pending[key]
		delete(c.pending, key)
		c.mu.Unlock()
		if ok {
			pr.timer.Stop()
		}
		return "", fmt.Errorf("%w: write %s: %v", rpc.ErrConnectionLost, method, err)
	}
	return key, nil
}

// requestReplay asks for events after the given id. The response is handled
// on the read goroutine, ahead of any frame that follows it.
func (c *Client) requestReplay(ctx context.Context, gen uint64, after int64) error {
	pr := &pendingRequest{method: MethodReplay}
	pr.onResult = func(raw json.RawMessage, err error) {
		c.onReplay(ctx, gen, after, raw, err)
	}
	_, err := c.send(ctx, MethodReplay, map[string]int64{"afterEventId": after}, pr)
	return err
}

func (c *Client) onReplay(ctx context.Context, gen uint64, after int64, raw json.RawMessage, err error) {
	var page replayPage
	if err == nil {
		err = json.Unmarshal(raw, &page)
	}

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	if err != nil {
		c.buffered = nil
		c.replaying = false
		if errors.Is(err, rpc.ErrConnectionLost) {
			return
		}
		// Drop the socket; the next connection replays from the same mark.
		c.logger.Warn("replay failed, reconnecting", "after_event_id", after, "error", err)
		c.mu.Lock()
		conn := c.conn
		current := c.gen == gen
		c.mu.Unlock()
		if current && conn != nil {
			go conn.Close(websocket.StatusInternalError, "replay failed")
		}
		return
	}

	if page.LatestEventID != nil && *page.LatestEventID < c.hwm {
		c.logger.Info("bridge event counter reset", "high_water_mark", c.hwm, "latest_event_id", *page.LatestEventID)
		c.seen.reset()
		c.hwm = *page.LatestEventID
		c.published.Store(c.hwm)
	}
	if page.Truncated {
		c.logger.Warn("replay truncated by retention", "after_event_id", after)
	}

	merged := append(page.Events, c.buffered...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].EventID < merged[j].EventID })

	if page.HasMore && len(page.Events) > 0 {
		through := page.Events[len(page.Events)-1].EventID
		var later []Event
		for _, ev := range merged {
			if ev.EventID > through {
				later = append(later, ev)
				continue
			}
			c.deliverLocked(ev)
		}
		c.buffered = later
		if err := c.requestReplay(ctx, gen, through); err != nil {
			c.logger.Warn("replay page request failed", "error", err)
		}
		return
	}

	for _, ev := range merged {
		c.deliverLocked(ev)
	}
	c.buffered = nil
	c.replaying = false
}

func (c *Client) handleEvent(ev Event) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.replaying && ev.EventID > 0 {
		c.buffered = append(c.buffered, ev)
		return
	}
	c.deliverLocked(ev)
}

// deliverLocked dedups and delivers one event. Events without an id are not
// part of the numbered stream and are always delivered.
func (c *Client) deliverLocked(ev Event) {
	if ev.EventID > 0 {
		key := seenKey{method: ev.Method, id: ev.EventID}
		if c.seen.contains(key) {
			return
		}
		if ev.EventID <= c.hwm && c.seen.full && ev.EventID < c.seen.minID() {
			return
		}
		c.seen.add(key)
		if ev.EventID > c.hwm {
			c.hwm = ev.EventID
			c.published.Store(c.hwm)
		}
	}
	for _, fn := range c.eventListenerSnapshot() {
		fn(ev)
	}
}

// OnEvent registers fn for every delivered event. Listeners run in order on
// the connection's read goroutine and must not block.
func (c *Client) OnEvent(fn func(Event)) (unsubscribe func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listenerSeq++
	id := c.listenerSeq
	c.eventListeners[id] = fn
	return func() {
		c.listenersMu.Lock()
		delete(c.eventListeners, id)
		c.listenersMu.Unlock()
	}
}

// OnStateChange registers fn for connection state transitions.
func (c *Client) OnStateChange(fn func(State)) (unsubscribe func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listenerSeq++
	id := c.listenerSeq
	c.stateListeners[id] = fn
	return func() {
		c.listenersMu.Lock()
		delete(c.stateListeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Client) eventListenerSnapshot() []func(Event) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	ids := make([]int, 0, len(c.eventListeners))
	for id := range c.eventListeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Event), len(ids))
	for i, id := range ids {
		out[i] = c.eventListeners[id]
	}
	return out
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.listenersMu.Lock()
	fns := make([]func(State), 0, len(c.stateListeners))
	for _, fn := range c.stateListeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Close stops reconnecting, closes the socket and fails every pending
// request with rpc.ErrConnectionLost.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	cancel, done, conn, gen := c.cancel, c.done, c.conn, c.gen
	c.mu.Unlock()
	c.setState(StateClosed)

	c.detach(gen, rpc.ErrConnectionLost)
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
