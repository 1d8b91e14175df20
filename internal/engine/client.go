// Package engine talks JSON-RPC to the engine child process over stdio. It
// correlates requests with responses, fans out notifications, and turns
// engine-initiated approval requests into PendingApprovals that are answered
// later.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/basket/turnbridge/internal/otel"
	"github.com/basket/turnbridge/internal/rpc"
	"github.com/basket/turnbridge/internal/shared"
)

const (
	DefaultRequestTimeout = 60 * time.Second
	DefaultStartTimeout   = 20 * time.Second
)

// Config configures a Client.
type Config struct {
	Process        ProcessSpec
	RequestTimeout time.Duration
	StartTimeout   time.Duration

	ClientName    string
	ClientTitle   string
	ClientVersion string

	// Dial overrides how a transport is opened. Defaults to spawning
	// Process with NewStdioTransport.
	Dial func(ctx context.Context) (Transport, error)

	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// Notification is an inbound engine message with a method and no id.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Status is a point-in-time snapshot of the client.
type Status struct {
	Started          bool `json:"started"`
	PID              int  `json:"pid,omitempty"`
	Starts           int  `json:"starts"`
	PendingRequests  int  `json:"pendingRequests"`
	PendingApprovals int  `json:"pendingApprovals"`
}

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingRequest struct {
	id          int64
	method      string
	submittedAt time.Time
	conn        *connection
	timer       *time.Timer
	done        chan outcome
}

// connection is one engine process lifetime.
type connection struct {
	transport  Transport
	generation uint64
}

// Client is a process-backed JSON-RPC client. All correlation state lives on
// the instance; the zero value is not usable, use New.
type Client struct {
	cfg    Config
	logger *slog.Logger

	startGroup singleflight.Group
	nextID     atomic.Int64

	mu         sync.Mutex
	conn       *connection
	started    bool
	closed     bool
	generation uint64
	starts     int
	pending    map[int64]*pendingRequest
	approvals  map[string]*PendingApproval
	// approvalSeq orders approvals that share a timestamp.
	approvalSeq uint64

	listenersMu       sync.Mutex
	listenerSeq       int
	notifyListeners   map[int]func(Notification)
	approvalListeners map[int]func(PendingApproval)
	cancelListeners   map[int]func([]PendingApproval)
	exitListeners     map[int]func(error)
}

// New creates a client. The engine is not started until Start or the first
// Call.
func New(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "turnbridge"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:               cfg,
		logger:            logger.With("component", "engine"),
		pending:           make(map[int64]*pendingRequest),
		approvals:         make(map[string]*PendingApproval),
		notifyListeners:   make(map[int]func(Notification)),
		approvalListeners: make(map[int]func(PendingApproval)),
		cancelListeners:   make(map[int]func([]PendingApproval)),
		exitListeners:     make(map[int]func(error)),
	}
	if c.cfg.Dial == nil {
		c.cfg.Dial = func(context.Context) (Transport, error) {
			spec := c.cfg.Process
			if spec.Logger == nil {
				spec.Logger = c.logger
			}
			return NewStdioTransport(spec)
		}
	}
	return c
}

// Start spawns the engine and performs the initialize handshake. Concurrent
// callers share a single in-flight start. It returns immediately when the
// engine is already running.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ch := c.startGroup.DoChan("start", func() (any, error) {
		startCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StartTimeout)
		defer cancel()
		return nil, c.start(startCtx)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (c *Client) start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	command := c.cfg.Process.Command
	t, err := c.cfg.Dial(ctx)
	if err != nil {
		return &ProcessStartError{Command: command, Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = t.Close()
		return ErrClosed
	}
	c.generation++
	conn := &connection{transport: t, generation: c.generation}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	result, err := c.roundTrip(ctx, conn, "initialize", map[string]any{
		"clientInfo": map[string]string{
			"name":    c.cfg.ClientName,
			"title":   c.cfg.ClientTitle,
			"version": c.cfg.ClientVersion,
		},
	}, c.cfg.StartTimeout)
	if err == nil && !isJSONObject(result) {
		err = fmt.Errorf("%w: initialize result is not an object", rpc.ErrPayloadShape)
	}
	if err == nil {
		err = c.notify(ctx, conn, "initialized", nil)
	}
	if err != nil {
		c.dropConnection(conn, err)
		_ = t.Close()
		return &ProcessStartError{Command: command, Err: err}
	}

	c.mu.Lock()
	if c.conn != conn {
		// The process died between the handshake and here.
		c.mu.Unlock()
		return &ProcessStartError{Command: command, Err: rpc.ErrDisconnected}
	}
	c.started = true
	c.starts++
	starts := c.starts
	c.mu.Unlock()

	c.cfg.Metrics.EngineStarted(ctx)
	pid := 0
	if st, ok := t.(*StdioTransport); ok {
		pid = st.PID()
	}
	c.logger.Info("engine started", "command", command, "pid", pid, "generation", conn.generation, "starts", starts)
	return nil
}

// Call sends a request using the configured request timeout, starting the
// engine first if needed.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.CallWithTimeout(ctx, method, params, c.cfg.RequestTimeout)
}

// CallWithTimeout sends a request and waits for exactly one outcome: the
// result, an *rpc.Error from the engine, rpc.ErrTimeout, rpc.ErrDisconnected,
// or the caller's context error.
func (c *Client) CallWithTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, rpc.ErrDisconnected
	}

	ctx, span := otel.StartClientSpan(ctx, c.cfg.Tracer, "engine.call", otel.AttrRPCMethod.String(method))
	defer span.End()
	if threadID := shared.ThreadID(ctx); threadID != "" {
		span.SetAttributes(otel.AttrThreadID.String(threadID))
	}
	started := time.Now()

	result, err := c.roundTrip(ctx, conn, method, params, timeout)
	c.cfg.Metrics.RecordRPC(ctx, method, started, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (c *Client) roundTrip(ctx context.Context, conn *connection, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	id := c.nextID.Add(1)
	msg, err := rpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	line, err := rpc.Encode(msg)
	if err != nil {
		return nil, err
	}

	pr := &pendingRequest{
		id:          id,
		method:      method,
		submittedAt: time.Now(),
		conn:        conn,
		done:        make(chan outcome, 1),
	}
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return nil, rpc.ErrDisconnected
	}
	c.pending[id] = pr
	pr.timer = time.AfterFunc(timeout, func() {
		c.settle(id, outcome{err: fmt.Errorf("%w: %s after %s", rpc.ErrTimeout, method, timeout)})
	})
	c.mu.Unlock()

	if err := conn.transport.Send(ctx, line); err != nil {
		c.settle(id, outcome{err: fmt.Errorf("send %s: %w", method, err)})
	}

	select {
	case out := <-pr.done:
		return out.result, out.err
	case <-ctx.Done():
		if c.settle(id, outcome{err: ctx.Err()}) {
			return nil, ctx.Err()
		}
		out := <-pr.done
		return out.result, out.err
	}
}

// settle removes the pending request and delivers its outcome. It reports
// false when the request was already settled by another path.
func (c *Client) settle(id int64, out outcome) bool {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	pr.timer.Stop()
	pr.done <- out
	return true
}

func (c *Client) notify(ctx context.Context, conn *connection, method string, params any) error {
	msg, err := rpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	line, err := rpc.Encode(msg)
	if err != nil {
		return err
	}
	return conn.transport.Send(ctx, line)
}

// Notify sends a notification to a running engine.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return rpc.ErrDisconnected
	}
	return c.notify(ctx, conn, method, params)
}

func (c *Client) readLoop(conn *connection) {
	for {
		line, err := conn.transport.Receive(context.Background())
		if err != nil {
			c.dropConnection(conn, err)
			_ = conn.transport.Close()
			return
		}
		c.dispatch(conn, line)
	}
}

func (c *Client) dispatch(conn *connection, line []byte) {
	msg, err := rpc.Decode(line)
	if err != nil {
		c.logger.Debug("dropping malformed engine line", "error", err, "bytes", len(line))
		return
	}
	switch msg.Kind() {
	case rpc.KindResponse:
		id, ok := msg.IntID()
		if !ok {
			c.logger.Debug("dropping response with foreign id", "id", string(msg.ID))
			return
		}
		out := outcome{result: msg.Result}
		if msg.Error != nil {
			out = outcome{err: msg.Error}
		}
		if !c.settle(id, out) {
			c.logger.Debug("dropping unmatched response", "id", id)
		}
	case rpc.KindNotification:
		c.emitNotification(Notification{Method: msg.Method, Params: msg.Params})
	case rpc.KindRequest:
		c.handleServerRequest(conn, msg)
	}
}

// dropConnection tears down state for conn if it is still current: pending
// requests fail with rpc.ErrDisconnected, pending approvals are handed to the
// cancellation listeners, and the next Call starts a fresh process.
func (c *Client) dropConnection(conn *connection, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	wasStarted := c.started
	c.conn = nil
	c.started = false
	var failed []*pendingRequest
	for id, pr := range c.pending {
		if pr.conn == conn {
			failed = append(failed, pr)
			delete(c.pending, id)
		}
	}
	var cancelled []PendingApproval
	for id, pa := range c.approvals {
		if pa.generation == conn.generation {
			cancelled = append(cancelled, *pa)
			delete(c.approvals, id)
		}
	}
	c.mu.Unlock()

	for _, pr := range failed {
		pr.timer.Stop()
		pr.done <- outcome{err: fmt.Errorf("%w: %s", rpc.ErrDisconnected, pr.method)}
	}
	if len(cancelled) > 0 {
		sortApprovals(cancelled)
		c.cfg.Metrics.ApprovalDelta(context.Background(), -int64(len(cancelled)))
		c.logger.Warn("approvals cancelled by engine exit", "count", len(cancelled))
		for _, fn := range c.cancelListenersSnapshot() {
			fn(cancelled)
		}
	}
	if wasStarted {
		c.logger.Warn("engine process exited", "generation", conn.generation, "error", cause, "failed_requests", len(failed))
		for _, fn := range c.exitListenersSnapshot() {
			fn(cause)
		}
	}
}

// Status returns a snapshot of the client state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Started:          c.started,
		Starts:           c.starts,
		PendingRequests:  len(c.pending),
		PendingApprovals: len(c.approvals),
	}
	if c.conn != nil {
		if t, ok := c.conn.transport.(*StdioTransport); ok {
			st.PID = t.PID()
		}
	}
	return st
}

// Close stops the engine. Pending requests fail with rpc.ErrDisconnected and
// pending approvals are reported as cancelled.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.dropConnection(conn, ErrClosed)
	return conn.transport.Close()
}

// OnNotification registers fn for every engine notification. Listeners run
// on the reader goroutine in arrival order and must not block.
func (c *Client) OnNotification(fn func(Notification)) (unsubscribe func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listenerSeq++
	id := c.listenerSeq
	c.notifyListeners[id] = fn
	return func() {
		c.listenersMu.Lock()
		delete(c.notifyListeners, id)
		c.listenersMu.Unlock()
	}
}

// OnExit registers fn to run when a started engine process goes away.
func (c *Client) OnExit(fn func(error)) (unsubscribe func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listenerSeq++
	id := c.listenerSeq
	c.exitListeners[id] = fn
	return func() {
		c.listenersMu.Lock()
		delete(c.exitListeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Client) emitNotification(n Notification) {
	c.listenersMu.Lock()
	fns := inRegistrationOrder(c.notifyListeners)
	c.listenersMu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}

func (c *Client) exitListenersSnapshot() []func(error) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	return inRegistrationOrder(c.exitListeners)
}

// inRegistrationOrder returns the listeners sorted by registration id.
// Callers hold listenersMu.
func inRegistrationOrder[F any](m map[int]F) []F {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]F, len(ids))
	for i, id := range ids {
		out[i] = m[id]
	}
	return out
}

func isJSONObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil
}

// IsDisconnected reports whether err means the engine process went away.
func IsDisconnected(err error) bool {
	return errors.Is(err, rpc.ErrDisconnected)
}
