package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/basket/turnbridge/internal/rpc"
	"github.com/basket/turnbridge/internal/shared"
)

// session is one connected client. Frames reach the socket through a
// bounded queue drained by a single writer, so hub broadcasts and responses
// never block on a slow client. A full queue closes the session; the client
// reconnects and replays what it missed.
type session struct {
	id      string
	srv     *Server
	conn    *websocket.Conn
	queue   chan []byte
	limiter *rate.Limiter
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	open      atomic.Bool
	closeOnce sync.Once
}

func newSession(parent context.Context, srv *Server, conn *websocket.Conn) *session {
	id := shared.NewSessionID()
	ctx, cancel := context.WithCancel(shared.WithSessionID(parent, id))
	ss := &session{
		ctx:     ctx,
		cancel:  cancel,
		id:      id,
		srv:     srv,
		conn:    conn,
		queue:   make(chan []byte, srv.cfg.SendQueueSize),
		limiter: newSessionLimiter(srv.cfg.RateLimitPerSecond, srv.cfg.RateLimitBurst),
		logger:  srv.logger.With("session_id", id),
	}
	ss.open.Store(true)
	return ss
}

func (ss *session) Open() bool {
	return ss.open.Load()
}

// Enqueue queues frame without blocking.
func (ss *session) Enqueue(frame []byte) bool {
	if !ss.open.Load() {
		return false
	}
	select {
	case ss.queue <- frame:
		return true
	default:
		// Callers may hold the hub lock; closing removes the socket from the
		// hub, so it must happen elsewhere.
		go ss.close(websocket.StatusPolicyViolation, "send queue full")
		return false
	}
}

func (ss *session) close(code websocket.StatusCode, reason string) {
	ss.closeOnce.Do(func() {
		ss.open.Store(false)
		if code != websocket.StatusNormalClosure {
			ss.logger.Info("closing session", "code", code.String(), "reason", reason)
		}
		_ = ss.conn.Close(code, reason)
		ss.cancel()
	})
}

// serve runs the read loop until the connection ends.
func (ss *session) serve() {
	ctx := ss.ctx
	defer ss.cancel()
	if !ss.open.Load() {
		return
	}

	go ss.writeLoop(ctx)

	var g errgroup.Group
	g.SetLimit(ss.srv.cfg.MaxConcurrentRequests)
	for {
		_, data, err := ss.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				ss.logger.Debug("read failed", "error", err)
			}
			break
		}
		ss.dispatch(ctx, &g, data)
	}
	ss.close(websocket.StatusNormalClosure, "")
	_ = g.Wait()
}

func (ss *session) dispatch(ctx context.Context, g *errgroup.Group, data []byte) {
	msg, err := rpc.Decode(data)
	if err != nil {
		ss.reply(rpc.NewErrorResponse(json.RawMessage("null"), rpc.CodeParseError, "parse error", nil))
		return
	}
	switch msg.Kind() {
	case rpc.KindRequest:
		if !ss.limiter.Allow() {
			ss.srv.cfg.Metrics.RateLimited(ctx)
			ss.reply(rpc.NewErrorResponse(msg.ID, rpc.CodeRateLimited, "rate limit exceeded", nil))
			return
		}
		g.Go(func() error {
			ss.reply(ss.srv.handleRequest(ctx, ss, msg))
			return nil
		})
	case rpc.KindNotification:
		ss.logger.Debug("ignoring client notification", "method", msg.Method)
	case rpc.KindResponse:
		ss.logger.Debug("ignoring client response", "id", string(msg.ID))
	default:
		if msg.HasID() {
			ss.reply(rpc.NewErrorResponse(msg.ID, rpc.CodeInvalidRequest, "invalid request", nil))
		}
	}
}

func (ss *session) reply(msg *rpc.Message) {
	if msg == nil {
		return
	}
	frame, err := rpc.Encode(msg)
	if err != nil {
		ss.logger.Error("encode response failed", "id", string(msg.ID), "error", err)
		return
	}
	ss.Enqueue(frame)
}

func (ss *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-ss.queue:
			wctx, cancel := context.WithTimeout(ctx, ss.srv.cfg.WriteTimeout)
			err := ss.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				ss.logger.Debug("write failed", "error", err)
				ss.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
