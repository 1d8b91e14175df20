// Package gateway serves the bridge over WebSocket: one session per client,
// bridge methods answered locally, engine methods forwarded, and every engine
// notification broadcast through the event hub.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/turnbridge/internal/audit"
	"github.com/basket/turnbridge/internal/engine"
	"github.com/basket/turnbridge/internal/hub"
	"github.com/basket/turnbridge/internal/otel"
)

// Bridge methods answered by the gateway itself.
const (
	MethodHealthRead       = "bridge/health/read"
	MethodApprovalsList    = "bridge/approvals/list"
	MethodApprovalsResolve = "bridge/approvals/resolve"
	MethodUserInputResolve = "bridge/userInput/resolve"
	MethodEventsReplay     = "bridge/events/replay"
	MethodAttachmentUpload = "bridge/attachments/upload"
)

// Events broadcast by the gateway in addition to engine notifications.
const (
	EventApprovalRequested = "bridge/approval/requested"
	EventApprovalResolved  = "bridge/approval/resolved"
	EventApprovalCancelled = "bridge/approval/cancelled"
	EventEngineExited      = "bridge/engine/exited"
)

const (
	defaultApprovalGrace  = 2 * time.Minute
	defaultMaxConcurrent  = 8
	defaultSendQueueSize  = 256
	defaultMaxMessage     = 16 << 20
	defaultWriteTimeout   = 10 * time.Second
	defaultMaxAttachBytes = 10 << 20
)

// Engine is the part of *engine.Client the gateway drives.
type Engine interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Status() engine.Status
	Approvals() []engine.PendingApproval
	Approval(id string) (engine.PendingApproval, bool)
	ResolveApproval(ctx context.Context, id, decision string) (engine.PendingApproval, error)
	ResolveUserInput(ctx context.Context, id string, answers json.RawMessage) (engine.PendingApproval, error)
	OnNotification(fn func(engine.Notification)) (unsubscribe func())
	OnApproval(fn func(engine.PendingApproval)) (unsubscribe func())
	OnApprovalsCancelled(fn func([]engine.PendingApproval)) (unsubscribe func())
	OnExit(fn func(error)) (unsubscribe func())
}

type Config struct {
	Engine Engine
	Hub    *hub.Hub
	Audit  *audit.Recorder

	Token           string
	AllowQueryToken bool
	// AllowOrigins lists accepted Origin host patterns for browser
	// connections. Same-origin requests are always accepted.
	AllowOrigins []string

	// ApprovalGrace is how long an approval for a thread nobody owns is
	// held before it is answered with "cancel".
	ApprovalGrace time.Duration

	MaxConcurrentRequests int
	RateLimitPerSecond    float64
	RateLimitBurst        int
	SendQueueSize         int
	MaxMessageBytes       int64
	WriteTimeout          time.Duration

	AttachmentsDir     string
	MaxAttachmentBytes int64

	Version           string
	ConfigFingerprint string

	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// Health is returned by /healthz and bridge/health/read.
type Health struct {
	OK                bool          `json:"ok"`
	Version           string        `json:"version,omitempty"`
	Engine            engine.Status `json:"engine"`
	LatestEventID     int64         `json:"latestEventId"`
	Sessions          int           `json:"sessions"`
	PendingApprovals  int           `json:"pendingApprovals"`
	ConfigFingerprint string        `json:"configFingerprint,omitempty"`
	SessionID         string        `json:"sessionId,omitempty"`
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	validator *validator

	mu          sync.Mutex
	closed      bool
	sessions    map[string]*session
	owners      map[string]*session
	graceTimers map[string]*time.Timer

	unsubscribe []func()
}

func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Hub == nil {
		return nil, errors.New("gateway: engine and hub are required")
	}
	if cfg.ApprovalGrace <= 0 {
		cfg.ApprovalGrace = defaultApprovalGrace
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = defaultMaxConcurrent
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessage
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = defaultMaxAttachBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:         cfg,
		logger:      logger.With("component", "gateway"),
		validator:   v,
		sessions:    make(map[string]*session),
		owners:      make(map[string]*session),
		graceTimers: make(map[string]*time.Timer),
	}
	s.unsubscribe = append(s.unsubscribe,
		cfg.Engine.OnNotification(s.onEngineNotification),
		cfg.Engine.OnApproval(s.onApprovalRequested),
		cfg.Engine.OnApprovalsCancelled(func(list []engine.PendingApproval) {
			s.onApprovalsCancelled(list, "engine_exited")
		}),
		cfg.Engine.OnExit(s.onEngineExit),
	)
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// Close detaches from the engine, stops grace timers and closes every
// session.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, t := range s.graceTimers {
		t.Stop()
		delete(s.graceTimers, id)
	}
	sessions := make([]*session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		sessions = append(sessions, ss)
	}
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
	for _, ss := range sessions {
		ss.close(websocket.StatusGoingAway, "bridge shutting down")
	}
}

// SessionCount returns the number of connected sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) health() Health {
	st := s.cfg.Engine.Status()
	return Health{
		OK:                true,
		Version:           s.cfg.Version,
		Engine:            st,
		LatestEventID:     s.cfg.Hub.LatestEventID(),
		Sessions:          s.SessionCount(),
		PendingApprovals:  st.PendingApprovals,
		ConfigFingerprint: s.cfg.ConfigFingerprint,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.health())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.cfg.Audit.Record(r.Context(), audit.Entry{
			Action:   audit.ActionAuthReject,
			Decision: "reject",
			Subject:  r.RemoteAddr,
			Reason:   "missing or invalid token",
		})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	ss := newSession(r.Context(), s, conn)
	if !s.addSession(ss) {
		_ = conn.Close(websocket.StatusGoingAway, "bridge shutting down")
		return
	}
	defer s.removeSession(ss)
	ss.serve()
}

func (s *Server) addSession(ss *session) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.sessions[ss.id] = ss
	s.mu.Unlock()

	s.cfg.Hub.AddSocket(ss)
	s.cfg.Metrics.SessionDelta(context.Background(), 1)
	s.logger.Info("session connected", "session_id", ss.id)
	s.reconcileApprovals()
	return true
}

func (s *Server) removeSession(ss *session) {
	s.cfg.Hub.RemoveSocket(ss)

	s.mu.Lock()
	_, ok := s.sessions[ss.id]
	delete(s.sessions, ss.id)
	released := 0
	for thread, owner := range s.owners {
		if owner == ss {
			delete(s.owners, thread)
			released++
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.cfg.Metrics.SessionDelta(context.Background(), -1)
	s.logger.Info("session disconnected", "session_id", ss.id, "released_threads", released)
	s.reconcileApprovals()
}

// claimThread records ss as the owner of threadID. The latest claimant wins.
func (s *Server) claimThread(ss *session, threadID string) {
	if threadID == "" {
		return
	}
	s.mu.Lock()
	prev := s.owners[threadID]
	s.owners[threadID] = ss
	s.mu.Unlock()
	if prev != ss {
		s.logger.Debug("thread claimed", "thread_id", threadID, "session_id", ss.id)
		s.reconcileApprovals()
	}
}

// ThreadOwner returns the id of the session that owns threadID.
func (s *Server) ThreadOwner(threadID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owners[threadID]
	if !ok {
		return "", false
	}
	return owner.id, true
}

func (s *Server) onEngineNotification(n engine.Notification) {
	if _, err := s.cfg.Hub.Broadcast(context.Background(), n.Method, n.Params); err != nil {
		s.logger.Warn("broadcast engine notification failed", "method", n.Method, "error", err)
	}
}

func (s *Server) onEngineExit(cause error) {
	params := map[string]any{}
	if cause != nil {
		params["error"] = cause.Error()
	}
	if _, err := s.cfg.Hub.Broadcast(context.Background(), EventEngineExited, params); err != nil {
		s.logger.Warn("broadcast engine exit failed", "error", err)
	}
}
