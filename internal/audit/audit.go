// Package audit records approval decisions to an append-only JSONL file and,
// when a store is attached, to the audit_log table.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/turnbridge/internal/persistence"
	"github.com/basket/turnbridge/internal/shared"
)

// Actions recorded by the bridge.
const (
	ActionApprovalResolve = "approval.resolve"
	ActionApprovalExpire  = "approval.expire"
	ActionApprovalCancel  = "approval.cancel"
	ActionUserInput       = "userInput.resolve"
	ActionAuthReject      = "auth.reject"
)

// Sink persists audit rows. *persistence.Store satisfies it.
type Sink interface {
	AppendAudit(ctx context.Context, rec persistence.AuditRecord) error
}

type Entry struct {
	Action   string
	Decision string
	Subject  string
	Reason   string
}

type line struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Subject   string `json:"subject,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Recorder is safe for concurrent use. A nil *Recorder discards entries.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	sink   Sink
	logger *slog.Logger

	declined atomic.Int64
}

// Open creates <home>/logs/audit.jsonl for appending.
func Open(homeDir string, sink Sink, logger *slog.Logger) (*Recorder, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{file: f, sink: sink, logger: logger.With("component", "audit")}, nil
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// DeclineCount returns the number of decline or cancel decisions recorded.
func (r *Recorder) DeclineCount() int64 {
	if r == nil {
		return 0
	}
	return r.declined.Load()
}

func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil {
		return
	}
	switch e.Decision {
	case "decline", "cancel", "denied", "abort", "reject":
		r.declined.Add(1)
	}

	e.Reason = shared.Redact(e.Reason)
	e.Subject = shared.Redact(e.Subject)
	now := time.Now().UTC()
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}

	r.mu.Lock()
	if r.file != nil {
		b, err := json.Marshal(line{
			Timestamp: now.Format(time.RFC3339Nano),
			TraceID:   traceID,
			SessionID: shared.SessionID(ctx),
			Action:    e.Action,
			Decision:  e.Decision,
			Subject:   e.Subject,
			Reason:    e.Reason,
		})
		if err == nil {
			_, _ = r.file.Write(append(b, '\n'))
		}
	}
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		err := sink.AppendAudit(ctx, persistence.AuditRecord{
			TraceID:   traceID,
			Subject:   e.Subject,
			Action:    e.Action,
			Decision:  e.Decision,
			Reason:    e.Reason,
			CreatedAt: now,
		})
		if err != nil {
			r.logger.Warn("audit row not persisted", "action", e.Action, "error", err)
		}
	}
}
