package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/basket/turnbridge/internal/audit"
	"github.com/basket/turnbridge/internal/engine"
	"github.com/basket/turnbridge/internal/otel"
	"github.com/basket/turnbridge/internal/rpc"
	"github.com/basket/turnbridge/internal/shared"
)

// forwardedMethods are passed to the engine unchanged.
var forwardedMethods = map[string]bool{
	"thread/list":    true,
	"thread/read":    true,
	"thread/start":   true,
	"thread/resume":  true,
	"turn/start":     true,
	"turn/interrupt": true,
}

// handleRequest answers one client request. It always returns a response.
func (s *Server) handleRequest(ctx context.Context, ss *session, msg *rpc.Message) *rpc.Message {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, "gateway."+msg.Method,
		otel.AttrRPCMethod.String(msg.Method),
		otel.AttrRPCID.String(string(msg.ID)),
		otel.AttrSessionID.String(ss.id),
	)
	defer span.End()
	started := time.Now()

	result, err := s.route(ctx, ss, msg)
	s.cfg.Metrics.RecordRPC(ctx, "client:"+msg.Method, started, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rerr := toRPCError(err)
		if rerr.Code == rpc.CodeInternalError {
			ss.logger.Warn("request failed", "method", msg.Method, "error", err)
		}
		return rpc.NewErrorResponse(msg.ID, rerr.Code, rerr.Message, rerr.Data)
	}
	resp, err := rpc.NewResult(msg.ID, result)
	if err != nil {
		return rpc.NewErrorResponse(msg.ID, rpc.CodeInternalError, err.Error(), nil)
	}
	return resp
}

func (s *Server) route(ctx context.Context, ss *session, msg *rpc.Message) (any, error) {
	if err := s.validator.validate(msg.Method, msg.Params); err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}

	switch msg.Method {
	case MethodHealthRead:
		h := s.health()
		h.SessionID = ss.id
		return h, nil
	case MethodApprovalsList:
		return map[string]any{"approvals": s.cfg.Engine.Approvals()}, nil
	case MethodApprovalsResolve:
		return s.resolveApproval(ctx, ss, msg.Params)
	case MethodUserInputResolve:
		return s.resolveUserInput(ctx, ss, msg.Params)
	case MethodEventsReplay:
		var p struct {
			AfterEventID int64 `json:"afterEventId"`
		}
		if err := unmarshalParams(msg.Params, &p); err != nil {
			return nil, err
		}
		return s.cfg.Hub.Replay(ctx, p.AfterEventID), nil
	case MethodAttachmentUpload:
		return s.uploadAttachment(ctx, msg.Params)
	}

	if forwardedMethods[msg.Method] {
		return s.forward(ctx, ss, msg.Method, msg.Params)
	}
	return nil, &rpc.Error{Code: rpc.CodeMethodNotFound, Message: "method not found: " + msg.Method}
}

// forward relays a request to the engine and records thread ownership for
// the calling session.
func (s *Server) forward(ctx context.Context, ss *session, method string, params json.RawMessage) (json.RawMessage, error) {
	var ref struct {
		ThreadID string `json:"threadId"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &ref)
	}
	if ref.ThreadID != "" {
		ctx = shared.WithThreadID(ctx, ref.ThreadID)
	}
	result, err := s.cfg.Engine.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	switch method {
	case "thread/start", "thread/resume":
		var out struct {
			Thread struct {
				ID string `json:"id"`
			} `json:"thread"`
		}
		if json.Unmarshal(result, &out) == nil && out.Thread.ID != "" {
			ref.ThreadID = out.Thread.ID
		}
	}
	s.claimThread(ss, ref.ThreadID)
	return result, nil
}

func (s *Server) resolveApproval(ctx context.Context, ss *session, params json.RawMessage) (any, error) {
	var p struct {
		ID       string `json:"id"`
		Decision string `json:"decision"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	pa, err := s.cfg.Engine.ResolveApproval(ctx, p.ID, p.Decision)
	if err != nil {
		return nil, err
	}
	s.afterResolve(ctx, ss, pa, p.Decision, audit.ActionApprovalResolve)
	return map[string]any{"ok": true, "approval": pa, "decision": p.Decision}, nil
}

func (s *Server) resolveUserInput(ctx context.Context, ss *session, params json.RawMessage) (any, error) {
	var p struct {
		ID      string          `json:"id"`
		Answers json.RawMessage `json:"answers"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if existing, ok := s.cfg.Engine.Approval(p.ID); ok && existing.Kind != engine.KindUserInput {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: fmt.Sprintf("approval %s is a %s request", p.ID, existing.Kind)}
	}
	pa, err := s.cfg.Engine.ResolveUserInput(ctx, p.ID, p.Answers)
	if err != nil {
		return nil, err
	}
	s.afterResolve(ctx, ss, pa, "answered", audit.ActionUserInput)
	return map[string]any{"ok": true, "approval": pa}, nil
}

func (s *Server) afterResolve(ctx context.Context, ss *session, pa engine.PendingApproval, decision, action string) {
	s.stopGrace(pa.ID)
	s.claimThread(ss, pa.ThreadID)
	s.cfg.Audit.Record(ctx, audit.Entry{
		Action:   action,
		Decision: decision,
		Subject:  pa.ThreadID,
		Reason:   string(pa.Kind),
	})
	ev := newApprovalEvent(pa)
	ev.Decision = decision
	ev.ResolvedBy = ss.id
	if _, err := s.cfg.Hub.Broadcast(ctx, EventApprovalResolved, ev); err != nil {
		s.logger.Warn("broadcast approval resolution failed", "approval_id", pa.ID, "error", err)
	}
}

func unmarshalParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &rpc.Error{Code: rpc.CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

// toRPCError maps a handler error onto the error object sent to the client.
// Engine errors pass through verbatim.
func toRPCError(err error) *rpc.Error {
	if rerr, ok := rpc.AsError(err); ok {
		return rerr
	}
	var startErr *engine.ProcessStartError
	switch {
	case errors.Is(err, rpc.ErrTimeout):
		return &rpc.Error{Code: rpc.CodeTimeout, Message: err.Error()}
	case errors.Is(err, rpc.ErrDisconnected), errors.Is(err, engine.ErrClosed), errors.As(err, &startErr):
		return &rpc.Error{Code: rpc.CodeEngineUnavailable, Message: err.Error()}
	case errors.Is(err, engine.ErrApprovalNotFound):
		return &rpc.Error{Code: rpc.CodeNotFound, Message: err.Error()}
	case errors.Is(err, errAttachmentTooLarge):
		return &rpc.Error{Code: rpc.CodeInvalidParams, Message: err.Error()}
	default:
		return &rpc.Error{Code: rpc.CodeInternalError, Message: err.Error()}
	}
}
