package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/basket/turnbridge/internal/audit"
	"github.com/basket/turnbridge/internal/engine"
)

type approvalEvent struct {
	ID         string              `json:"id"`
	Kind       engine.ApprovalKind `json:"kind"`
	ThreadID   string              `json:"threadId,omitempty"`
	TurnID     string              `json:"turnId,omitempty"`
	ItemID     string              `json:"itemId,omitempty"`
	Decision   string              `json:"decision,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	ResolvedBy string              `json:"resolvedBy,omitempty"`
}

func newApprovalEvent(pa engine.PendingApproval) approvalEvent {
	return approvalEvent{ID: pa.ID, Kind: pa.Kind, ThreadID: pa.ThreadID, TurnID: pa.TurnID, ItemID: pa.ItemID}
}

func (s *Server) onApprovalRequested(pa engine.PendingApproval) {
	if _, err := s.cfg.Hub.Broadcast(context.Background(), EventApprovalRequested, pa); err != nil {
		s.logger.Warn("broadcast approval request failed", "approval_id", pa.ID, "error", err)
	}
	s.reconcileApprovals()
}

func (s *Server) onApprovalsCancelled(list []engine.PendingApproval, reason string) {
	for _, pa := range list {
		s.stopGrace(pa.ID)
		ev := newApprovalEvent(pa)
		ev.Reason = reason
		if _, err := s.cfg.Hub.Broadcast(context.Background(), EventApprovalCancelled, ev); err != nil {
			s.logger.Warn("broadcast approval cancel failed", "approval_id", pa.ID, "error", err)
		}
		s.cfg.Audit.Record(context.Background(), audit.Entry{
			Action:   audit.ActionApprovalCancel,
			Decision: engine.DecisionCancel,
			Subject:  pa.ThreadID,
			Reason:   reason,
		})
	}
}

// hasOwnerLocked reports whether some connected session can answer an
// approval for threadID. Approvals without a thread belong to any session.
func (s *Server) hasOwnerLocked(threadID string) bool {
	if threadID == "" {
		return len(s.sessions) > 0
	}
	owner, ok := s.owners[threadID]
	return ok && owner.Open()
}

// reconcileApprovals arms a grace timer for every pending approval nobody
// owns and disarms timers for approvals that found an owner.
func (s *Server) reconcileApprovals() {
	pending := s.cfg.Engine.Approvals()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	live := make(map[string]struct{}, len(pending))
	for _, pa := range pending {
		live[pa.ID] = struct{}{}
		_, armed := s.graceTimers[pa.ID]
		owned := s.hasOwnerLocked(pa.ThreadID)
		switch {
		case owned && armed:
			s.graceTimers[pa.ID].Stop()
			delete(s.graceTimers, pa.ID)
		case !owned && !armed:
			id := pa.ID
			s.graceTimers[id] = time.AfterFunc(s.cfg.ApprovalGrace, func() { s.expireApproval(id) })
			s.logger.Info("approval has no owner, holding", "approval_id", id, "thread_id", pa.ThreadID, "grace", s.cfg.ApprovalGrace)
		}
	}
	for id, t := range s.graceTimers {
		if _, ok := live[id]; !ok {
			t.Stop()
			delete(s.graceTimers, id)
		}
	}
}

func (s *Server) stopGrace(id string) {
	s.mu.Lock()
	if t, ok := s.graceTimers[id]; ok {
		t.Stop()
		delete(s.graceTimers, id)
	}
	s.mu.Unlock()
}

// expireApproval answers an unclaimed approval with "cancel" once its grace
// period ran out.
func (s *Server) expireApproval(id string) {
	s.mu.Lock()
	if _, armed := s.graceTimers[id]; !armed || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.graceTimers, id)
	pa, ok := s.cfg.Engine.Approval(id)
	if ok && s.hasOwnerLocked(pa.ThreadID) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	resolved, err := s.cfg.Engine.ResolveApproval(ctx, id, engine.DecisionCancel)
	if err != nil {
		if !errors.Is(err, engine.ErrApprovalNotFound) {
			s.logger.Warn("cancel unclaimed approval failed", "approval_id", id, "error", err)
		}
		return
	}
	s.logger.Info("unclaimed approval cancelled", "approval_id", id, "thread_id", resolved.ThreadID)
	s.cfg.Audit.Record(ctx, audit.Entry{
		Action:   audit.ActionApprovalExpire,
		Decision: engine.DecisionCancel,
		Subject:  resolved.ThreadID,
		Reason:   "no session claimed the thread within the grace period",
	})
	ev := newApprovalEvent(resolved)
	ev.Decision = engine.DecisionCancel
	ev.Reason = "unclaimed"
	if _, err := s.cfg.Hub.Broadcast(ctx, EventApprovalCancelled, ev); err != nil {
		s.logger.Warn("broadcast approval cancel failed", "approval_id", id, "error", err)
	}
}
