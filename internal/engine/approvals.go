package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/basket/turnbridge/internal/rpc"
)

// ApprovalKind names what the engine is asking about.
type ApprovalKind string

const (
	KindCommandExecution ApprovalKind = "commandExecution"
	KindFileChange       ApprovalKind = "fileChange"
	KindUserInput        ApprovalKind = "userInput"
)

// Decisions understood by the engine.
const (
	DecisionAccept           = "accept"
	DecisionAcceptForSession = "acceptForSession"
	DecisionDecline          = "decline"
	DecisionCancel           = "cancel"
)

type approvalMethod struct {
	kind   ApprovalKind
	legacy bool
}

// Reversed request methods that become PendingApprovals. Anything else the
// engine asks is answered with method-not-found.
var approvalMethods = map[string]approvalMethod{
	"item/commandExecution/requestApproval": {kind: KindCommandExecution},
	"item/fileChange/requestApproval":       {kind: KindFileChange},
	"item/tool/requestUserInput":            {kind: KindUserInput},
	"execCommandApproval":                   {kind: KindCommandExecution, legacy: true},
	"applyPatchApproval":                    {kind: KindFileChange, legacy: true},
}

// Legacy approval methods use the older review decision vocabulary.
var legacyDecisions = map[string]string{
	DecisionAccept:           "approved",
	DecisionAcceptForSession: "approved_for_session",
	DecisionDecline:          "denied",
	DecisionCancel:           "abort",
}

// IsApprovalMethod reports whether method is handled as an approval request.
func IsApprovalMethod(method string) bool {
	_, ok := approvalMethods[method]
	return ok
}

// PendingApproval is an engine request waiting for a human decision.
type PendingApproval struct {
	ID          string          `json:"id"`
	Kind        ApprovalKind    `json:"kind"`
	Method      string          `json:"method"`
	ThreadID    string          `json:"threadId,omitempty"`
	TurnID      string          `json:"turnId,omitempty"`
	ItemID      string          `json:"itemId,omitempty"`
	RequestedAt time.Time       `json:"requestedAt"`
	Params      json.RawMessage `json:"params,omitempty"`

	requestID  json.RawMessage
	generation uint64
	legacy     bool
	seq        uint64
}

func (c *Client) handleServerRequest(conn *connection, msg *rpc.Message) {
	m, ok := approvalMethods[msg.Method]
	if !ok {
		c.logger.Warn("unsupported engine request", "method", msg.Method, "id", string(msg.ID))
		reply := rpc.NewErrorResponse(msg.ID, rpc.CodeMethodNotFound, "unsupported server request: "+msg.Method, nil)
		if err := c.writeMessage(conn, reply); err != nil {
			c.logger.Warn("reply to unsupported request failed", "method", msg.Method, "error", err)
		}
		return
	}

	fields := pickFields(msg.Params)
	pa := &PendingApproval{
		ID:          uuid.NewString(),
		Kind:        m.kind,
		Method:      msg.Method,
		ThreadID:    fields.first("threadId", "conversationId", "thread_id"),
		TurnID:      fields.first("turnId", "turn_id"),
		ItemID:      fields.first("itemId", "callId", "item_id"),
		RequestedAt: time.Now().UTC(),
		Params:      msg.Params,
		requestID:   append(json.RawMessage(nil), msg.ID...),
		generation:  conn.generation,
		legacy:      m.legacy,
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.approvalSeq++
	pa.seq = c.approvalSeq
	c.approvals[pa.ID] = pa
	c.mu.Unlock()

	c.cfg.Metrics.ApprovalDelta(context.Background(), 1)
	c.logger.Info("approval requested", "approval_id", pa.ID, "kind", pa.Kind, "thread_id", pa.ThreadID, "turn_id", pa.TurnID)
	snapshot := *pa
	for _, fn := range c.approvalListenersSnapshot() {
		fn(snapshot)
	}
}

// Approvals lists pending approvals, oldest first.
func (c *Client) Approvals() []PendingApproval {
	c.mu.Lock()
	out := make([]PendingApproval, 0, len(c.approvals))
	for _, pa := range c.approvals {
		out = append(out, *pa)
	}
	c.mu.Unlock()
	sortApprovals(out)
	return out
}

// Approval returns one pending approval by id.
func (c *Client) Approval(id string) (PendingApproval, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pa, ok := c.approvals[id]
	if !ok {
		return PendingApproval{}, false
	}
	return *pa, true
}

// ResolveApproval answers the engine request behind approval id with
// {decision}. If the write fails while the same engine process is still
// running, the approval is restored so the caller can retry.
func (c *Client) ResolveApproval(ctx context.Context, id, decision string) (PendingApproval, error) {
	if decision == "" {
		return PendingApproval{}, fmt.Errorf("resolve approval %s: empty decision", id)
	}
	return c.resolve(ctx, id, func(pa *PendingApproval) any {
		if pa.Kind == KindUserInput {
			return map[string]any{"answers": map[string]any{}}
		}
		if pa.legacy {
			if d, ok := legacyDecisions[decision]; ok {
				return map[string]string{"decision": d}
			}
		}
		return map[string]string{"decision": decision}
	})
}

// ResolveUserInput answers a userInput request with {answers}.
func (c *Client) ResolveUserInput(ctx context.Context, id string, answers json.RawMessage) (PendingApproval, error) {
	if len(answers) == 0 {
		answers = json.RawMessage(`{}`)
	}
	return c.resolve(ctx, id, func(*PendingApproval) any {
		return map[string]json.RawMessage{"answers": answers}
	})
}

func (c *Client) resolve(ctx context.Context, id string, result func(*PendingApproval) any) (PendingApproval, error) {
	c.mu.Lock()
	pa, ok := c.approvals[id]
	if ok {
		delete(c.approvals, id)
	}
	conn := c.conn
	c.mu.Unlock()
	if !ok {
		return PendingApproval{}, fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	if conn == nil || conn.generation != pa.generation {
		return *pa, fmt.Errorf("resolve approval %s: %w", id, rpc.ErrDisconnected)
	}

	reply, err := rpc.NewResult(pa.requestID, result(pa))
	if err == nil {
		err = c.writeMessageCtx(ctx, conn, reply)
	}
	if err != nil {
		c.mu.Lock()
		restored := c.conn == conn
		if restored {
			c.approvals[id] = pa
		}
		c.mu.Unlock()
		if !restored {
			// The process went away mid-write; report it like the rest.
			c.cfg.Metrics.ApprovalDelta(ctx, -1)
			for _, fn := range c.cancelListenersSnapshot() {
				fn([]PendingApproval{*pa})
			}
		}
		return *pa, fmt.Errorf("resolve approval %s: %w", id, err)
	}
	c.cfg.Metrics.ApprovalDelta(ctx, -1)
	c.logger.Info("approval resolved", "approval_id", id, "kind", pa.Kind, "thread_id", pa.ThreadID)
	return *pa, nil
}

// OnApproval registers fn for every new PendingApproval.
func (c *Client) OnApproval(fn func(PendingApproval)) (unsubscribe func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listenerSeq++
	id := c.listenerSeq
	c.approvalListeners[id] = fn
	return func() {
		c.listenersMu.Lock()
		delete(c.approvalListeners, id)
		c.listenersMu.Unlock()
	}
}

// OnApprovalsCancelled registers fn for approvals cleared because the engine
// process went away. They can no longer be answered.
func (c *Client) OnApprovalsCancelled(fn func([]PendingApproval)) (unsubscribe func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listenerSeq++
	id := c.listenerSeq
	c.cancelListeners[id] = fn
	return func() {
		c.listenersMu.Lock()
		delete(c.cancelListeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Client) approvalListenersSnapshot() []func(PendingApproval) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	return inRegistrationOrder(c.approvalListeners)
}

func (c *Client) cancelListenersSnapshot() []func([]PendingApproval) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	return inRegistrationOrder(c.cancelListeners)
}

func (c *Client) writeMessage(conn *connection, msg *rpc.Message) error {
	return c.writeMessageCtx(context.Background(), conn, msg)
}

func (c *Client) writeMessageCtx(ctx context.Context, conn *connection, msg *rpc.Message) error {
	line, err := rpc.Encode(msg)
	if err != nil {
		return err
	}
	return conn.transport.Send(ctx, line)
}

func sortApprovals(list []PendingApproval) {
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
}

type fieldSet map[string]json.RawMessage

func pickFields(params json.RawMessage) fieldSet {
	var m fieldSet
	_ = json.Unmarshal(params, &m)
	return m
}

// first returns the first key holding a non-empty string.
func (f fieldSet) first(keys ...string) string {
	for _, k := range keys {
		raw, ok := f[k]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}
	return ""
}
