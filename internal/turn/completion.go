// Package turn recognises turn completion signals and lets callers wait for
// a specific turn to finish.
package turn

import (
	"encoding/json"
	"strings"
)

const (
	MethodTurnCompleted = "turn/completed"
	MethodTurnStarted   = "turn/started"
	MethodTaskComplete  = "codex/event/task_complete"
	MethodMessageDelta  = "item/agentMessage/delta"
)

const (
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// Shape names which payload variant a completion was read from.
type Shape string

const (
	// ShapeNested is {threadId, turn:{id,status,error}}.
	ShapeNested Shape = "nested"
	// ShapeFlat is {threadId, turnId?, status}.
	ShapeFlat Shape = "flat"
	// ShapeSnakeCase is the legacy {thread_id, turn_id, status}.
	ShapeSnakeCase Shape = "snake_case"
	// ShapeTaskComplete is {conversationId, msg:{type,turn_id?}}.
	ShapeTaskComplete Shape = "task_complete"
	// ShapeSubAgent ties back only through source.subAgent.thread_spawn.parent_thread_id.
	ShapeSubAgent Shape = "sub_agent"
)

// Completion is the canonical form of every accepted completion payload. An
// empty TurnID means the payload did not say which turn finished.
type Completion struct {
	ThreadID     string `json:"threadId"`
	TurnID       string `json:"turnId,omitempty"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Shape        Shape  `json:"shape"`
}

// Failed reports a business-level failure of the turn. It is data, not an
// error of the waiting protocol.
func (c Completion) Failed() bool {
	return c.Status == StatusFailed || c.Status == StatusInterrupted
}

type rawTurn struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type rawCompletion struct {
	ThreadID       string   `json:"threadId"`
	TurnID         string   `json:"turnId"`
	Turn           *rawTurn `json:"turn"`
	Status         string   `json:"status"`
	ThreadIDSnake  string   `json:"thread_id"`
	TurnIDSnake    string   `json:"turn_id"`
	ConversationID string   `json:"conversationId"`
	Msg            *struct {
		Type   string `json:"type"`
		TurnID string `json:"turn_id"`
	} `json:"msg"`
	Source *struct {
		SubAgent *struct {
			ThreadSpawn *struct {
				ParentThreadID string `json:"parent_thread_id"`
			} `json:"thread_spawn"`
		} `json:"subAgent"`
	} `json:"source"`
}

func (r *rawCompletion) parentThreadID() string {
	if r.Source == nil || r.Source.SubAgent == nil || r.Source.SubAgent.ThreadSpawn == nil {
		return ""
	}
	return r.Source.SubAgent.ThreadSpawn.ParentThreadID
}

// ParseCompletion normalises a completion notification. It returns false for
// other methods and for payloads that name no thread.
func ParseCompletion(method string, params json.RawMessage) (Completion, bool) {
	if method != MethodTurnCompleted && method != MethodTaskComplete {
		return Completion{}, false
	}
	var raw rawCompletion
	if err := json.Unmarshal(params, &raw); err != nil {
		return Completion{}, false
	}

	var c Completion
	switch {
	case raw.ThreadID != "" && raw.Turn != nil:
		c = Completion{ThreadID: raw.ThreadID, TurnID: raw.Turn.ID, Status: raw.Turn.Status, Shape: ShapeNested}
		if raw.Turn.Error != nil {
			c.ErrorMessage = raw.Turn.Error.Message
		}
		if c.TurnID == "" {
			c.TurnID = raw.TurnID
		}
	case raw.ThreadID != "":
		c = Completion{ThreadID: raw.ThreadID, TurnID: raw.TurnID, Status: raw.Status, Shape: ShapeFlat}
	case raw.ThreadIDSnake != "":
		c = Completion{ThreadID: raw.ThreadIDSnake, TurnID: raw.TurnIDSnake, Status: raw.Status, Shape: ShapeSnakeCase}
	case raw.ConversationID != "":
		c = Completion{ThreadID: raw.ConversationID, Status: raw.Status, Shape: ShapeTaskComplete}
		if raw.Msg != nil {
			c.TurnID = raw.Msg.TurnID
		}
	case raw.parentThreadID() != "":
		// Sub-agent events only tie back to the parent thread, never a turn.
		c = Completion{ThreadID: raw.parentThreadID(), Status: raw.Status, Shape: ShapeSubAgent}
	default:
		return Completion{}, false
	}
	if c.Status == "" {
		c.Status = StatusCompleted
	}
	c.Status = normalizeStatus(c.Status)
	return c, true
}

func normalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case "completed", "complete", "success", "succeeded":
		return StatusCompleted
	case "failed", "error", "errored":
		return StatusFailed
	case "interrupted", "cancelled", "canceled", "aborted":
		return StatusInterrupted
	default:
		return s
	}
}

// Matches applies the completion rule: same thread, and either no turn id in
// the signal or the same turn id.
func (c Completion) Matches(threadID, turnID string) bool {
	if c.ThreadID != threadID {
		return false
	}
	return c.TurnID == "" || turnID == "" || c.TurnID == turnID
}
