package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrTurnTimeout is returned by Wait when no matching completion arrives in
// time. It is soft: the turn may still finish later.
var ErrTurnTimeout = errors.New("turn completion timeout")

// ThreadTurnState tracks one active turn while a caller waits for it.
type ThreadTurnState struct {
	ThreadID   string      `json:"threadId"`
	TurnID     string      `json:"turnId,omitempty"`
	StreamText string      `json:"streamText,omitempty"`
	StartedAt  time.Time   `json:"startedAt"`
	LastSeenAt time.Time   `json:"lastSeenAt"`
	Completion *Completion `json:"completion,omitempty"`
}

// Result is what a finished wait yields.
type Result struct {
	Completion Completion `json:"completion"`
	StreamText string     `json:"streamText,omitempty"`
}

type wait struct {
	threadID string
	turnID   string
	seq      uint64
	done     chan Result
}

// Waiter matches completion signals against outstanding waits. Feed it
// every event through Observe.
type Waiter struct {
	now func() time.Time

	mu     sync.Mutex
	seq    uint64
	waits  map[string][]*wait
	states map[string]*ThreadTurnState
}

// NewWaiter creates an empty Waiter.
func NewWaiter() *Waiter {
	return &Waiter{
		now:    time.Now,
		waits:  make(map[string][]*wait),
		states: make(map[string]*ThreadTurnState),
	}
}

// Track records that a turn was started on threadID. turnID may be empty
// when the start response did not carry one yet. A completion observed for a
// tracked turn is kept until a Wait consumes it.
func (w *Waiter) Track(threadID, turnID string) {
	now := w.now()
	w.mu.Lock()
	w.states[threadID] = &ThreadTurnState{ThreadID: threadID, TurnID: turnID, StartedAt: now, LastSeenAt: now}
	w.mu.Unlock()
}

// State returns a copy of the tracked state for threadID.
func (w *Waiter) State(threadID string) (ThreadTurnState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.states[threadID]
	if !ok {
		return ThreadTurnState{}, false
	}
	return *st, true
}

type deltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Delta    string `json:"delta"`
	Turn     *struct {
		ID string `json:"id"`
	} `json:"turn"`
}

// Observe feeds one event. It returns true when the event was a completion
// signal.
func (w *Waiter) Observe(method string, params json.RawMessage) bool {
	switch method {
	case MethodMessageDelta:
		var p deltaParams
		if json.Unmarshal(params, &p) == nil && p.ThreadID != "" {
			w.appendDelta(p)
		}
		return false
	case MethodTurnStarted:
		var p deltaParams
		if json.Unmarshal(params, &p) == nil && p.ThreadID != "" {
			turnID := p.TurnID
			if p.Turn != nil && p.Turn.ID != "" {
				turnID = p.Turn.ID
			}
			w.noteStarted(p.ThreadID, turnID)
		}
		return false
	}
	c, ok := ParseCompletion(method, params)
	if !ok {
		return false
	}
	w.complete(c)
	return true
}

func (w *Waiter) appendDelta(p deltaParams) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.states[p.ThreadID]
	if !ok || st.Completion != nil {
		return
	}
	if st.TurnID != "" && p.TurnID != "" && st.TurnID != p.TurnID {
		return
	}
	st.StreamText += p.Delta
	st.LastSeenAt = w.now()
}

func (w *Waiter) noteStarted(threadID, turnID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.states[threadID]
	if !ok {
		return
	}
	if st.TurnID == "" {
		st.TurnID = turnID
	}
	st.LastSeenAt = w.now()
}

func (w *Waiter) complete(c Completion) {
	w.mu.Lock()
	var text string
	if st, ok := w.states[c.ThreadID]; ok && st.Completion == nil && c.Matches(st.ThreadID, st.TurnID) {
		text = st.StreamText
		cc := c
		st.Completion = &cc
		st.LastSeenAt = w.now()
	}

	var resolved []*wait
	remaining := w.waits[c.ThreadID][:0:0]
	for _, wt := range w.waits[c.ThreadID] {
		switch {
		case c.TurnID != "" && (wt.turnID == c.TurnID || wt.turnID == ""):
			resolved = append(resolved, wt)
		case c.TurnID == "" && len(resolved) == 0:
			// An id-less signal can only vouch for one turn; the oldest
			// wait on the thread takes it.
			resolved = append(resolved, wt)
		default:
			remaining = append(remaining, wt)
		}
	}
	w.setWaits(c.ThreadID, remaining)
	if len(resolved) > 0 {
		if st, ok := w.states[c.ThreadID]; ok && st.Completion != nil {
			delete(w.states, c.ThreadID)
		}
	}
	w.mu.Unlock()

	for _, wt := range resolved {
		wt.done <- Result{Completion: c, StreamText: text}
	}
}

// Wait blocks until a completion for (threadID, turnID) is observed, the
// timeout passes, or ctx ends. A zero timeout waits without limit. A failed
// or interrupted turn is a normal Result.
func (w *Waiter) Wait(ctx context.Context, threadID, turnID string, timeout time.Duration) (Result, error) {
	w.mu.Lock()
	if st, ok := w.states[threadID]; ok && st.Completion != nil && st.Completion.Matches(threadID, turnID) {
		res := Result{Completion: *st.Completion, StreamText: st.StreamText}
		delete(w.states, threadID)
		w.mu.Unlock()
		return res, nil
	}
	w.seq++
	wt := &wait{threadID: threadID, turnID: turnID, seq: w.seq, done: make(chan Result, 1)}
	w.waits[threadID] = append(w.waits[threadID], wt)
	w.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case res := <-wt.done:
		return res, nil
	case <-timer:
		if res, ok := w.cancelWait(wt); ok {
			return res, nil
		}
		return Result{}, fmt.Errorf("%w: thread %s turn %s after %s", ErrTurnTimeout, threadID, turnID, timeout)
	case <-ctx.Done():
		if res, ok := w.cancelWait(wt); ok {
			return res, nil
		}
		return Result{}, ctx.Err()
	}
}

// cancelWait unregisters wt. If it was resolved concurrently the result is
// returned instead.
func (w *Waiter) cancelWait(wt *wait) (Result, bool) {
	w.mu.Lock()
	list := w.waits[wt.threadID]
	for i, other := range list {
		if other == wt {
			w.setWaits(wt.threadID, append(list[:i:i], list[i+1:]...))
			w.mu.Unlock()
			return Result{}, false
		}
	}
	w.mu.Unlock()
	return <-wt.done, true
}

// Interrupt resolves every wait on threadID as interrupted and forgets the
// tracked turn.
func (w *Waiter) Interrupt(threadID string) int {
	w.mu.Lock()
	waits := w.waits[threadID]
	delete(w.waits, threadID)
	var text string
	turnID := ""
	if st, ok := w.states[threadID]; ok {
		text = st.StreamText
		turnID = st.TurnID
	}
	delete(w.states, threadID)
	w.mu.Unlock()

	for _, wt := range waits {
		id := wt.turnID
		if id == "" {
			id = turnID
		}
		wt.done <- Result{
			Completion: Completion{ThreadID: threadID, TurnID: id, Status: StatusInterrupted},
			StreamText: text,
		}
	}
	return len(waits)
}

// Pending returns the number of outstanding waits.
func (w *Waiter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, list := range w.waits {
		n += len(list)
	}
	return n
}

func (w *Waiter) setWaits(threadID string, list []*wait) {
	if len(list) == 0 {
		delete(w.waits, threadID)
		return
	}
	w.waits[threadID] = list
}

// Summary renders a one-line description of a result for logs and chat
// replies.
func (r Result) Summary() string {
	var b strings.Builder
	b.WriteString(r.Completion.Status)
	if r.Completion.ErrorMessage != "" {
		b.WriteString(": ")
		b.WriteString(r.Completion.ErrorMessage)
	}
	return b.String()
}
