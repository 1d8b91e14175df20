package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/turnbridge/internal/rpc"
)

// mockTransport implements Transport for testing. Lines the client sends
// appear on out; lines pushed to in are received by the client.
type mockTransport struct {
	in       chan []byte
	out      chan []byte
	done     chan struct{}
	ready    chan struct{}
	once     sync.Once
	failSend atomic.Int32
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		in:    make(chan []byte, 16),
		out:   make(chan []byte, 16),
		done:  make(chan struct{}),
		ready: make(chan struct{}),
	}
}

func (m *mockTransport) Send(ctx context.Context, line []byte) error {
	if m.failSend.Load() > 0 {
		m.failSend.Add(-1)
		return errors.New("broken pipe")
	}
	select {
	case <-m.done:
		return ErrTransportClosed
	default:
	}
	select {
	case m.out <- append([]byte(nil), line...):
		return nil
	case <-m.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case line := <-m.in:
		return line, nil
	case <-m.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *mockTransport) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *mockTransport) push(line string) { m.in <- []byte(line + "\n") }

func (m *mockTransport) next(t *testing.T) *rpc.Message {
	t.Helper()
	select {
	case line := <-m.out:
		msg, err := rpc.Decode(line)
		if err != nil {
			t.Fatalf("client wrote invalid line %q: %v", line, err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client write")
		return nil
	}
}

func (m *mockTransport) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case line := <-m.out:
		t.Fatalf("unexpected write: %s", line)
	case <-time.After(wait):
	}
}

// serveInit answers the handshake with result and signals ready once the
// initialized notification has been consumed. It runs on its own goroutine,
// so it reports problems with Errorf.
func (m *mockTransport) serveInit(t *testing.T, result string) {
	defer close(m.ready)
	read := func() *rpc.Message {
		select {
		case line := <-m.out:
			msg, err := rpc.Decode(line)
			if err != nil {
				t.Errorf("invalid handshake line %q: %v", line, err)
			}
			return msg
		case <-m.done:
			return nil
		}
	}
	msg := read()
	if msg == nil {
		return
	}
	if msg.Method != "initialize" {
		t.Errorf("first method = %q, want initialize", msg.Method)
	}
	m.push(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, msg.ID, result))
	if result[0] == '{' {
		if n := read(); n != nil && (n.Method != "initialized" || n.HasID()) {
			t.Errorf("expected initialized notification, got %+v", n)
		}
	}
}

type harness struct {
	t      *testing.T
	client *Client
	dials  atomic.Int32

	mu         sync.Mutex
	transports []*mockTransport
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t}
	h.client = New(Config{
		Process:        ProcessSpec{Command: "fake-engine"},
		RequestTimeout: 2 * time.Second,
		StartTimeout:   2 * time.Second,
		Dial: func(context.Context) (Transport, error) {
			h.dials.Add(1)
			m := newMockTransport()
			h.mu.Lock()
			h.transports = append(h.transports, m)
			h.mu.Unlock()
			go m.serveInit(t, `{"userAgent":"fake/1.0"}`)
			return m, nil
		},
	})
	t.Cleanup(func() { h.client.Close() })
	return h
}

func (h *harness) start() *mockTransport {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.client.Start(ctx); err != nil {
		h.t.Fatalf("Start: %v", err)
	}
	m := h.last()
	<-m.ready
	return m
}

func (h *harness) last() *mockTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[len(h.transports)-1]
}

type callResult struct {
	result json.RawMessage
	err    error
}

func (h *harness) callAsync(method string, params any, timeout time.Duration) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		res, err := h.client.CallWithTimeout(context.Background(), method, params, timeout)
		ch <- callResult{res, err}
	}()
	return ch
}

func waitResult(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("call did not complete")
		return callResult{}
	}
}

func TestClient_StartIsShared(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.client.Start(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	if n := h.dials.Load(); n != 1 {
		t.Fatalf("dials = %d, want 1", n)
	}
	if st := h.client.Status(); !st.Started || st.Starts != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestClient_StartRejectsNonObjectHandshake(t *testing.T) {
	for _, result := range []string{`"ok"`, `[1]`, `null`} {
		t.Run(result, func(t *testing.T) {
			c := New(Config{
				Process:      ProcessSpec{Command: "fake-engine"},
				StartTimeout: 2 * time.Second,
				Dial: func(context.Context) (Transport, error) {
					m := newMockTransport()
					go m.serveInit(t, result)
					return m, nil
				},
			})
			defer c.Close()
			err := c.Start(context.Background())
			var startErr *ProcessStartError
			if !errors.As(err, &startErr) {
				t.Fatalf("err = %v, want ProcessStartError", err)
			}
			if !errors.Is(err, rpc.ErrPayloadShape) {
				t.Fatalf("err = %v, want payload shape cause", err)
			}
			if c.Status().Started {
				t.Fatal("client should not be started")
			}
		})
	}
}

func TestClient_StartDialFailure(t *testing.T) {
	c := New(Config{
		Process: ProcessSpec{Command: "missing-engine"},
		Dial: func(context.Context) (Transport, error) {
			return nil, errors.New("exec: not found")
		},
	})
	defer c.Close()
	_, err := c.Call(context.Background(), "thread/list", nil)
	var startErr *ProcessStartError
	if !errors.As(err, &startErr) || startErr.Command != "missing-engine" {
		t.Fatalf("err = %v", err)
	}
}

func TestClient_CallResolvesAndPropagatesErrors(t *testing.T) {
	h := newHarness(t)
	m := h.start()

	ch := h.callAsync("thread/start", map[string]string{"cwd": "/work"}, time.Second)
	req := m.next(t)
	if req.Method != "thread/start" || !strings.Contains(string(req.Params), `"cwd":"/work"`) {
		t.Fatalf("unexpected request: %+v", req)
	}
	m.push(fmt.Sprintf(`{"id":%s,"result":{"thread":{"id":"thr_1"}}}`, req.ID))
	r := waitResult(t, ch)
	if r.err != nil || !strings.Contains(string(r.result), "thr_1") {
		t.Fatalf("result = %s, err = %v", r.result, r.err)
	}

	ch = h.callAsync("thread/read", nil, time.Second)
	req = m.next(t)
	m.push(fmt.Sprintf(`{"id":%s,"error":{"code":-32600,"message":"thread not found","data":{"threadId":"x"}}}`, req.ID))
	r = waitResult(t, ch)
	rerr, ok := rpc.AsError(r.err)
	if !ok || rerr.Code != -32600 || rerr.Message != "thread not found" {
		t.Fatalf("err = %v, want verbatim rpc error", r.err)
	}
}

func TestClient_Timeout(t *testing.T) {
	h := newHarness(t)
	m := h.start()

	ch := h.callAsync("turn/start", nil, 50*time.Millisecond)
	req := m.next(t)
	r := waitResult(t, ch)
	if !errors.Is(r.err, rpc.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", r.err)
	}
	// A late response is dropped without disturbing the client.
	m.push(fmt.Sprintf(`{"id":%s,"result":{}}`, req.ID))
	if st := h.client.Status(); st.PendingRequests != 0 {
		t.Fatalf("pending = %d", st.PendingRequests)
	}
}

func TestClient_ContextCancelRemovesPending(t *testing.T) {
	h := newHarness(t)
	m := h.start()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.client.Call(ctx, "thread/list", nil)
		done <- err
	}()
	m.next(t)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if st := h.client.Status(); st.PendingRequests != 0 {
		t.Fatalf("pending = %d", st.PendingRequests)
	}
}

func TestClient_DisconnectRejectsAndRestarts(t *testing.T) {
	h := newHarness(t)
	m := h.start()

	exits := make(chan error, 2)
	h.client.OnExit(func(err error) { exits <- err })

	first := h.callAsync("turn/start", nil, 5*time.Second)
	second := h.callAsync("thread/list", nil, 5*time.Second)
	m.next(t)
	m.next(t)
	m.Close()

	for _, ch := range []<-chan callResult{first, second} {
		if r := waitResult(t, ch); !errors.Is(r.err, rpc.ErrDisconnected) {
			t.Fatalf("err = %v, want disconnected", r.err)
		}
	}
	select {
	case <-exits:
	case <-time.After(2 * time.Second):
		t.Fatal("exit listener not called")
	}

	ch := h.callAsync("thread/list", nil, time.Second)
	deadline := time.After(2 * time.Second)
	for h.dials.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("client did not restart the engine")
		case <-time.After(5 * time.Millisecond):
		}
	}
	m2 := h.last()
	<-m2.ready
	req := m2.next(t)
	m2.push(fmt.Sprintf(`{"id":%s,"result":{"data":[]}}`, req.ID))
	if r := waitResult(t, ch); r.err != nil {
		t.Fatalf("call after restart: %v", r.err)
	}
	if st := h.client.Status(); st.Starts != 2 {
		t.Fatalf("starts = %d, want 2", st.Starts)
	}
}

func TestClient_MalformedLinesDropped(t *testing.T) {
	h := newHarness(t)
	m := h.start()

	ch := h.callAsync("thread/list", nil, time.Second)
	req := m.next(t)
	m.push(`garbage {`)
	m.push(`[1,2,3]`)
	m.push(`{"jsonrpc":"2.0"}`)
	m.push(fmt.Sprintf(`{"id":%s,"result":{"ok":true}}`, req.ID))
	if r := waitResult(t, ch); r.err != nil {
		t.Fatalf("err = %v", r.err)
	}
}

func TestClient_NotificationsAndUnsubscribe(t *testing.T) {
	h := newHarness(t)
	m := h.start()

	got := make(chan Notification, 4)
	unsubscribe := h.client.OnNotification(func(n Notification) { got <- n })

	m.push(`{"method":"turn/started","params":{"threadId":"t1"}}`)
	select {
	case n := <-got:
		if n.Method != "turn/started" || !strings.Contains(string(n.Params), "t1") {
			t.Fatalf("notification = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}

	unsubscribe()
	m.push(`{"method":"turn/completed","params":{}}`)
	// Round-trip a call so the notification above has been dispatched.
	ch := h.callAsync("thread/list", nil, time.Second)
	req := m.next(t)
	m.push(fmt.Sprintf(`{"id":%s,"result":{}}`, req.ID))
	waitResult(t, ch)
	select {
	case n := <-got:
		t.Fatalf("listener called after unsubscribe: %+v", n)
	default:
	}
}
