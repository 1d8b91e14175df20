package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/turnbridge/internal/rpc"
)

func awaitApproval(t *testing.T, ch <-chan PendingApproval) PendingApproval {
	t.Helper()
	select {
	case pa := <-ch:
		return pa
	case <-time.After(2 * time.Second):
		t.Fatal("no approval callback")
		return PendingApproval{}
	}
}

func TestApproval_RoundTrip(t *testing.T) {
	h := newHarness(t)
	m := h.start()

	requested := make(chan PendingApproval, 1)
	h.client.OnApproval(func(pa PendingApproval) { requested <- pa })

	m.push(`{"jsonrpc":"2.0","id":99,"method":"item/commandExecution/requestApproval","params":{"threadId":"t1","turnId":"u1","itemId":"i1","command":"rm -rf build"}}`)
	pa := awaitApproval(t, requested)
	if pa.Kind != KindCommandExecution || pa.ThreadID != "t1" || pa.TurnID != "u1" || pa.ItemID != "i1" {
		t.Fatalf("approval = %+v", pa)
	}
	if !strings.Contains(string(pa.Params), "rm -rf build") {
		t.Fatalf("request context not kept: %s", pa.Params)
	}
	if list := h.client.Approvals(); len(list) != 1 || list[0].ID != pa.ID {
		t.Fatalf("Approvals() = %+v", list)
	}

	if _, err := h.client.ResolveApproval(context.Background(), pa.ID, DecisionAccept); err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	reply := m.next(t)
	if string(reply.ID) != "99" || reply.Method != "" {
		t.Fatalf("reply = %+v", reply)
	}
	var result map[string]string
	if err := json.Unmarshal(reply.Result, &result); err != nil || result["decision"] != "accept" {
		t.Fatalf("result = %s", reply.Result)
	}
	if len(h.client.Approvals()) != 0 {
		t.Fatal("approval not removed")
	}
	m.expectNone(t, 50*time.Millisecond)

	if _, err := h.client.ResolveApproval(context.Background(), pa.ID, DecisionAccept); !errors.Is(err, ErrApprovalNotFound) {
		t.Fatalf("second resolve err = %v", err)
	}
}

func TestApproval_StringIDEchoed(t *testing.T) {
	h := newHarness(t)
	m := h.start()

	requested := make(chan PendingApproval, 1)
	h.client.OnApproval(func(pa PendingApproval) { requested <- pa })
	m.push(`{"id":"srv-7","method":"item/fileChange/requestApproval","params":{"threadId":"t2"}}`)
	pa := awaitApproval(t, requested)
	if _, err := h.client.ResolveApproval(context.Background(), pa.ID, DecisionDecline); err != nil {
		t.Fatal(err)
	}
	reply := m.next(t)
	if string(reply.ID) != `"srv-7"` || !strings.Contains(string(reply.Result), `"decline"`) {
		t.Fatalf("reply = %s / %s", reply.ID, reply.Result)
	}
}

func TestApproval_LegacyDecisionVocabulary(t *testing.T) {
	h := newHarness(t)
	m := h.start()

	requested := make(chan PendingApproval, 1)
	h.client.OnApproval(func(pa PendingApproval) { requested <- pa })
	m.push(`{"id":5,"method":"execCommandApproval","params":{"conversationId":"c1","callId":"call_1"}}`)
	pa := awaitApproval(t, requested)
	if pa.ThreadID != "c1" || pa.ItemID != "call_1" {
		t.Fatalf("legacy fields not mapped: %+v", pa)
	}
	if _, err := h.client.ResolveApproval(context.Background(), pa.ID, DecisionAcceptForSession); err != nil {
		t.Fatal(err)
	}
	if reply := m.next(t); !strings.Contains(string(reply.Result), `"approved_for_session"`) {
		t.Fatalf("result = %s", reply.Result)
	}
}

func TestApproval_UserInput(t *testing.T) {
	h := newHarness(t)
	m := h.start()

	requested := make(chan PendingApproval, 1)
	h.client.OnApproval(func(pa PendingApproval) { requested <- pa })
	m.push(`{"id":12,"method":"item/tool/requestUserInput","params":{"threadId":"t1","questions":[{"id":"q1"}]}}`)
	pa := awaitApproval(t, requested)
	if pa.Kind != KindUserInput {
		t.Fatalf("kind = %s", pa.Kind)
	}
	if _, err := h.client.ResolveUserInput(context.Background(), pa.ID, json.RawMessage(`{"q1":{"answers":["yes"]}}`)); err != nil {
		t.Fatal(err)
	}
	reply := m.next(t)
	if string(reply.ID) != "12" || !strings.Contains(string(reply.Result), `"answers":{"q1"`) {
		t.Fatalf("reply = %s", reply.Result)
	}
}

func TestApproval_WriteFailureRestores(t *testing.T) {
	h := newHarness(t)
	m := h.start()

	requested := make(chan PendingApproval, 1)
	h.client.OnApproval(func(pa PendingApproval) { requested <- pa })
	m.push(`{"id":3,"method":"item/commandExecution/requestApproval","params":{"threadId":"t1"}}`)
	pa := awaitApproval(t, requested)

	m.failSend.Store(1)
	if _, err := h.client.ResolveApproval(context.Background(), pa.ID, DecisionAccept); err == nil {
		t.Fatal("expected write failure")
	}
	if _, ok := h.client.Approval(pa.ID); !ok {
		t.Fatal("approval should be restored after a failed write")
	}
	if _, err := h.client.ResolveApproval(context.Background(), pa.ID, DecisionAccept); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if reply := m.next(t); string(reply.ID) != "3" {
		t.Fatalf("reply id = %s", reply.ID)
	}
}

func TestApproval_UnknownMethodRejected(t *testing.T) {
	h := newHarness(t)
	m := h.start()

	m.push(`{"id":44,"method":"item/somethingNew/request","params":{}}`)
	reply := m.next(t)
	if string(reply.ID) != "44" || reply.Error == nil || reply.Error.Code != rpc.CodeMethodNotFound {
		t.Fatalf("reply = %+v", reply)
	}
	if len(h.client.Approvals()) != 0 {
		t.Fatal("unknown request must not create an approval")
	}
}

func TestApproval_CancelledOnDisconnect(t *testing.T) {
	h := newHarness(t)
	m := h.start()

	requested := make(chan PendingApproval, 2)
	cancelled := make(chan []PendingApproval, 1)
	h.client.OnApproval(func(pa PendingApproval) { requested <- pa })
	h.client.OnApprovalsCancelled(func(list []PendingApproval) { cancelled <- list })

	m.push(`{"id":1,"method":"item/commandExecution/requestApproval","params":{"threadId":"t1"}}`)
	m.push(`{"id":2,"method":"item/fileChange/requestApproval","params":{"threadId":"t1"}}`)
	first := awaitApproval(t, requested)
	awaitApproval(t, requested)

	m.Close()
	select {
	case list := <-cancelled:
		if len(list) != 2 || list[0].ID != first.ID {
			t.Fatalf("cancelled = %+v", list)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("approvals not reported as cancelled")
	}
	if len(h.client.Approvals()) != 0 {
		t.Fatal("approvals should be cleared")
	}
	if _, err := h.client.ResolveApproval(context.Background(), first.ID, DecisionAccept); !errors.Is(err, ErrApprovalNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestApproval_ListenersRunInRegistrationOrder(t *testing.T) {
	h := newHarness(t)
	m := h.start()

	const n = 16
	var order, cancelOrder []int
	done := make(chan struct{}, 2)
	for i := 0; i < n; i++ {
		i := i
		h.client.OnApproval(func(PendingApproval) {
			order = append(order, i)
			if i == n-1 {
				done <- struct{}{}
			}
		})
		h.client.OnApprovalsCancelled(func([]PendingApproval) {
			cancelOrder = append(cancelOrder, i)
			if i == n-1 {
				done <- struct{}{}
			}
		})
	}

	m.push(`{"id":1,"method":"item/commandExecution/requestApproval","params":{"threadId":"t1"}}`)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("approval listeners not called")
	}
	m.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel listeners not called")
	}

	for _, got := range [][]int{order, cancelOrder} {
		if len(got) != n {
			t.Fatalf("calls = %v", got)
		}
		for i := range got {
			if got[i] != i {
				t.Fatalf("listeners ran out of order: %v", got)
			}
		}
	}
}
