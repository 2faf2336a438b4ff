// Copyright 2026 The Palisade Authors
// SPDX-License-Identifier: Apache-2.0

package fence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/palisade-cluster/palisade/lib/clock"
	"github.com/palisade-cluster/palisade/lib/codec"
	"github.com/palisade-cluster/palisade/lib/testutil"
)

// --- Connection tests ---

func TestConnectPerformsSignon(t *testing.T) {
	d := startFakeDaemon(t)
	client := newTestClient(t, d, Options{})

	if !client.Connected() {
		t.Fatal("client should report connected after signon")
	}
	signon := testutil.RequireReceive(t, d.signons, 5*time.Second, "signon envelope")
	if signon.Type != msgTypeCommand || signon.Op != opRegister {
		t.Fatalf("signon = %s/%s, want %s/%s", signon.Type, signon.Op, msgTypeCommand, opRegister)
	}
	if signon.ClientName != "test-client" {
		t.Fatalf("signon client_name = %q, want %q", signon.ClientName, "test-client")
	}
	if signon.Token != "" {
		t.Fatalf("signon carries token %q before one was granted", signon.Token)
	}
}

func TestConnectTwiceFails(t *testing.T) {
	d := startFakeDaemon(t)
	client := newTestClient(t, d, Options{})

	if err := client.Connect(t.Context()); err == nil {
		t.Fatal("second Connect should fail while connected")
	}
}

func TestConnectNoListener(t *testing.T) {
	path := filepath.Join(testutil.SocketDir(t), "absent.sock")
	client := New(Options{SocketPath: path, Logger: testLogger()})

	if err := client.Connect(t.Context()); err == nil {
		t.Fatal("Connect should fail without a daemon")
	}
	if client.Connected() {
		t.Fatal("client should stay disconnected after a failed Connect")
	}
}

func TestConnectSignonWithoutToken(t *testing.T) {
	d := startFakeDaemon(t)
	d.signonReply = &envelope{Type: msgTypeCommand, Op: opRegister}

	client := New(Options{SocketPath: d.path, Logger: testLogger()})
	err := client.Connect(t.Context())
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Connect error = %v, want wrapped ErrProtocol", err)
	}
	if client.Connected() {
		t.Fatal("client should stay disconnected after a rejected signon")
	}
}

// --- Send tests ---

func TestSendWhenDisconnected(t *testing.T) {
	client := New(Options{Logger: testLogger()})
	_, err := client.Send(context.Background(), opQuery, nil, 0, 0)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send error = %v, want ErrNotConnected", err)
	}
}

func TestSendCarriesSessionToken(t *testing.T) {
	d := startFakeDaemon(t)
	d.handler = func(env *envelope) []*envelope {
		return []*envelope{commandReply(env, 0)}
	}
	client := newTestClient(t, d, Options{})

	if _, err := client.Query(t.Context(), 0, "", time.Minute); err != nil {
		t.Fatalf("Query: %v", err)
	}
	env := testutil.RequireReceive(t, d.received, 5*time.Second, "query envelope")
	if env.Token != "fake-session" {
		t.Fatalf("token = %q, want the signon-granted %q", env.Token, "fake-session")
	}
	if env.Op != opQuery || env.Type != msgTypeCommand {
		t.Fatalf("envelope = %s/%s, want %s/%s", env.Type, env.Op, msgTypeCommand, opQuery)
	}
	if env.CallID != 1 {
		t.Fatalf("call_id = %d, want 1 on a fresh session", env.CallID)
	}
	if env.CallOptions&CallSync == 0 {
		t.Fatal("query envelope should carry the sync option")
	}
	if env.Timeout != 60 {
		t.Fatalf("timeout = %d seconds, want 60", env.Timeout)
	}
}

func TestSyncCallReportsDaemonCode(t *testing.T) {
	d := startFakeDaemon(t)
	code := -int(unix.ENODEV)
	d.handler = func(env *envelope) []*envelope {
		return []*envelope{commandReply(env, code)}
	}
	client := newTestClient(t, d, Options{})

	err := client.Fence(t.Context(), CallSync, FenceRequest{Target: "node3", Action: "off"})
	var daemonErr *DaemonError
	if !errors.As(err, &daemonErr) {
		t.Fatalf("Fence error = %v, want *DaemonError", err)
	}
	if daemonErr.Code != code {
		t.Fatalf("code = %d, want %d", daemonErr.Code, code)
	}
	if daemonErr.Op != opFence {
		t.Fatalf("op = %q, want %q", daemonErr.Op, opFence)
	}
}

func TestAsyncSendReturnsCallID(t *testing.T) {
	d := startFakeDaemon(t)
	client := newTestClient(t, d, Options{})

	first, err := client.Send(t.Context(), opQuery, nil, 0, 0)
	if err != nil {
		t.Fatalf("first Send: %v", err)
	}
	second, err := client.Send(t.Context(), opQuery, nil, 0, 0)
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if first.CallID != 1 || second.CallID != 2 {
		t.Fatalf("call ids = %d, %d, want 1, 2", first.CallID, second.CallID)
	}
}

func TestCallIDWrapsWithinInt32(t *testing.T) {
	d := startFakeDaemon(t)
	client := newTestClient(t, d, Options{})

	client.mu.Lock()
	client.nextCallID = math.MaxInt32 - 1
	client.mu.Unlock()

	atLimit, err := client.Send(t.Context(), opQuery, nil, 0, 0)
	if err != nil {
		t.Fatalf("Send at limit: %v", err)
	}
	wrapped, err := client.Send(t.Context(), opQuery, nil, 0, 0)
	if err != nil {
		t.Fatalf("Send past limit: %v", err)
	}
	if atLimit.CallID != math.MaxInt32 {
		t.Fatalf("call id at limit = %d, want %d", atLimit.CallID, math.MaxInt32)
	}
	if wrapped.CallID != 1 {
		t.Fatalf("wrapped call id = %d, want 1", wrapped.CallID)
	}
}

func TestSendEmptyOperation(t *testing.T) {
	d := startFakeDaemon(t)
	client := newTestClient(t, d, Options{})

	_, err := client.Send(t.Context(), "", nil, 0, 0)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Send error = %v, want ErrInvalidArgument", err)
	}
}

// --- Reply correlation tests ---

func TestMismatchedReplyFailsOldestPending(t *testing.T) {
	d := startFakeDaemon(t)
	client := newTestClient(t, d, Options{})

	outcome := make(chan error, 1)
	go func() {
		_, err := client.Query(t.Context(), 0, "node3", time.Minute)
		outcome <- err
	}()
	testutil.RequireReceive(t, d.received, 5*time.Second, "query envelope")

	// A reply for a call nobody made: the blocked call must not hang
	// on it.
	code := 0
	if err := d.send(&envelope{Type: msgTypeCommand, Op: opQuery, CallID: 999, RC: &code}); err != nil {
		t.Fatalf("sending mismatched reply: %v", err)
	}
	err := testutil.RequireReceive(t, outcome, 5*time.Second, "query outcome")
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Query error = %v, want wrapped ErrProtocol", err)
	}
}

func TestDisconnectFailsPendingSyncCalls(t *testing.T) {
	d := startFakeDaemon(t)
	client := newTestClient(t, d, Options{})

	outcome := make(chan error, 1)
	go func() {
		_, err := client.Query(t.Context(), 0, "node3", time.Minute)
		outcome <- err
	}()
	testutil.RequireReceive(t, d.received, 5*time.Second, "query envelope")

	client.Disconnect()
	err := testutil.RequireReceive(t, outcome, 5*time.Second, "query outcome")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Query error = %v, want wrapped ErrNotConnected", err)
	}
}

func TestSendFailsFastAfterDisconnect(t *testing.T) {
	d := startFakeDaemon(t)
	client := newTestClient(t, d, Options{})

	client.Disconnect()
	_, err := client.Send(t.Context(), opQuery, nil, 0, 0)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send error = %v, want ErrNotConnected", err)
	}
}

// --- Timeout and cancellation tests ---

func TestSyncCallTimesOut(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	d := startFakeDaemon(t)
	client := newTestClient(t, d, Options{Clock: clk})

	outcome := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), opQuery, queryPayload{}, CallSync, 30*time.Second)
		outcome <- err
	}()

	clk.WaitForTimers(1)
	clk.Advance(30*time.Second + replyGrace)

	err := testutil.RequireReceive(t, outcome, 5*time.Second, "sync call outcome")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Send error = %v, want wrapped ErrTimeout", err)
	}
}

func TestSyncCallCanceledByContext(t *testing.T) {
	d := startFakeDaemon(t)
	client := newTestClient(t, d, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	outcome := make(chan error, 1)
	go func() {
		_, err := client.Query(ctx, 0, "node3", time.Minute)
		outcome <- err
	}()
	testutil.RequireReceive(t, d.received, 5*time.Second, "query envelope")

	cancel()
	err := testutil.RequireReceive(t, outcome, 5*time.Second, "query outcome")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Query error = %v, want context.Canceled", err)
	}
}

// --- Callback integration tests ---

func TestRegisteredCallbackReceivesReply(t *testing.T) {
	d := startFakeDaemon(t)
	client := newTestClient(t, d, Options{})

	sent, err := client.Send(t.Context(), opFence,
		fencePayload{Target: "node3", Action: "reboot"}, 0, time.Minute)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := make(chan delivery, 1)
	client.RegisterCallback(sent.CallID, time.Minute, 0, "fence-node3", recordTo(got))

	env := testutil.RequireReceive(t, d.received, 5*time.Second, "fence envelope")
	if err := d.send(commandReply(env, 0)); err != nil {
		t.Fatalf("sending reply: %v", err)
	}

	result := testutil.RequireReceive(t, got, 5*time.Second, "callback delivery")
	if result.callID != sent.CallID || result.code != 0 {
		t.Fatalf("callback got call %d code %d, want call %d code 0",
			result.callID, result.code, sent.CallID)
	}
	if result.userData != "fence-node3" {
		t.Fatalf("userData = %v, want %q", result.userData, "fence-node3")
	}
}

func TestCallbackFallbackTimerFires(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	d := startFakeDaemon(t)
	client := newTestClient(t, d, Options{Clock: clk})

	sent, err := client.Send(t.Context(), opFence,
		fencePayload{Target: "node3", Action: "reboot"}, 0, 30*time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := make(chan int, 1)
	client.RegisterCallback(sent.CallID, 30*time.Second, 0, nil, func(_, code int, _ any) {
		got <- code
	})

	clk.WaitForTimers(1)
	clk.Advance(30*time.Second + replyGrace)

	code := testutil.RequireReceive(t, got, 5*time.Second, "synthesized timeout")
	if code != codeTimeout {
		t.Fatalf("code = %d, want %d", code, codeTimeout)
	}
}

func TestTimeoutUpdateExtendsFallback(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	d := startFakeDaemon(t)
	client := newTestClient(t, d, Options{Clock: clk})

	sent, err := client.Send(t.Context(), opFence,
		fencePayload{Target: "node3", Action: "off"}, CallTimeoutUpdates, 30*time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	fired := make(chan int, 1)
	client.RegisterCallback(sent.CallID, 30*time.Second, CallTimeoutUpdates, nil, func(_, code int, _ any) {
		fired <- code
	})
	clk.WaitForTimers(1)

	// The daemon grants the operation more time.
	if err := d.send(&envelope{Type: msgTypeTimeoutUpdate, CallID: sent.CallID, Timeout: 90}); err != nil {
		t.Fatalf("sending timeout update: %v", err)
	}

	// The reader dispatches serially, so once a notification pushed
	// after the update is observed, the update has been applied.
	marker := make(chan struct{}, 1)
	if err := client.Subscribe(NotifyHistory, func(string, Event) { marker <- struct{}{} }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	code := 0
	if err := d.send(&envelope{Type: msgTypeNotify, Subtype: NotifyHistory, RC: &code}); err != nil {
		t.Fatalf("sending marker notification: %v", err)
	}
	testutil.RequireClosed(t, marker, 5*time.Second, "marker notification")

	// The original deadline passes without firing.
	clk.Advance(30*time.Second + replyGrace)
	select {
	case code := <-fired:
		t.Fatalf("callback fired at the superseded deadline with code %d", code)
	default:
	}

	// The extended deadline fires.
	clk.Advance(60 * time.Second)
	result := testutil.RequireReceive(t, fired, 5*time.Second, "extended timeout")
	if result != codeTimeout {
		t.Fatalf("code = %d, want %d", result, codeTimeout)
	}
}

// --- Notification tests ---

func TestDaemonCrashSynthesizesDisconnectEvent(t *testing.T) {
	d := startFakeDaemon(t)
	client := newTestClient(t, d, Options{})

	names := make(chan string, 1)
	if err := client.Subscribe(NotifyDisconnect, func(event string, _ Event) { names <- event }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	d.closeConns()
	name := testutil.RequireReceive(t, names, 5*time.Second, "disconnect event")
	if name != NotifyDisconnect {
		t.Fatalf("event = %q, want %q", name, NotifyDisconnect)
	}
	if client.Connected() {
		t.Fatal("client should report disconnected after the daemon vanished")
	}
}

func TestServerPushedFenceNotification(t *testing.T) {
	d := startFakeDaemon(t)
	client := newTestClient(t, d, Options{})

	got := make(chan Event, 1)
	if err := client.Subscribe(NotifyFence, func(_ string, data Event) { got <- data }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	testutil.RequireReceive(t, d.received, 5*time.Second, "activate control")

	operationID := uuid.NewString()
	pushed := Event{
		Operation:   "peer-fence",
		Origin:      "node1",
		Action:      "reboot",
		Target:      "node3",
		Executioner: "node2",
		OperationID: operationID,
	}
	raw, err := codec.Marshal(pushed)
	if err != nil {
		t.Fatalf("encoding event: %v", err)
	}
	code := 0
	env := &envelope{Type: msgTypeNotify, Subtype: NotifyFence, RC: &code}
	env.packPayload(raw)
	if err := d.send(env); err != nil {
		t.Fatalf("sending notification: %v", err)
	}

	event := testutil.RequireReceive(t, got, 5*time.Second, "fence event")
	if event.Target != "node3" || event.Action != "reboot" {
		t.Fatalf("event = %+v, want target node3 action reboot", event)
	}
	if event.OperationID != operationID {
		t.Fatalf("operation_id = %q, want %q", event.OperationID, operationID)
	}
	if event.Result != 0 {
		t.Fatalf("result = %d, want 0", event.Result)
	}
}

func TestSubscribeSendsControlMessages(t *testing.T) {
	d := startFakeDaemon(t)
	client := newTestClient(t, d, Options{})

	if err := client.Subscribe(NotifyFence, func(string, Event) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	env := testutil.RequireReceive(t, d.received, 5*time.Second, "activate control")
	if env.Op != opNotify {
		t.Fatalf("op = %q, want %q", env.Op, opNotify)
	}
	var control notifyControl
	decodePayload(t, env, &control)
	if control.Activate != NotifyFence || control.Deactivate != "" {
		t.Fatalf("control = %+v, want activate %q", control, NotifyFence)
	}

	if err := client.Unsubscribe(NotifyFence); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	env = testutil.RequireReceive(t, d.received, 5*time.Second, "deactivate control")
	decodePayload(t, env, &control)
	if control.Deactivate != NotifyFence {
		t.Fatalf("control = %+v, want deactivate %q", control, NotifyFence)
	}
}

// --- Compressed payload tests ---

func TestLargeReplyTravelsCompressed(t *testing.T) {
	completedBase := time.Date(2026, 2, 14, 8, 0, 0, 0, time.UTC)
	d := startFakeDaemon(t)
	d.handler = func(env *envelope) []*envelope {
		if env.Op != opHistory {
			return nil
		}
		records := make([]HistoryRecord, 40)
		for i := range records {
			records[i] = HistoryRecord{
				Target:    fmt.Sprintf("node%02d", i),
				Action:    "reboot",
				Origin:    "node01.cluster.example.com",
				Delegate:  "node02.cluster.example.com",
				Client:    "palisade-controller",
				Completed: completedBase.Add(time.Duration(i) * time.Minute),
				State:     StateDone,
			}
		}
		out := commandReplyPayload(d.t, env, 0, historyReply{Records: records})
		if len(out.Compressed) == 0 {
			d.t.Errorf("history reply of this size should travel compressed")
		}
		return []*envelope{out}
	}
	client := newTestClient(t, d, Options{})

	records, err := client.History(t.Context(), 0, "", time.Minute)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) != 40 {
		t.Fatalf("got %d records, want 40", len(records))
	}
	if records[7].Target != "node07" {
		t.Fatalf("records[7].Target = %q, want node07", records[7].Target)
	}
	if !records[7].Completed.Equal(completedBase.Add(7 * time.Minute)) {
		t.Fatalf("records[7].Completed = %v, want %v",
			records[7].Completed, completedBase.Add(7*time.Minute))
	}
	if records[7].State != StateDone {
		t.Fatalf("records[7].State = %v, want %v", records[7].State, StateDone)
	}
}
