package ipc_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/nucleus-ipc-go/ipc"
	"github.com/ggoodman/nucleus-ipc-go/ipc/ipctest"
	"github.com/ggoodman/nucleus-ipc-go/notify"
)

var updatesModel = ipc.OperationModel{
	Name:        "aws.greengrass#SubscribeToComponentUpdates",
	RequestType: "aws.greengrass#SubscribeToComponentUpdatesRequest",
}

type recorder struct {
	mu      sync.Mutex
	events  []notify.Event
	closes  int
	got     chan struct{}
	entered chan struct{}
	block   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 64), entered: make(chan struct{}, 64)}
}

func (r *recorder) Notify(ctx context.Context, ev notify.Event) error {
	r.entered <- struct{}{}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	r.closes++
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() ([]notify.Event, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...), r.closes
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d notifications", i, n)
		}
	}
}

func preUpdate(id string) map[string]any {
	return map[string]any{"preUpdateEvent": map[string]any{"deploymentId": id, "isGgcRestarting": false}}
}

func postUpdate(id string) map[string]any {
	return map[string]any{"postUpdateEvent": map[string]any{"deploymentId": id}}
}

func subscribe(t *testing.T, h *ipc.Handle, n *ipctest.Native, r notify.Notifier, opts ...ipc.SubscribeOption) (*ipc.Subscription, *ipctest.Operation) {
	t.Helper()
	sub, err := ipc.Subscribe(testContext(t), h, updatesModel, nil, r, opts...)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })
	return sub, n.WaitOperation(t, updatesModel.Name, time.Second)
}

func TestSubscriptionNotifiesPreUpdateInOrder(t *testing.T) {
	t.Parallel()

	h, n := connectedHandle(t)
	r := newRecorder()
	_, op := subscribe(t, h, n, r)

	ids := []string{"d-1", "d-2", "d-3"}
	for _, id := range ids {
		op.Event(preUpdate(id))
	}
	r.wait(t, len(ids))

	got, _ := r.snapshot()
	if len(got) != len(ids) {
		t.Fatalf("notifications = %d, want %d", len(got), len(ids))
	}
	for i, ev := range got {
		if ev.Kind != ipc.PreUpdateEventKind || ev.ID != ids[i] {
			t.Fatalf("event %d = %+v, want pre-update %s", i, ev, ids[i])
		}
		if ev.ReceivedAt.IsZero() {
			t.Fatalf("event %d has no receive time", i)
		}
	}
}

func TestSubscriptionIgnoresOtherEvents(t *testing.T) {
	t.Parallel()

	h, n := connectedHandle(t)
	r := newRecorder()
	_, op := subscribe(t, h, n, r)

	op.Event(postUpdate("d-1"))
	op.Event(map[string]any{"somethingElse": map[string]any{}})
	op.Event([]byte("not json"))
	// A pre-update event after the ignored ones proves the others were
	// processed and dropped rather than still queued.
	op.Event(preUpdate("d-2"))
	r.wait(t, 1)
	op.Sync()

	got, _ := r.snapshot()
	if len(got) != 1 || got[0].ID != "d-2" {
		t.Fatalf("notifications = %+v, want only d-2", got)
	}
}

func TestSubscriptionCustomFilter(t *testing.T) {
	t.Parallel()

	h, n := connectedHandle(t)
	r := newRecorder()
	_, op := subscribe(t, h, n, r, ipc.WithFilter(ipc.AllEvents))

	op.Event(preUpdate("d-1"))
	op.Event(postUpdate("d-1"))
	r.wait(t, 2)

	got, _ := r.snapshot()
	if got[0].Kind != "preUpdateEvent" || got[1].Kind != "postUpdateEvent" {
		t.Fatalf("kinds = %s, %s", got[0].Kind, got[1].Kind)
	}
}

func TestSubscriptionNoNotificationsAfterStreamClosed(t *testing.T) {
	t.Parallel()

	h, n := connectedHandle(t)
	r := newRecorder()
	sub, op := subscribe(t, h, n, r)

	op.Event(preUpdate("d-1"))
	r.wait(t, 1)

	op.CloseStream()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	if got := sub.State(); got != ipc.SessionClosed {
		t.Fatalf("state = %s, want closed", got)
	}

	for i := 0; i < 3; i++ {
		op.Inject(preUpdate("late"))
	}
	op.Sync()

	got, closes := r.snapshot()
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
	if closes != 1 {
		t.Fatalf("notifier closed %d times, want 1", closes)
	}
}

func TestSubscriptionErrorPolicyContinue(t *testing.T) {
	t.Parallel()

	h, n := connectedHandle(t)
	r := newRecorder()
	sub, op := subscribe(t, h, n, r)

	if op.StreamError(errors.New("AWS_ERROR_EVENT_STREAM_RPC_PROTOCOL_ERROR")) {
		t.Fatal("default policy should keep the stream open")
	}
	if got := sub.State(); got != ipc.SessionOpen {
		t.Fatalf("state = %s, want open", got)
	}
	op.Event(preUpdate("d-1"))
	r.wait(t, 1)
}

func TestSubscriptionErrorPolicyClose(t *testing.T) {
	t.Parallel()

	h, n := connectedHandle(t)
	r := newRecorder()
	sub, op := subscribe(t, h, n, r, ipc.WithErrorPolicy(ipc.CloseOnError))

	reason := errors.New("AWS_ERROR_EVENT_STREAM_RPC_PROTOCOL_ERROR")
	if !op.StreamError(reason) {
		t.Fatal("CloseOnError should close the stream")
	}
	if err := sub.Wait(testContext(t)); !errors.Is(err, reason) {
		t.Fatalf("Wait = %v, want %v", err, reason)
	}
	if got := sub.State(); got != ipc.SessionErrored {
		t.Fatalf("state = %s, want errored", got)
	}
	if _, closes := r.snapshot(); closes != 1 {
		t.Fatalf("notifier closed %d times, want 1", closes)
	}
}

func TestSubscriptionCloseReleasesNotifier(t *testing.T) {
	t.Parallel()

	h, n := connectedHandle(t)
	r := newRecorder()
	sub, op := subscribe(t, h, n, r)

	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = sub.Close()
	<-sub.Done()
	if _, closes := r.snapshot(); closes != 1 {
		t.Fatalf("notifier closed %d times, want 1", closes)
	}
	if got := op.CloseCalls(); got != 1 {
		t.Fatalf("operation closed %d times, want 1", got)
	}

	// The slot is free again.
	r2 := newRecorder()
	sub2, err := ipc.Subscribe(testContext(t), h, updatesModel, nil, r2)
	if err != nil {
		t.Fatalf("second Subscribe: %v", err)
	}
	_ = sub2.Close()
}

func TestSubscriptionOnePerHandle(t *testing.T) {
	t.Parallel()

	h, n := connectedHandle(t)
	subscribe(t, h, n, newRecorder())

	r := newRecorder()
	_, err := ipc.Subscribe(testContext(t), h, updatesModel, nil, r)
	if !errors.Is(err, ipc.ErrSubscriptionActive) {
		t.Fatalf("want ErrSubscriptionActive, got %v", err)
	}
	if _, closes := r.snapshot(); closes != 1 {
		t.Fatal("rejected notifier should be closed")
	}
}

func TestSubscriptionHandshakeFailure(t *testing.T) {
	t.Parallel()

	h, n := connectedHandle(t)
	n.Handle(updatesModel.Name, func(op *ipctest.Operation) {
		op.Ack()
		op.Fail(&ipc.ApplicationError{Code: "UnauthorizedError", Message: "not allowed"})
	})

	r := newRecorder()
	_, err := ipc.Subscribe(testContext(t), h, updatesModel, nil, r)
	if !ipc.IsKind(err, ipc.KindApplication) {
		t.Fatalf("want application error, got %v", err)
	}
	if _, closes := r.snapshot(); closes != 1 {
		t.Fatalf("notifier closed %d times, want 1", closes)
	}
}

func TestSubscriptionHandshakeTimeout(t *testing.T) {
	t.Parallel()

	h, n := connectedHandle(t)
	n.Handle(updatesModel.Name, func(op *ipctest.Operation) { op.Ack() })

	r := newRecorder()
	_, err := ipc.Subscribe(testContext(t), h, updatesModel, nil, r, ipc.WithHandshakeTimeout(50*time.Millisecond))
	if !ipc.IsKind(err, ipc.KindTimeout) {
		t.Fatalf("want timeout, got %v", err)
	}
	if _, closes := r.snapshot(); closes != 1 {
		t.Fatalf("notifier closed %d times, want 1", closes)
	}
}

func TestSubscriptionSlowNotifierDropsWhenFull(t *testing.T) {
	t.Parallel()

	h, n := connectedHandle(t)
	r := newRecorder()
	r.block = make(chan struct{})
	sub, op := subscribe(t, h, n, r, ipc.WithQueueSize(2))

	// One event is held by the blocked notifier, two fill the queue, the
	// rest are dropped.
	op.Event(preUpdate("d"))
	select {
	case <-r.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier was not called")
	}
	for i := 0; i < 5; i++ {
		op.Event(preUpdate("d"))
	}
	op.Sync()
	deadline := time.Now().Add(time.Second)
	for sub.Dropped() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sub.Dropped(); got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}
	close(r.block)
	r.wait(t, 3)
}

func TestHandleCloseEndsSubscription(t *testing.T) {
	t.Parallel()

	h, n := connectedHandle(t)
	r := newRecorder()
	sub, _ := subscribe(t, h, n, r)

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end with its handle")
	}
	if _, closes := r.snapshot(); closes != 1 {
		t.Fatalf("notifier closed %d times, want 1", closes)
	}
}

func TestSubscriptionEndsOnConnectionLoss(t *testing.T) {
	t.Parallel()

	h, n := connectedHandle(t)
	r := newRecorder()
	sub, _ := subscribe(t, h, n, r)

	reason := errors.New("AWS_ERROR_EVENT_STREAM_RPC_CONNECTION_CLOSED")
	n.Disconnect(reason)
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription survived connection loss")
	}
	if got := sub.State(); got != ipc.SessionErrored {
		t.Fatalf("session state = %s, want errored", got)
	}
	if err := sub.Wait(testContext(t)); !errors.Is(err, reason) {
		t.Fatalf("Wait = %v, want %v", err, reason)
	}
	n.Sync()
	if got := h.State(); got != ipc.Failed {
		t.Fatalf("handle state = %s, want failed", got)
	}
}

func TestSubscriptionStreamErrorThenCloseEndsErrored(t *testing.T) {
	t.Parallel()

	h, n := connectedHandle(t)
	sub, op := subscribe(t, h, n, newRecorder())

	reason := errors.New("AWS_ERROR_EVENT_STREAM_RPC_PROTOCOL_ERROR")
	op.StreamError(reason)
	op.CloseStream()
	if err := sub.Wait(testContext(t)); !errors.Is(err, reason) {
		t.Fatalf("Wait = %v, want %v", err, reason)
	}
	if got := sub.State(); got != ipc.SessionErrored {
		t.Fatalf("state = %s, want errored", got)
	}
}

func TestSubscriptionRecoveredStreamErrorClosesCleanly(t *testing.T) {
	t.Parallel()

	h, n := connectedHandle(t)
	r := newRecorder()
	sub, op := subscribe(t, h, n, r)

	op.StreamError(errors.New("AWS_ERROR_EVENT_STREAM_RPC_PROTOCOL_ERROR"))
	op.Event(preUpdate("d-1"))
	r.wait(t, 1)
	op.CloseStream()
	if err := sub.Wait(testContext(t)); err != nil {
		t.Fatalf("Wait = %v, want nil", err)
	}
	if got := sub.State(); got != ipc.SessionClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}

// liveNotifier records whether Notify ever ran with the session context
// already canceled.
type liveNotifier struct {
	late atomic.Int32
}

func (l *liveNotifier) Notify(ctx context.Context, _ notify.Event) error {
	if ctx.Err() != nil {
		l.late.Add(1)
	}
	return nil
}

func (l *liveNotifier) Close() error { return nil }

func TestSubscriptionNeverNotifiesAfterClose(t *testing.T) {
	t.Parallel()

	ln := &liveNotifier{}
	for i := 0; i < 50; i++ {
		h, n := connectedHandle(t)
		sub, op := subscribe(t, h, n, ln)
		op.Event(preUpdate("d-1"))
		op.Sync()
		_ = sub.Close()
		<-sub.Done()
	}
	if got := ln.late.Load(); got != 0 {
		t.Fatalf("Notify ran %d times after the session ended", got)
	}
}

func TestDecodeUnionEvent(t *testing.T) {
	t.Parallel()

	ev, err := ipc.DecodeUnionEvent([]byte(`{"preUpdateEvent":{"deploymentId":"abc","isGgcRestarting":true},"postUpdateEvent":null}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != "preUpdateEvent" || ev.ID != "abc" {
		t.Fatalf("event = %+v", ev)
	}
	if string(ev.Data) != `{"deploymentId":"abc","isGgcRestarting":true}` {
		t.Fatalf("data = %s", ev.Data)
	}

	if _, err := ipc.DecodeUnionEvent([]byte(`{}`)); err == nil {
		t.Fatal("empty union should fail")
	}
	if _, err := ipc.DecodeUnionEvent([]byte(`[1]`)); err == nil {
		t.Fatal("non-object should fail")
	}
}
