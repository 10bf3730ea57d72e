// Package notifytest is a conformance suite for notify.Notifier
// implementations.
package notifytest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/nucleus-ipc-go/notify"
)

// NotifierFactory creates a fresh notifier for one subtest.
type NotifierFactory func(t *testing.T) notify.Notifier

// RunNotifierTests runs the suite against factory.
func RunNotifierTests(t *testing.T, factory NotifierFactory) {
	t.Run("NotifyAcceptsEvents", func(t *testing.T) {
		testNotifyAcceptsEvents(t, factory)
	})
	t.Run("CloseIsIdempotent", func(t *testing.T) {
		testCloseIsIdempotent(t, factory)
	})
	t.Run("NotifyAfterClose", func(t *testing.T) {
		testNotifyAfterClose(t, factory)
	})
}

// SampleEvent returns a pre-update event with a fixed deployment id.
func SampleEvent() notify.Event {
	return notify.Event{
		Kind:       "preUpdateEvent",
		ID:         "5f7c0f0e-8a39-4d7b-9a0f-3f6d1b2a4c11",
		Data:       json.RawMessage(`{"deploymentId":"5f7c0f0e-8a39-4d7b-9a0f-3f6d1b2a4c11","isGgcRestarting":false}`),
		ReceivedAt: time.Now().UTC(),
	}
}

func testNotifyAcceptsEvents(t *testing.T, factory NotifierFactory) {
	n := factory(t)
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := n.Notify(ctx, SampleEvent()); err != nil {
			t.Fatalf("Notify %d: %v", i, err)
		}
	}
}

func testCloseIsIdempotent(t *testing.T, factory NotifierFactory) {
	n := factory(t)
	if err := n.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func testNotifyAfterClose(t *testing.T, factory NotifierFactory) {
	n := factory(t)
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := n.Notify(context.Background(), SampleEvent())
	if !errors.Is(err, notify.ErrClosed) {
		t.Fatalf("expected notify.ErrClosed after Close, got %v", err)
	}
}
