// Package notify defines the Notifier capability handed to a subscription and
// a few implementations of it.
//
// A Notifier is told "something you care about happened" once per delivered
// event. It is owned by the subscription it was handed to: the subscription
// calls Close exactly once when it ends, and never calls Notify afterwards.
// Implementations therefore do not need to guard against use after Close by
// their owner, but the ones in this module do so anyway (returning ErrClosed)
// because notifiers are sometimes shared with host code.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("notify: notifier closed")

// Event is the host-facing view of one stream event.
type Event struct {
	// Kind is the event variant, e.g. "preUpdateEvent".
	Kind string `json:"kind"`
	// ID identifies the subject of the event (the deployment id for
	// component update events). Empty when the event carries none.
	ID string `json:"id,omitempty"`
	// Data is the raw JSON body of the variant.
	Data json.RawMessage `json:"data,omitempty"`
	// ReceivedAt is when the bridge accepted the event.
	ReceivedAt time.Time `json:"receivedAt"`
}

// Notifier receives events from a subscription.
type Notifier interface {
	// Notify is called at most once per delivered event, never concurrently
	// with itself, never after Close.
	Notify(ctx context.Context, ev Event) error
	// Close releases the notifier. Called exactly once by the owning
	// subscription.
	Close() error
}

type funcNotifier struct {
	fn func(context.Context, Event) error

	mu     sync.Mutex
	closed bool
}

// Func adapts fn into a Notifier with a no-op Close.
func Func(fn func(ctx context.Context, ev Event) error) Notifier {
	return &funcNotifier{fn: fn}
}

func (f *funcNotifier) Notify(ctx context.Context, ev Event) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return f.fn(ctx, ev)
}

func (f *funcNotifier) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Discard accepts and drops every event.
func Discard() Notifier {
	return Func(func(context.Context, Event) error { return nil })
}
