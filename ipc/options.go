package ipc

import (
	"log/slog"
	"time"

	"github.com/ggoodman/nucleus-ipc-go/notify"
)

const (
	// DefaultTimeout bounds activation plus result for requests and
	// subscription handshakes.
	DefaultTimeout = 5 * time.Second
	// DefaultConnectTimeout bounds Connect when its context has no deadline.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultEventBuffer is the capacity of Handle.Events.
	DefaultEventBuffer = 8
	// DefaultQueueSize is the per-subscription pending event bound.
	DefaultQueueSize = 16
)

// Option configures a Handle.
type Option func(*Handle)

// WithLogger sets the handle logger. If nil, logging is discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handle) { h.logger = l }
}

// WithConnectTimeout bounds Connect when the context has no deadline.
func WithConnectTimeout(d time.Duration) Option {
	return func(h *Handle) {
		if d > 0 {
			h.connectTimeout = d
		}
	}
}

// WithBootstrapOptions overrides the native bootstrap sizing.
func WithBootstrapOptions(o BootstrapOptions) Option {
	return func(h *Handle) { h.bootstrapOpts = o }
}

// WithEventBuffer sets the capacity of the Events channel. Events are dropped
// when it is full.
func WithEventBuffer(n int) Option {
	return func(h *Handle) {
		if n > 0 {
			h.eventBuffer = n
		}
	}
}

// CallOption configures one Execute.
type CallOption func(*callConfig)

type callConfig struct {
	timeout time.Duration
}

// WithTimeout overrides DefaultTimeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// ErrorPolicy decides what a subscription does when the stream reports an
// error.
type ErrorPolicy int

const (
	// ContinueOnError keeps the stream open; errors are logged. If the stream
	// then closes without another event, the session ends Errored with the
	// last error.
	ContinueOnError ErrorPolicy = iota
	// CloseOnError ends the session as Errored.
	CloseOnError
)

// SubscribeOption configures Subscribe.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	timeout   time.Duration
	filter    func(notify.Event) bool
	decode    func([]byte) (notify.Event, error)
	policy    ErrorPolicy
	queueSize int
}

// WithHandshakeTimeout overrides DefaultTimeout for the handshake.
func WithHandshakeTimeout(d time.Duration) SubscribeOption {
	return func(c *subscribeConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithFilter replaces the default event filter (pre-update events only).
// fn runs on the native callback goroutine and must not block.
func WithFilter(fn func(notify.Event) bool) SubscribeOption {
	return func(c *subscribeConfig) {
		if fn != nil {
			c.filter = fn
		}
	}
}

// WithDecoder replaces the default single-key union decoder.
func WithDecoder(fn func([]byte) (notify.Event, error)) SubscribeOption {
	return func(c *subscribeConfig) {
		if fn != nil {
			c.decode = fn
		}
	}
}

// WithErrorPolicy sets the stream error policy. Default ContinueOnError.
func WithErrorPolicy(p ErrorPolicy) SubscribeOption {
	return func(c *subscribeConfig) { c.policy = p }
}

// WithQueueSize bounds events waiting for the notifier. Events arriving when
// the queue is full are dropped.
func WithQueueSize(n int) SubscribeOption {
	return func(c *subscribeConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}
