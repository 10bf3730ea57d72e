package ipc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/nucleus-ipc-go/future"
	"github.com/ggoodman/nucleus-ipc-go/internal/logctx"
)

// Handle owns one connection to the native layer and its lifecycle state.
type Handle struct {
	native         Native
	logger         *slog.Logger
	log            *slog.Logger
	connectTimeout time.Duration
	bootstrapOpts  BootstrapOptions
	eventBuffer    int

	bridge *bridge
	events chan LifecycleEvent

	mu        sync.Mutex
	state     State
	failErr   error
	bootstrap Bootstrap
	client    NativeClient
	pending   *future.Future[struct{}] // resolved by the bridge on OnConnect
	sub       *Subscription
	closed    bool
}

// NewHandle returns a Disconnected handle. No native resources are acquired
// until Connect.
func NewHandle(native Native, opts ...Option) *Handle {
	h := &Handle{
		native:         native,
		connectTimeout: DefaultConnectTimeout,
		bootstrapOpts:  DefaultBootstrapOptions(),
		eventBuffer:    DefaultEventBuffer,
	}
	for _, o := range opts {
		o(h)
	}
	h.log = logctx.New(h.logger)
	h.events = make(chan LifecycleEvent, h.eventBuffer)
	h.bridge = &bridge{h: h}
	return h
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the reason for the Failed state, or nil.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Failed {
		return nil
	}
	return h.failErr
}

// Events delivers lifecycle events. Events are dropped when the buffer is
// full. The channel is closed by Close.
func (h *Handle) Events() <-chan LifecycleEvent { return h.events }

// Connect establishes the connection. It is a no-op on a Connected handle
// whose native connection is still up.
//
// The native bootstrap is built once per handle and reused across reconnects;
// reconnecting a Failed handle closes its old native client and builds a new
// one.
// A failure to build the bootstrap or the native client returns a fatal
// *ConnectError. A failed handshake returns a *ConnectError carrying the
// native status text and leaves the handle Disconnected.
func (h *Handle) Connect(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHandleClosed
	}
	switch h.state {
	case Connected:
		if h.client != nil && h.client.Connected() {
			h.mu.Unlock()
			return nil
		}
		// The native connection is down but its disconnect callback has not
		// been delivered yet.
		h.fail(ErrConnectionClosed)
		h.log.WarnContext(ctx, "connection.lost", slog.String("err", ErrConnectionClosed.Error()))
		h.publish(EventDisconnected, ErrConnectionClosed)
	case Connecting:
		h.mu.Unlock()
		return ErrConnectInProgress
	}

	// A failed handle keeps its bootstrap but gets a new client.
	var stale NativeClient
	if h.state == Failed && h.client != nil {
		stale, h.client = h.client, nil
	}
	closeStale := func() {
		if stale != nil {
			_ = stale.Close()
		}
	}

	if h.bootstrap == nil {
		b, err := h.native.NewBootstrap(h.bootstrapOpts)
		if err != nil {
			h.mu.Unlock()
			return &ConnectError{Status: err.Error(), Fatal: true, Err: err}
		}
		h.bootstrap = b
	}
	if h.client == nil {
		c, err := h.native.NewClient(h.bootstrap)
		if err != nil {
			h.mu.Unlock()
			closeStale()
			return &ConnectError{Status: err.Error(), Fatal: true, Err: err}
		}
		h.client = c
	}
	client := h.client
	pending := future.New[struct{}]()
	h.pending = pending
	h.state = Connecting
	h.mu.Unlock()
	closeStale()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.connectTimeout)
		defer cancel()
	}

	start := time.Now()
	h.log.DebugContext(ctx, "connect.start")
	nf := client.Connect(ctx, h.bridge.forClient(client))

	var err error
	select {
	case <-pending.Done():
	case <-nf.Done():
		if _, nerr, _ := nf.Peek(); nerr != nil {
			err = nerr
			break
		}
		// Native success implies OnConnect already ran; wait for the bridge
		// in case it is still being delivered.
		select {
		case <-pending.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err == nil {
		_, err, _ = pending.Peek()
	}

	if err != nil {
		h.abandonConnect(pending, client)
		h.log.InfoContext(ctx, "connect.fail", slog.String("err", err.Error()), slog.Duration("duration", time.Since(start)))
		return &ConnectError{Status: err.Error(), Err: err}
	}
	h.log.InfoContext(ctx, "connect.ok", slog.Duration("duration", time.Since(start)))
	return nil
}

// abandonConnect returns a handle whose attempt failed to Disconnected and
// drops the native client so the next Connect starts clean.
func (h *Handle) abandonConnect(pending *future.Future[struct{}], client NativeClient) {
	pending.Reject(ErrNotConnected)
	h.mu.Lock()
	if h.pending == pending {
		h.pending = nil
	}
	if h.state == Connecting || h.state == Connected {
		h.state = Disconnected
	}
	drop := h.client == client
	if drop {
		h.client = nil
	}
	h.mu.Unlock()
	if drop {
		_ = client.Close()
	}
}

// Close tears down the connection, closes any open subscription and releases
// the native bootstrap. Close is idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.state = Disconnected
	client := h.client
	h.client = nil
	bootstrap := h.bootstrap
	h.bootstrap = nil
	sub := h.sub
	pending := h.pending
	h.pending = nil
	close(h.events)
	h.mu.Unlock()

	if pending != nil {
		pending.Reject(ErrHandleClosed)
	}
	if sub != nil {
		_ = sub.Close()
	}
	var err error
	if client != nil {
		err = client.Close()
	}
	if bootstrap != nil {
		bootstrap.Release()
	}
	h.log.Debug("handle.closed")
	return err
}

// fail moves the handle to Failed. Caller holds h.mu.
func (h *Handle) fail(err error) {
	h.state = Failed
	h.failErr = err
}

// connected returns the native client if the handle is Connected.
func (h *Handle) connected() (NativeClient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHandleClosed
	}
	if h.state != Connected || h.client == nil {
		return nil, ErrNotConnected
	}
	return h.client, nil
}

func (h *Handle) claimSubscription(s *Subscription) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	if h.sub != nil {
		return ErrSubscriptionActive
	}
	h.sub = s
	return nil
}

func (h *Handle) releaseSubscription(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sub == s {
		h.sub = nil
	}
}

// publish performs a non-blocking send on the events channel. Caller holds h.mu.
func (h *Handle) publish(kind EventKind, err error) {
	if h.closed {
		return
	}
	ev := LifecycleEvent{Kind: kind, Err: err, State: h.state, At: time.Now()}
	select {
	case h.events <- ev:
	default:
		h.log.Debug("lifecycle.event_dropped", slog.String("kind", kind.String()))
	}
}

var errNoReason = errors.New("no reason given")
