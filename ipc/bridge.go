package ipc

import "log/slog"

// bridge is the single lifecycle handler installed for a handle. Native
// callbacks only take the handle lock, update state, settle the pending
// connect future and publish without blocking; no host code runs on the
// native goroutine.
//
// Each native client receives the bridge through forClient, so a callback
// from a client the handle has already replaced is ignored.
type bridge struct {
	h *Handle
}

func (b *bridge) forClient(c NativeClient) LifecycleHandler {
	return clientLifecycle{b: b, c: c}
}

type clientLifecycle struct {
	b *bridge
	c NativeClient
}

var _ LifecycleHandler = clientLifecycle{}

func (l clientLifecycle) OnConnect()             { l.b.onConnect(l.c) }
func (l clientLifecycle) OnDisconnect(err error) { l.b.onDisconnect(l.c, err) }
func (l clientLifecycle) OnError(err error) bool { return l.b.onError(l.c, err) }

func (b *bridge) onConnect(c NativeClient) {
	h := b.h
	h.mu.Lock()
	if h.client != c || h.state != Connecting || h.pending == nil {
		// Late callback for an attempt that already timed out or was closed.
		h.mu.Unlock()
		return
	}
	h.state = Connected
	h.failErr = nil
	pending := h.pending
	h.pending = nil
	h.publish(EventConnected, nil)
	h.mu.Unlock()

	pending.Resolve(struct{}{})
}

func (b *bridge) onDisconnect(c NativeClient, err error) {
	h := b.h
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client != c {
		return
	}
	switch h.state {
	case Connecting:
		if h.pending != nil {
			reason := err
			if reason == nil {
				reason = ErrConnectionClosed
			}
			h.pending.Reject(reason)
		}
	case Connected:
		if err == nil {
			err = ErrConnectionClosed
		}
		h.fail(err)
		h.log.Warn("connection.lost", slog.String("err", err.Error()))
	default:
		return
	}
	h.publish(EventDisconnected, err)
}

func (b *bridge) onError(c NativeClient, err error) bool {
	h := b.h
	h.mu.Lock()
	defer h.mu.Unlock()

	if err == nil {
		err = errNoReason
	}
	if h.client != c || h.state != Connected {
		return false
	}
	h.fail(err)
	h.log.Warn("connection.error", slog.String("err", err.Error()))
	h.publish(EventError, err)
	// The handle no longer treats this connection as usable; let the
	// native layer close it.
	return true
}
