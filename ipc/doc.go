// Package ipc turns the callback-driven native IPC client into blocking calls
// with bounded waits.
//
// A Handle owns one connection and its state (Disconnected, Connecting,
// Connected, Failed). A single bridge object is installed as the lifecycle
// handler for every connection attempt; it settles the pending connect and
// records later disconnects and errors as a transition to Failed without
// running host code on the native goroutine.
//
// Execute performs one request/response exchange: allocate an operation,
// activate it, await the result under a timeout (DefaultTimeout unless
// overridden) and decode the response. Failures are *OperationError values
// whose Kind tells activation, timeout, application, transport, decode and
// cancellation failures apart.
//
// Subscribe runs the same handshake and then keeps the stream open. Stream
// events are decoded and filtered on the native goroutine and handed to a
// per-subscription dispatcher, which is the only caller of the
// notify.Notifier. The notifier is closed exactly once, when the session ends.
//
//	h := ipc.NewHandle(ipc.NewRPCNative(ipc.RPCConfig{SocketPath: path, AuthToken: token}))
//	defer h.Close()
//	if err := h.Connect(ctx); err != nil {
//		return err
//	}
//	_, err := ipc.Execute[struct{}](ctx, h, model, req)
package ipc
