// Package rpc is the native IPC client for the nucleus domain socket. It owns
// the transport: a process-wide Bootstrap (event loop group and a caching host
// resolver), a Client per connection, and an Operation per request stream.
//
// The package is callback driven. LifecycleHandler and StreamHandler methods
// are always invoked on the client's event loop goroutine, one at a time and
// in arrival order. Handlers must return quickly: a handler that blocks stalls
// every callback for every client sharing the loop. Blocking work belongs on
// the caller's side of a future or channel (see package ipc).
//
// Lifecycle
//
//	b, _ := rpc.AcquireBootstrap(rpc.DefaultBootstrapOptions())
//	defer b.Release()
//	c, _ := rpc.NewClient(b, rpc.ClientOptions{SocketPath: path, AuthToken: token})
//	_, err := c.Connect(ctx, handler).Await(ctx)
//	op := c.NewOperation(rpc.OperationModel{Name: "aws.greengrass#UpdateState", RequestType: "aws.greengrass#UpdateStateRequest"})
//	_, err = op.Activate(payload, nil).Await(ctx)
//	resp, err := op.Result().Await(ctx)
//
// The first message on an operation's stream settles Result. Later messages
// are routed to the StreamHandler passed to Activate. A message carrying the
// terminate-stream flag, a call to Operation.Close, or connection loss ends
// the stream with exactly one OnStreamClosed.
package rpc
