package rpc

import "github.com/ggoodman/nucleus-ipc-go/eventstream"

// LifecycleHandler observes a client connection. All methods run on the
// client's event loop.
type LifecycleHandler interface {
	// OnConnect runs once the server accepted the connection, before the
	// future returned by Connect resolves.
	OnConnect()
	// OnDisconnect runs after an established connection ends. err is nil
	// when the client was closed locally.
	OnDisconnect(err error)
	// OnError reports a connection-level error message from the server.
	// Returning true closes the connection.
	OnError(err error) bool
}

// StreamHandler observes messages after the first response on an operation
// stream. All methods run on the client's event loop.
type StreamHandler interface {
	OnStreamEvent(msg *eventstream.Message)
	// OnStreamError reports an error message on the stream. Returning true
	// closes the stream.
	OnStreamError(err error) bool
	// OnStreamClosed runs exactly once per activated stream.
	OnStreamClosed()
}

// OperationModel names an operation and the shape of its request.
type OperationModel struct {
	// Name is sent in the "operation" header, e.g. "aws.greengrass#UpdateState".
	Name string
	// RequestType is sent in the "service-model-type" header.
	RequestType string
}
