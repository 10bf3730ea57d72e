package ipc

import (
	"context"
	"time"

	"github.com/ggoodman/nucleus-ipc-go/future"
)

// Native is the transport layer a Handle drives. NewRPCNative returns the
// implementation backed by package rpc; tests substitute ipctest.Native.
type Native interface {
	// NewBootstrap acquires the event loop and resolver resources.
	NewBootstrap(opts BootstrapOptions) (Bootstrap, error)
	// NewClient builds a client bound to b.
	NewClient(b Bootstrap) (NativeClient, error)
}

// Bootstrap is a held reference to native transport resources.
type Bootstrap interface {
	Release()
}

// BootstrapOptions sizes the native transport resources.
type BootstrapOptions struct {
	Workers           int
	ResolverCacheSize int
	ResolverTTL       time.Duration
}

// DefaultBootstrapOptions is one worker, 64 resolver entries, 30s TTL.
func DefaultBootstrapOptions() BootstrapOptions {
	return BootstrapOptions{Workers: 1, ResolverCacheSize: 64, ResolverTTL: 30 * time.Second}
}

// NativeClient is one native connection.
type NativeClient interface {
	// Connect starts the handshake. The future rejects with an error whose
	// text is the native status description; on success h.OnConnect has been
	// called.
	Connect(ctx context.Context, h LifecycleHandler) *future.Future[struct{}]
	NewOperation(model OperationModel) (NativeOperation, error)
	// Connected reports whether the native connection is up. It may turn
	// false before OnDisconnect is delivered.
	Connected() bool
	Close() error
}

// NativeOperation is one native request stream.
type NativeOperation interface {
	// Activate submits the request. The future resolves once the native
	// layer accepted it. h may be nil for plain requests.
	Activate(payload []byte, h StreamHandler) *future.Future[struct{}]
	// Result settles with the first response payload. Modeled service
	// errors reject with *ApplicationError.
	Result() *future.Future[[]byte]
	// StreamID identifies the stream on the connection once activated; zero
	// before that.
	StreamID() int32
	Close() error
}

// LifecycleHandler receives connection callbacks on the native callback
// goroutine.
type LifecycleHandler interface {
	OnConnect()
	OnDisconnect(err error)
	OnError(err error) bool
}

// StreamHandler receives stream callbacks on the native callback goroutine.
type StreamHandler interface {
	OnStreamEvent(payload []byte)
	OnStreamError(err error) bool
	OnStreamClosed()
}

// OperationModel names a service operation.
type OperationModel struct {
	Name        string
	RequestType string
}

// ApplicationError is the native representation of a modeled service error.
// Message may be empty.
type ApplicationError struct {
	Code    string
	Message string
}

func (e *ApplicationError) Error() string {
	if e.Message == "" {
		return "application error " + e.Code
	}
	return "application error " + e.Code + ": " + e.Message
}
