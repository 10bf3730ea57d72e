// Package ipctest provides a scriptable ipc.Native for tests.
//
// Callbacks are delivered on a single event loop goroutine, the same way the
// socket-backed native layer delivers them, so tests exercise the real
// threading model without a socket.
package ipctest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/nucleus-ipc-go/future"
	"github.com/ggoodman/nucleus-ipc-go/ipc"
	"github.com/ggoodman/nucleus-ipc-go/rpc"
)

// Handler scripts one operation. It runs on its own goroutine after
// activation was requested.
type Handler func(op *Operation)

// Native is a fake native layer. Exported fields must be set before the
// first Connect.
type Native struct {
	// BootstrapErr fails NewBootstrap.
	BootstrapErr error
	// ClientErr fails NewClient.
	ClientErr error
	// ConnectErr rejects Connect with this status text.
	ConnectErr string
	// ConnectDelay postpones the connect outcome.
	ConnectDelay time.Duration
	// ConnectNever leaves Connect pending forever.
	ConnectNever bool

	loop *rpc.EventLoop

	mu            sync.Mutex
	bootstraps    int
	releases      int
	clients       int
	bootstrapOpts ipc.BootstrapOptions
	handlers      map[string]Handler
	ops           []*Operation
	opAdded       chan struct{}
	lifecycle     ipc.LifecycleHandler
	current       *client
	connected     bool
	nextStream    int32
}

var _ ipc.Native = (*Native)(nil)

// NewNative returns a fake whose loop is stopped when t ends.
func NewNative(t testing.TB) *Native {
	n := &Native{
		loop:     rpc.NewEventLoop(),
		handlers: make(map[string]Handler),
		opAdded:  make(chan struct{}, 1),
	}
	t.Cleanup(n.loop.Close)
	return n
}

// Handle registers the script for an operation name. Operations without one
// are acknowledged and answered with an empty object.
func (n *Native) Handle(name string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[name] = h
}

// Bootstraps is the number of bootstraps built.
func (n *Native) Bootstraps() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bootstraps
}

// Releases is the number of Bootstrap.Release calls that took effect.
func (n *Native) Releases() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.releases
}

// Clients is the number of clients built.
func (n *Native) Clients() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clients
}

// BootstrapOptions returns the options of the last NewBootstrap call.
func (n *Native) BootstrapOptions() ipc.BootstrapOptions {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bootstrapOpts
}

// Operations returns every operation allocated so far.
func (n *Native) Operations() []*Operation {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Operation(nil), n.ops...)
}

// WaitOperation waits for an operation named name to be activated.
func (n *Native) WaitOperation(t testing.TB, name string, timeout time.Duration) *Operation {
	t.Helper()
	deadline := time.After(timeout)
	for {
		n.mu.Lock()
		for _, op := range n.ops {
			if op.Model.Name == name && op.activated {
				n.mu.Unlock()
				return op
			}
		}
		n.mu.Unlock()
		select {
		case <-n.opAdded:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("operation %s not activated within %s", name, timeout)
			return nil
		}
	}
}

// Disconnect reports an asynchronous connection loss.
func (n *Native) Disconnect(err error) {
	n.mu.Lock()
	h := n.lifecycle
	wasConnected := n.connected
	n.connected = false
	ops := append([]*Operation(nil), n.ops...)
	n.mu.Unlock()
	if h == nil || !wasConnected {
		return
	}
	for _, op := range ops {
		op.endStream(err)
	}
	n.run(func() { h.OnDisconnect(err) })
}

// Sever marks the connection down without telling the handler, the way a
// native layer tears down a socket before its disconnect callback reaches
// the loop. The returned func delivers that late OnDisconnect.
func (n *Native) Sever() (deliver func(err error)) {
	n.mu.Lock()
	h := n.lifecycle
	n.connected = false
	n.mu.Unlock()
	return func(err error) {
		if h != nil {
			n.run(func() { h.OnDisconnect(err) })
		}
	}
}

// RaiseError reports a connection error and returns the handler's decision
// to close the connection.
func (n *Native) RaiseError(err error) bool {
	n.mu.Lock()
	h := n.lifecycle
	n.mu.Unlock()
	if h == nil {
		return false
	}
	res := make(chan bool, 1)
	n.run(func() { res <- h.OnError(err) })
	return <-res
}

// Sync waits until every callback scheduled so far has run.
func (n *Native) Sync() {
	done := make(chan struct{})
	if !n.loop.Schedule(func() { close(done) }) {
		return
	}
	<-done
}

func (n *Native) run(fn func()) {
	if !n.loop.Schedule(fn) {
		fn()
	}
}

func (n *Native) NewBootstrap(opts ipc.BootstrapOptions) (ipc.Bootstrap, error) {
	if n.BootstrapErr != nil {
		return nil, n.BootstrapErr
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bootstraps++
	n.bootstrapOpts = opts
	return &bootstrap{n: n}, nil
}

func (n *Native) NewClient(b ipc.Bootstrap) (ipc.NativeClient, error) {
	if n.ClientErr != nil {
		return nil, n.ClientErr
	}
	if _, ok := b.(*bootstrap); !ok {
		return nil, errors.New("ipctest: foreign bootstrap")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clients++
	return &client{n: n}, nil
}

type bootstrap struct {
	n    *Native
	once sync.Once
}

func (b *bootstrap) Release() {
	b.once.Do(func() {
		b.n.mu.Lock()
		b.n.releases++
		b.n.mu.Unlock()
	})
}

type client struct {
	n *Native
}

func (c *client) Connect(ctx context.Context, h ipc.LifecycleHandler) *future.Future[struct{}] {
	n := c.n
	f := future.New[struct{}]()
	n.mu.Lock()
	n.lifecycle = h
	n.current = c
	n.mu.Unlock()
	if n.ConnectNever {
		return f
	}
	go func() {
		if n.ConnectDelay > 0 {
			select {
			case <-time.After(n.ConnectDelay):
			case <-ctx.Done():
				n.run(func() {
					h.OnDisconnect(ctx.Err())
					f.Reject(ctx.Err())
				})
				return
			}
		}
		n.run(func() {
			if n.ConnectErr != "" {
				err := errors.New(n.ConnectErr)
				h.OnDisconnect(err)
				f.Reject(err)
				return
			}
			n.mu.Lock()
			n.connected = true
			n.mu.Unlock()
			h.OnConnect()
			f.Resolve(struct{}{})
		})
	}()
	return f
}

func (c *client) NewOperation(model ipc.OperationModel) (ipc.NativeOperation, error) {
	n := c.n
	op := &Operation{
		Model:  model,
		n:      n,
		act:    future.New[struct{}](),
		result: future.New[[]byte](),
		closed: make(chan struct{}),
	}
	n.mu.Lock()
	n.ops = append(n.ops, op)
	n.mu.Unlock()
	return op, nil
}

func (c *client) Connected() bool {
	c.n.mu.Lock()
	defer c.n.mu.Unlock()
	return c.n.connected && c.n.current == c
}

func (c *client) Close() error {
	c.n.mu.Lock()
	if c.n.current == c {
		c.n.connected = false
	}
	c.n.mu.Unlock()
	return nil
}

// Operation is one fake native operation.
type Operation struct {
	Model ipc.OperationModel
	// Payload is the activation payload.
	Payload []byte

	n      *Native
	act    *future.Future[struct{}]
	result *future.Future[[]byte]
	stream ipc.StreamHandler
	closed chan struct{}

	activated   bool
	streamID    int32
	closeOnce   sync.Once
	closedCalls int
}

var _ ipc.NativeOperation = (*Operation)(nil)

func (o *Operation) Activate(payload []byte, h ipc.StreamHandler) *future.Future[struct{}] {
	n := o.n
	n.mu.Lock()
	o.Payload = append([]byte(nil), payload...)
	o.stream = h
	o.activated = true
	n.nextStream++
	o.streamID = n.nextStream
	script := n.handlers[o.Model.Name]
	n.mu.Unlock()

	select {
	case n.opAdded <- struct{}{}:
	default:
	}

	if script == nil {
		script = func(op *Operation) {
			op.Ack()
			op.Respond(struct{}{})
		}
	}
	go script(o)
	return o.act
}

func (o *Operation) Result() *future.Future[[]byte] { return o.result }

// StreamID is assigned on activation, starting at 1 per Native.
func (o *Operation) StreamID() int32 {
	o.n.mu.Lock()
	defer o.n.mu.Unlock()
	return o.streamID
}

// Close is the caller closing the operation. The stream handler sees
// OnStreamClosed once.
func (o *Operation) Close() error {
	o.n.mu.Lock()
	o.closedCalls++
	o.n.mu.Unlock()
	o.CloseStream()
	return nil
}

// CloseCalls is the number of Close calls made by the code under test.
func (o *Operation) CloseCalls() int {
	o.n.mu.Lock()
	defer o.n.mu.Unlock()
	return o.closedCalls
}

// Decode unmarshals the activation payload into v.
func (o *Operation) Decode(v any) error {
	o.n.mu.Lock()
	p := o.Payload
	o.n.mu.Unlock()
	return json.Unmarshal(p, v)
}

// Ack resolves activation.
func (o *Operation) Ack() {
	o.n.run(func() { o.act.Resolve(struct{}{}) })
}

// FailActivation rejects activation.
func (o *Operation) FailActivation(err error) {
	o.n.run(func() { o.act.Reject(err) })
}

// Respond settles the result with v encoded as JSON. A []byte is sent as is.
func (o *Operation) Respond(v any) {
	payload, ok := v.([]byte)
	if !ok {
		payload, _ = json.Marshal(v)
	}
	o.n.run(func() { o.result.Resolve(payload) })
}

// Fail rejects the result with err.
func (o *Operation) Fail(err error) {
	o.n.run(func() { o.result.Reject(err) })
}

// Event delivers a stream event with v encoded as JSON.
func (o *Operation) Event(v any) {
	payload, ok := v.([]byte)
	if !ok {
		payload, _ = json.Marshal(v)
	}
	o.n.run(func() {
		if o.stream != nil && !o.isClosed() {
			o.stream.OnStreamEvent(payload)
		}
	})
}

// Inject delivers a stream event even after the stream has ended, the way a
// misbehaving native layer might.
func (o *Operation) Inject(v any) {
	payload, ok := v.([]byte)
	if !ok {
		payload, _ = json.Marshal(v)
	}
	o.n.run(func() {
		if o.stream != nil {
			o.stream.OnStreamEvent(payload)
		}
	})
}

// StreamError delivers a stream error and returns the handler's decision. A
// true decision closes the stream.
func (o *Operation) StreamError(err error) bool {
	res := make(chan bool, 1)
	o.n.run(func() {
		if o.stream == nil || o.isClosed() {
			res <- false
			return
		}
		res <- o.stream.OnStreamError(err)
	})
	closeIt := <-res
	if closeIt {
		o.CloseStream()
	}
	return closeIt
}

// CloseStream ends the stream from the native side. Pending futures reject.
func (o *Operation) CloseStream() { o.endStream(nil) }

// endStream ends the stream once. A non-nil err is reported to the stream
// handler before OnStreamClosed, as on a connection loss.
func (o *Operation) endStream(err error) {
	o.closeOnce.Do(func() {
		o.n.run(func() {
			close(o.closed)
			o.act.Reject(errStreamClosed)
			o.result.Reject(errStreamClosed)
			if o.stream == nil {
				return
			}
			if err != nil {
				o.stream.OnStreamError(err)
			}
			o.stream.OnStreamClosed()
		})
	})
}

// Closed is closed once the stream has ended.
func (o *Operation) Closed() <-chan struct{} { return o.closed }

// Sync waits for every callback scheduled so far.
func (o *Operation) Sync() { o.n.Sync() }

func (o *Operation) isClosed() bool {
	select {
	case <-o.closed:
		return true
	default:
		return false
	}
}

var errStreamClosed = errors.New("AWS_ERROR_EVENT_STREAM_RPC_STREAM_CLOSED")
