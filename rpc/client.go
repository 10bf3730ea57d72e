package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ggoodman/nucleus-ipc-go/eventstream"
	"github.com/ggoodman/nucleus-ipc-go/future"
)

// DefaultConnectTimeout bounds the handshake when the Connect context carries
// no deadline.
const DefaultConnectTimeout = 10 * time.Second

// ClientOptions configures a Client.
type ClientOptions struct {
	SocketPath string
	AuthToken  string
	// ConnectTimeout bounds dial + handshake when the Connect context has no
	// deadline. Defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration
	// Logger receives transport diagnostics. If nil, logging is discarded.
	Logger *slog.Logger
}

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateConnected
	stateClosed
)

type connectPayload struct {
	AuthToken string `json:"authToken"`
}

// Client is one connection to the nucleus IPC socket. A Client may be
// reconnected after its connection drops; once closed it is unusable.
type Client struct {
	bootstrap *Bootstrap
	loop      *EventLoop
	opts      ClientOptions
	log       *slog.Logger

	mu         sync.Mutex
	state      connState
	conn       net.Conn
	gen        uint64
	handler    LifecycleHandler
	streams    map[int32]*Operation
	nextStream int32

	wmu sync.Mutex
}

// NewClient binds a client to one of the bootstrap's event loops.
func NewClient(b *Bootstrap, opts ClientOptions) (*Client, error) {
	if b == nil {
		return nil, errors.New("rpc: nil bootstrap")
	}
	if opts.SocketPath == "" {
		return nil, errors.New("rpc: socket path is required")
	}
	loop, err := b.nextLoop()
	if err != nil {
		return nil, err
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Client{
		bootstrap: b,
		loop:      loop,
		opts:      opts,
		log:       log.With(slog.String("socket", opts.SocketPath)),
		streams:   make(map[int32]*Operation),
	}, nil
}

// Connect dials the socket and performs the connect handshake. The returned
// future resolves after h.OnConnect has run on the event loop, or rejects with
// a *StatusError.
func (c *Client) Connect(ctx context.Context, h LifecycleHandler) *future.Future[struct{}] {
	c.mu.Lock()
	switch c.state {
	case stateConnecting, stateConnected:
		c.mu.Unlock()
		return future.Failed[struct{}](ErrAlreadyConnected)
	case stateClosed:
		c.mu.Unlock()
		return future.Failed[struct{}](ErrClientClosed)
	}
	c.state = stateConnecting
	c.handler = h
	c.mu.Unlock()

	f := future.New[struct{}]()
	go c.connect(ctx, f)
	return f
}

func (c *Client) connect(ctx context.Context, f *future.Future[struct{}]) {
	start := time.Now()
	conn, err := c.handshake(ctx)
	if err != nil {
		c.mu.Lock()
		if c.state == stateConnecting {
			c.state = stateIdle
		}
		c.mu.Unlock()
		c.log.InfoContext(ctx, "connect.fail", slog.String("err", err.Error()), slog.Duration("duration", time.Since(start)))
		f.Reject(err)
		return
	}

	c.mu.Lock()
	if c.state != stateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		f.Reject(ErrClientClosed)
		return
	}
	c.state = stateConnected
	c.conn = conn
	c.gen++
	gen := c.gen
	h := c.handler
	c.mu.Unlock()

	c.log.InfoContext(ctx, "connect.ok", slog.Duration("duration", time.Since(start)))
	go c.readLoop(conn, gen)

	c.run(func() {
		if h != nil {
			h.OnConnect()
		}
		f.Resolve(struct{}{})
	})
}

func (c *Client) handshake(ctx context.Context) (net.Conn, error) {
	path, err := c.bootstrap.resolver.Resolve(c.opts.SocketPath)
	if err != nil {
		code := CodeSocketNotFound
		if !errors.Is(err, os.ErrNotExist) {
			code = CodeConnectionRefused
		}
		return nil, &StatusError{Code: code, Err: err}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		// A stale cache entry may point at a socket that has been replaced.
		c.bootstrap.resolver.Forget(c.opts.SocketPath)
		return nil, &StatusError{Code: CodeConnectionRefused, Err: err}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	payload, err := json.Marshal(connectPayload{AuthToken: c.opts.AuthToken})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	msg := eventstream.NewMessage(eventstream.MessageConnect, 0, 0, payload)
	msg.Headers.Set(eventstream.HeaderVersion, eventstream.StringValue(eventstream.ProtocolVersion))
	msg.Headers.Set(eventstream.HeaderContentType, eventstream.StringValue(eventstream.ContentTypeJSON))
	if err := eventstream.WriteMessage(conn, msg); err != nil {
		_ = conn.Close()
		return nil, c.ioError(ctx, err)
	}

	ack, err := eventstream.ReadMessage(conn)
	if err != nil {
		_ = conn.Close()
		return nil, c.ioError(ctx, err)
	}
	typ, err := ack.Type()
	if err != nil {
		_ = conn.Close()
		return nil, &StatusError{Code: CodeProtocolError, Err: err}
	}
	if typ != eventstream.MessageConnectAck {
		_ = conn.Close()
		return nil, &StatusError{Code: CodeProtocolError, Err: fmt.Errorf("expected connect_ack, got %s", typ)}
	}
	flags, _ := ack.Flags()
	if !flags.Has(eventstream.FlagConnectionAccepted) {
		_ = conn.Close()
		return nil, &StatusError{Code: CodeAccessDenied, Err: ErrConnectionRefused}
	}

	if !stop() {
		// ctx fired after the ack arrived; the deadline it set must not leak
		// into the read loop.
		_ = conn.SetDeadline(time.Time{})
	}
	return conn, nil
}

func (c *Client) ioError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &StatusError{Code: CodeSocketTimeout, Err: ctx.Err()}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &StatusError{Code: CodeSocketTimeout, Err: err}
	}
	return &StatusError{Code: CodeConnectionClosed, Err: err}
}

func (c *Client) readLoop(conn net.Conn, gen uint64) {
	for {
		msg, err := eventstream.ReadMessage(conn)
		if err != nil {
			c.teardown(gen, &StatusError{Code: CodeConnectionClosed, Err: err})
			return
		}
		if err := msg.Validate(); err != nil {
			c.teardown(gen, &StatusError{Code: CodeProtocolError, Err: err})
			return
		}
		typ, _ := msg.Type()
		sid, _ := msg.StreamID()

		switch typ {
		case eventstream.MessagePing:
			pong := eventstream.NewMessage(eventstream.MessagePong, 0, 0, msg.Payload)
			if err := c.write(gen, pong); err != nil {
				c.log.Debug("ping.pong_failed", slog.String("err", err.Error()))
			}
			continue
		case eventstream.MessagePong:
			continue
		case eventstream.MessageProtocolError, eventstream.MessageInternalError:
			if sid == 0 {
				c.connectionError(gen, messageError(typ, msg))
				continue
			}
		}

		c.mu.Lock()
		op := c.streams[sid]
		c.mu.Unlock()
		if op == nil {
			c.log.Debug("stream.unknown", slog.Int("stream_id", int(sid)), slog.String("type", typ.String()))
			continue
		}
		op.deliver(msg, typ)
	}
}

func (c *Client) connectionError(gen uint64, err error) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	c.run(func() {
		if h != nil && h.OnError(err) {
			c.teardown(gen, err)
		}
	})
}

// teardown ends connection generation gen. Pending operations fail with err
// and the lifecycle handler sees OnDisconnect(err).
func (c *Client) teardown(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state != stateConnected {
		c.mu.Unlock()
		return
	}
	c.state = stateIdle
	conn := c.conn
	c.conn = nil
	streams := c.streams
	c.streams = make(map[int32]*Operation)
	h := c.handler
	c.mu.Unlock()

	_ = conn.Close()
	c.log.Warn("connection.lost", slog.String("err", err.Error()), slog.Int("streams", len(streams)))
	for _, op := range streams {
		op.finish(err)
	}
	c.run(func() {
		if h != nil {
			h.OnDisconnect(err)
		}
	})
}

// Connected reports whether the client holds a live connection. It turns
// false as soon as the connection is torn down, before the handler's
// OnDisconnect runs.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// Close closes the connection and fails outstanding operations. A connected
// client's handler sees OnDisconnect(nil).
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	wasConnected := c.state == stateConnected
	c.state = stateClosed
	c.gen++
	conn := c.conn
	c.conn = nil
	streams := c.streams
	c.streams = make(map[int32]*Operation)
	h := c.handler
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	for _, op := range streams {
		op.finish(ErrClientClosed)
	}
	if wasConnected {
		c.run(func() {
			if h != nil {
				h.OnDisconnect(nil)
			}
		})
	}
	return err
}

// NewOperation allocates an operation. No I/O happens until Activate.
func (c *Client) NewOperation(model OperationModel) *Operation {
	return &Operation{c: c, model: model, result: future.New[*eventstream.Message]()}
}

func (c *Client) register(op *Operation) (int32, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConnected {
		return 0, 0, ErrNotConnected
	}
	c.nextStream++
	sid := c.nextStream
	c.streams[sid] = op
	return sid, c.gen, nil
}

func (c *Client) unregister(sid int32, op *Operation) {
	c.mu.Lock()
	if c.streams[sid] == op {
		delete(c.streams, sid)
	}
	c.mu.Unlock()
}

func (c *Client) write(gen uint64, m *eventstream.Message) error {
	c.mu.Lock()
	conn := c.conn
	live := c.gen == gen && c.state == stateConnected
	c.mu.Unlock()
	if !live || conn == nil {
		return ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := eventstream.WriteMessage(conn, m); err != nil {
		return &StatusError{Code: CodeConnectionClosed, Err: err}
	}
	return nil
}

// run executes fn on the event loop, or inline once the loop has shut down.
func (c *Client) run(fn func()) {
	if !c.loop.Schedule(fn) {
		fn()
	}
}
