package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/nucleus-ipc-go/eventstream"
	"github.com/ggoodman/nucleus-ipc-go/future"
	"github.com/ggoodman/nucleus-ipc-go/rpc"
)

// RPCConfig configures the socket-backed native layer.
type RPCConfig struct {
	SocketPath     string
	AuthToken      string
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

type rpcNative struct {
	cfg RPCConfig
}

// NewRPCNative returns a Native that talks to the nucleus over its unix
// socket using package rpc.
func NewRPCNative(cfg RPCConfig) Native {
	return &rpcNative{cfg: cfg}
}

func (n *rpcNative) NewBootstrap(opts BootstrapOptions) (Bootstrap, error) {
	b, err := rpc.AcquireBootstrap(rpc.BootstrapOptions(opts))
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (n *rpcNative) NewClient(b Bootstrap) (NativeClient, error) {
	rb, ok := b.(*rpc.Bootstrap)
	if !ok {
		return nil, fmt.Errorf("ipc: bootstrap %T was not created by this native layer", b)
	}
	c, err := rpc.NewClient(rb, rpc.ClientOptions{
		SocketPath:     n.cfg.SocketPath,
		AuthToken:      n.cfg.AuthToken,
		ConnectTimeout: n.cfg.ConnectTimeout,
		Logger:         n.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &rpcClient{c: c}, nil
}

type rpcClient struct {
	c *rpc.Client
}

func (c *rpcClient) Connect(ctx context.Context, h LifecycleHandler) *future.Future[struct{}] {
	return c.c.Connect(ctx, h)
}

func (c *rpcClient) NewOperation(model OperationModel) (NativeOperation, error) {
	op := c.c.NewOperation(rpc.OperationModel(model))
	result := future.Then(op.Result(), func(m *eventstream.Message, err error) ([]byte, error) {
		if err != nil {
			return nil, nativeError(err)
		}
		return m.Payload, nil
	})
	return &rpcOperation{op: op, result: result}, nil
}

func (c *rpcClient) Connected() bool { return c.c.Connected() }

func (c *rpcClient) Close() error { return c.c.Close() }

type rpcOperation struct {
	op     *rpc.Operation
	result *future.Future[[]byte]
}

func (o *rpcOperation) Activate(payload []byte, h StreamHandler) *future.Future[struct{}] {
	var sh rpc.StreamHandler
	if h != nil {
		sh = rpcStreamHandler{h: h}
	}
	return o.op.Activate(payload, sh)
}

func (o *rpcOperation) Result() *future.Future[[]byte] { return o.result }

func (o *rpcOperation) StreamID() int32 { return o.op.StreamID() }

func (o *rpcOperation) Close() error { return o.op.Close() }

type rpcStreamHandler struct {
	h StreamHandler
}

func (s rpcStreamHandler) OnStreamEvent(m *eventstream.Message) { s.h.OnStreamEvent(m.Payload) }
func (s rpcStreamHandler) OnStreamError(err error) bool       { return s.h.OnStreamError(nativeError(err)) }
func (s rpcStreamHandler) OnStreamClosed()                    { s.h.OnStreamClosed() }

// nativeError maps rpc application errors onto ApplicationError so callers of
// this package never see rpc types.
func nativeError(err error) error {
	var ae *rpc.ApplicationError
	if errors.As(err, &ae) {
		code := ae.Code
		if code == "" {
			code = ae.ServiceModelType
		}
		return &ApplicationError{Code: code, Message: ae.Message}
	}
	return err
}
