// Package greengrass is the component-facing API over package ipc: connect to
// the nucleus, defer component updates, subscribe to update events and report
// lifecycle state.
//
//	c, err := greengrass.NewClientFromEnv()
//	if err != nil { ... }
//	defer c.Close()
//	if err := c.Connect(ctx); err != nil { ... }
//	sub, err := c.SubscribeToComponentUpdates(ctx, notifier)
//	...
//	// once notifier has seen a pre-update event:
//	err = c.DeferComponentUpdate(ctx, 30000)
//
// DeferComponentUpdate needs a deployment id. Without WithDeploymentID it
// uses the latest pre-update event seen by a subscription, and returns
// ErrNoDeployment if there has been none, for example right after Connect.
package greengrass

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/nucleus-ipc-go/internal/logctx"
	"github.com/ggoodman/nucleus-ipc-go/ipc"
	"github.com/ggoodman/nucleus-ipc-go/notify"
	"github.com/ggoodman/nucleus-ipc-go/rpc"
	"github.com/google/uuid"
)

// ErrNoDeployment is returned by DeferComponentUpdate when no deployment id
// was given and no pre-update event has been seen.
var ErrNoDeployment = errors.New("greengrass: no pending deployment to defer")

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger. If nil, logging is discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithNative replaces the socket-backed native layer, typically with
// ipctest.Native.
func WithNative(n ipc.Native) Option {
	return func(c *Client) { c.native = n }
}

// Client talks to the nucleus on behalf of one component.
type Client struct {
	cfg    Config
	logger *slog.Logger
	log    *slog.Logger
	native ipc.Native
	h      *ipc.Handle

	mu             sync.Mutex
	lastDeployment string
}

// NewClient validates cfg and returns an unconnected client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg}
	for _, o := range opts {
		o(c)
	}
	c.log = logctx.New(c.logger)
	if c.native == nil {
		c.native = ipc.NewRPCNative(ipc.RPCConfig{
			SocketPath:     cfg.SocketPath,
			AuthToken:      cfg.AuthToken,
			ConnectTimeout: cfg.ConnectTimeout,
			Logger:         c.log,
		})
	}
	c.h = ipc.NewHandle(c.native,
		ipc.WithLogger(c.log),
		ipc.WithConnectTimeout(cfg.ConnectTimeout),
	)
	return c, nil
}

// NewClientFromEnv builds a client from the variables the nucleus sets for a
// component.
func NewClientFromEnv(opts ...Option) (*Client, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return NewClient(cfg, opts...)
}

// Handle exposes the underlying connection handle.
func (c *Client) Handle() *ipc.Handle { return c.h }

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

func (c *Client) context(ctx context.Context) context.Context {
	return logctx.WithConnData(ctx, &logctx.ConnData{SocketPath: c.cfg.SocketPath, State: c.h.State().String()})
}

// Connect connects to the nucleus. With SocketWait set it first waits for the
// socket file to exist.
func (c *Client) Connect(ctx context.Context) error {
	ctx = c.context(ctx)
	if c.cfg.SocketWait > 0 {
		wctx, cancel := context.WithTimeout(ctx, c.cfg.SocketWait)
		err := rpc.WaitForSocket(wctx, c.cfg.SocketPath)
		cancel()
		if err != nil {
			return fmt.Errorf("greengrass: waiting for %s: %w", c.cfg.SocketPath, err)
		}
	}
	return c.h.Connect(ctx)
}

// Close disconnects and releases native resources.
func (c *Client) Close() error { return c.h.Close() }

// LastDeployment is the deployment id of the most recent pre-update event.
func (c *Client) LastDeployment() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDeployment
}

func (c *Client) observe(ev notify.Event) {
	if ev.Kind != PreUpdateEvent || ev.ID == "" {
		return
	}
	c.mu.Lock()
	c.lastDeployment = ev.ID
	c.mu.Unlock()
}

// DeferOption configures DeferComponentUpdate.
type DeferOption func(*DeferComponentUpdateRequest)

// WithDeploymentID defers a specific deployment instead of the most recent
// one seen on the subscription.
func WithDeploymentID(id string) DeferOption {
	return func(r *DeferComponentUpdateRequest) { r.DeploymentID = id }
}

// WithMessage attaches a reason to the deferral.
func WithMessage(msg string) DeferOption {
	return func(r *DeferComponentUpdateRequest) { r.Message = msg }
}

// DeferComponentUpdate asks the nucleus to recheck the pending update after
// recheckAfterMs milliseconds. 0 lets the update proceed.
func (c *Client) DeferComponentUpdate(ctx context.Context, recheckAfterMs uint64, opts ...DeferOption) error {
	req := DeferComponentUpdateRequest{RecheckAfterMs: recheckAfterMs}
	for _, o := range opts {
		o(&req)
	}
	if req.DeploymentID == "" {
		req.DeploymentID = c.LastDeployment()
	}
	if req.DeploymentID == "" {
		return ErrNoDeployment
	}
	if _, err := uuid.Parse(req.DeploymentID); err != nil {
		return fmt.Errorf("greengrass: invalid deployment id %q: %w", req.DeploymentID, err)
	}

	_, err := ipc.Execute[DeferComponentUpdateResponse](c.context(ctx), c.h, DeferComponentUpdateModel, req, ipc.WithTimeout(c.cfg.RequestTimeout))
	if err != nil {
		return err
	}
	c.log.InfoContext(ctx, "update.deferred",
		slog.String("deployment_id", req.DeploymentID),
		slog.Uint64("recheck_after_ms", recheckAfterMs),
	)
	return nil
}

// UpdateState reports the component's lifecycle state.
func (c *Client) UpdateState(ctx context.Context, state LifecycleState) error {
	if _, err := ParseLifecycleState(string(state)); err != nil {
		return err
	}
	_, err := ipc.Execute[UpdateStateResponse](c.context(ctx), c.h, UpdateStateModel, UpdateStateRequest{State: state}, ipc.WithTimeout(c.cfg.RequestTimeout))
	return err
}

// SubscribeOption configures SubscribeToComponentUpdates.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	postUpdate   bool
	closeOnError bool
}

// WithPostUpdateEvents also notifies on post-update events.
func WithPostUpdateEvents() SubscribeOption {
	return func(c *subscribeConfig) { c.postUpdate = true }
}

// WithCloseOnStreamError ends the subscription on the first stream error
// instead of logging and continuing.
func WithCloseOnStreamError() SubscribeOption {
	return func(c *subscribeConfig) { c.closeOnError = true }
}

// SubscribeToComponentUpdates notifies n of pending component updates. n is
// owned by the subscription from here on.
func (c *Client) SubscribeToComponentUpdates(ctx context.Context, n notify.Notifier, opts ...SubscribeOption) (*ipc.Subscription, error) {
	var cfg subscribeConfig
	for _, o := range opts {
		o(&cfg)
	}

	subOpts := []ipc.SubscribeOption{
		ipc.WithHandshakeTimeout(c.cfg.RequestTimeout),
		ipc.WithDecoder(func(p []byte) (notify.Event, error) {
			ev, err := DecodeComponentUpdate(p)
			if err == nil {
				c.observe(ev)
			}
			return ev, err
		}),
	}
	if cfg.postUpdate {
		subOpts = append(subOpts, ipc.WithFilter(func(ev notify.Event) bool {
			return ev.Kind == PreUpdateEvent || ev.Kind == PostUpdateEvent
		}))
	}
	if cfg.closeOnError {
		subOpts = append(subOpts, ipc.WithErrorPolicy(ipc.CloseOnError))
	}

	return ipc.Subscribe(c.context(ctx), c.h, SubscribeToComponentUpdatesModel, SubscribeToComponentUpdatesRequest{}, n, subOpts...)
}
