package rpc

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBootstrapReleased is returned when building a client on a bootstrap
// whose last reference was released.
var ErrBootstrapReleased = errors.New("rpc: bootstrap released")

// BootstrapOptions sizes the process-wide transport resources.
type BootstrapOptions struct {
	// Workers is the number of event loop goroutines.
	Workers int
	// ResolverCacheSize bounds the host resolver cache.
	ResolverCacheSize int
	// ResolverTTL is how long a resolved socket path stays cached.
	ResolverTTL time.Duration
}

// DefaultBootstrapOptions returns one worker, 64 resolver entries and a 30s TTL.
func DefaultBootstrapOptions() BootstrapOptions {
	return BootstrapOptions{
		Workers:           1,
		ResolverCacheSize: 64,
		ResolverTTL:       30 * time.Second,
	}
}

func (o BootstrapOptions) withDefaults() BootstrapOptions {
	d := DefaultBootstrapOptions()
	if o.Workers == 0 {
		o.Workers = d.Workers
	}
	if o.ResolverCacheSize == 0 {
		o.ResolverCacheSize = d.ResolverCacheSize
	}
	if o.ResolverTTL == 0 {
		o.ResolverTTL = d.ResolverTTL
	}
	return o
}

func (o BootstrapOptions) validate() error {
	if o.Workers < 0 || o.ResolverCacheSize < 0 || o.ResolverTTL < 0 {
		return fmt.Errorf("rpc: invalid bootstrap options %+v", o)
	}
	return nil
}

// Bootstrap bundles the event loop group and host resolver shared by every
// client in the process. It is created lazily by the first AcquireBootstrap
// and torn down when the last holder calls Release.
type Bootstrap struct {
	opts     BootstrapOptions
	group    *EventLoopGroup
	resolver *HostResolver

	refs int // guarded by bootstrapMu
}

var (
	bootstrapMu sync.Mutex
	shared      *Bootstrap
)

// AcquireBootstrap returns the process-wide bootstrap, creating it on first
// use. Options only apply when the bootstrap is created; later callers share
// the existing one. Every successful call must be paired with one Release.
func AcquireBootstrap(opts BootstrapOptions) (*Bootstrap, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	bootstrapMu.Lock()
	defer bootstrapMu.Unlock()

	if shared != nil {
		shared.refs++
		return shared, nil
	}

	b := &Bootstrap{
		opts:     opts,
		group:    NewEventLoopGroup(opts.Workers),
		resolver: NewHostResolver(opts.ResolverCacheSize, opts.ResolverTTL),
		refs:     1,
	}
	shared = b
	return b, nil
}

// Release drops one reference. The last release stops the event loops and
// purges the resolver cache. Extra calls are ignored.
func (b *Bootstrap) Release() {
	bootstrapMu.Lock()
	defer bootstrapMu.Unlock()

	if b.refs == 0 {
		return
	}
	b.refs--
	if b.refs > 0 {
		return
	}
	if shared == b {
		shared = nil
	}
	b.group.Close()
	b.resolver.Purge()
}

// Refs reports the current reference count.
func (b *Bootstrap) Refs() int {
	bootstrapMu.Lock()
	defer bootstrapMu.Unlock()
	return b.refs
}

func (b *Bootstrap) Options() BootstrapOptions { return b.opts }

func (b *Bootstrap) nextLoop() (*EventLoop, error) {
	bootstrapMu.Lock()
	defer bootstrapMu.Unlock()
	if b.refs == 0 {
		return nil, ErrBootstrapReleased
	}
	return b.group.Next(), nil
}
