// Package redisnotify relays subscription events into a Redis stream so that
// processes other than the component itself (dashboards, fleet agents) can
// observe pending updates.
//
// Each event becomes one XADD entry with fields kind, id, data and
// received_at. The stream is trimmed with an approximate MAXLEN.
//
//	n, err := redisnotify.NewFromEnv()
//	if err != nil { ... }
//	sub, err := client.SubscribeToComponentUpdates(ctx, n)
package redisnotify

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ggoodman/nucleus-ipc-go/notify"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis notifier. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Stream is the stream key. ENV: GGIPC_REDIS_STREAM
	Stream string `env:"GGIPC_REDIS_STREAM,default=ggipc:component-updates"`
	// MaxLen caps the stream length (approximate). ENV: GGIPC_REDIS_MAXLEN
	MaxLen int64 `env:"GGIPC_REDIS_MAXLEN,default=1000"`
}

const (
	defaultAddr   = "localhost:6379"
	defaultStream = "ggipc:component-updates"
	defaultMaxLen = 1000
)

// Notifier publishes events with XADD.
type Notifier struct {
	client *redis.Client
	stream string
	maxLen int64
	closed atomic.Bool
}

var _ notify.Notifier = (*Notifier)(nil)

func New(cfg Config) (*Notifier, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = defaultAddr
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	stream := cfg.Stream
	if stream == "" {
		stream = defaultStream
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &Notifier{client: cl, stream: stream, maxLen: maxLen}, nil
}

// NewFromEnv builds a Notifier using envdecode to populate Config.
func NewFromEnv() (*Notifier, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Stream returns the stream key events are appended to.
func (n *Notifier) Stream() string { return n.stream }

// Notify appends ev to the stream.
func (n *Notifier) Notify(ctx context.Context, ev notify.Event) error {
	if n.closed.Load() {
		return notify.ErrClosed
	}
	err := n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: map[string]any{
			"kind":        ev.Kind,
			"id":          ev.ID,
			"data":        string(ev.Data),
			"received_at": ev.ReceivedAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis xadd: %w", err)
	}
	return nil
}

// Close closes the Redis client. Extra calls are no-ops.
func (n *Notifier) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	return n.client.Close()
}
