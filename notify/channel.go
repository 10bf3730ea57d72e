package notify

import (
	"context"
	"sync"
)

// Channel is a coalescing Notifier: it records the latest event and signals
// each subscriber through a buffered channel of capacity 1. A subscriber that
// falls behind sees one signal for any number of events and reads the newest
// one from Latest. Closing the notifier closes every subscriber channel.
type Channel struct {
	mu          sync.RWMutex
	subscribers []chan struct{}
	latest      Event
	hasLatest   bool
	count       uint64
	closed      bool
}

func NewChannel() *Channel { return &Channel{} }

var _ Notifier = (*Channel)(nil)

// Notify records ev and signals subscribers without blocking.
func (c *Channel) Notify(ctx context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.latest = ev
	c.hasLatest = true
	c.count++

	// Non-blocking fan-out; a backed-up subscriber already has a pending signal.
	for _, ch := range c.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, ch := range c.subscribers {
		close(ch)
	}
	c.subscribers = nil
	return nil
}

// Subscriber returns a channel that receives a signal after Notify. The
// channel is closed when the notifier is closed.
func (c *Channel) Subscriber() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch := make(chan struct{}, 1)
	c.subscribers = append(c.subscribers, ch)
	return ch
}

// Latest returns the most recent event, if any.
func (c *Channel) Latest() (Event, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest, c.hasLatest
}

// Count is the number of events accepted by Notify.
func (c *Channel) Count() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}
