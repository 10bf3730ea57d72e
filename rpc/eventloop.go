package rpc

import (
	"sync"
	"sync/atomic"
)

// EventLoop runs scheduled callbacks on a single goroutine in FIFO order.
// Schedule never blocks; the queue is unbounded.
type EventLoop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

func NewEventLoop() *EventLoop {
	l := &EventLoop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Schedule enqueues fn. It returns false once the loop is closed.
func (l *EventLoop) Schedule(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting work. Callbacks already queued still run. Close does
// not wait; use Done for that. Safe to call from a callback.
func (l *EventLoop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed after the loop goroutine exits.
func (l *EventLoop) Done() <-chan struct{} { return l.done }

func (l *EventLoop) run() {
	defer close(l.done)
	for range l.wake {
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				closed := l.closed
				l.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			fn()
		}
	}
}

// EventLoopGroup hands out loops round-robin.
type EventLoopGroup struct {
	loops []*EventLoop
	next  atomic.Uint64
}

func NewEventLoopGroup(n int) *EventLoopGroup {
	if n < 1 {
		n = 1
	}
	g := &EventLoopGroup{loops: make([]*EventLoop, n)}
	for i := range g.loops {
		g.loops[i] = NewEventLoop()
	}
	return g
}

func (g *EventLoopGroup) Len() int { return len(g.loops) }

func (g *EventLoopGroup) Next() *EventLoop {
	i := g.next.Add(1) - 1
	return g.loops[i%uint64(len(g.loops))]
}

func (g *EventLoopGroup) Close() {
	for _, l := range g.loops {
		l.Close()
	}
}
