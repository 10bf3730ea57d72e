package greengrass

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/nucleus-ipc-go/ipc"
	"github.com/ggoodman/nucleus-ipc-go/notify"
)

// DefaultPauseRecheck is the deferral used by PauseComponentUpdates when none
// is given.
const DefaultPauseRecheck = time.Second

// ErrSubscriptionEnded is the Pause error when the nucleus closed the update
// stream without reporting a failure.
var ErrSubscriptionEnded = errors.New("greengrass: component update subscription ended")

// Pause keeps component updates deferred until Resume.
type Pause struct {
	c       *Client
	sub     *ipc.Subscription
	ch      *notify.Channel
	signal  <-chan struct{}
	recheck time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	err      error
	deferred int
}

// PauseComponentUpdates subscribes to component updates and defers every
// pre-update event by recheck until Resume is called. Transport failures end
// the pause; other failures are logged and the next event is handled.
func (c *Client) PauseComponentUpdates(ctx context.Context, recheck time.Duration) (*Pause, error) {
	if recheck <= 0 {
		recheck = DefaultPauseRecheck
	}
	ch := notify.NewChannel()
	// Register before subscribing so the first event cannot be missed.
	signal := ch.Subscriber()

	sub, err := c.SubscribeToComponentUpdates(ctx, ch)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithCancel(context.WithoutCancel(c.context(ctx)))
	p := &Pause{
		c:       c,
		sub:     sub,
		ch:      ch,
		signal:  signal,
		recheck: recheck,
		ctx:     pctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go p.loop()
	c.log.InfoContext(ctx, "pause.start", slog.Duration("recheck", recheck))
	return p, nil
}

func (p *Pause) loop() {
	defer close(p.done)
	defer p.sub.Close()

	var handled uint64
	for {
		select {
		case <-p.ctx.Done():
			return
		case _, ok := <-p.signal:
			if !ok {
				// The subscription ended and closed the channel.
				p.fail(p.sub.Err())
				return
			}
		}

		ev, ok := p.ch.Latest()
		count := p.ch.Count()
		if !ok || count == handled {
			continue
		}
		handled = count

		err := p.c.DeferComponentUpdate(p.ctx, uint64(p.recheck/time.Millisecond), WithDeploymentID(ev.ID))
		switch {
		case err == nil:
			p.mu.Lock()
			p.deferred++
			p.mu.Unlock()
		case p.ctx.Err() != nil:
			return
		case ipc.IsKind(err, ipc.KindTransport):
			p.c.log.ErrorContext(p.ctx, "pause.stopped", slog.String("err", err.Error()))
			p.fail(err)
			return
		default:
			p.c.log.WarnContext(p.ctx, "pause.defer_failed", slog.String("deployment_id", ev.ID), slog.String("err", err.Error()))
		}
	}
}

func (p *Pause) fail(err error) {
	if err == nil {
		err = ErrSubscriptionEnded
	}
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Resume stops deferring, closes the subscription and waits for the loop to
// exit.
func (p *Pause) Resume() {
	p.once.Do(p.cancel)
	<-p.done
	p.c.log.InfoContext(p.ctx, "pause.resumed", slog.Int("deferred", p.Deferred()))
}

// Done is closed when the pause ended, by Resume or by failure.
func (p *Pause) Done() <-chan struct{} { return p.done }

// Err is the failure that ended the pause, or nil.
func (p *Pause) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Deferred counts successful deferrals.
func (p *Pause) Deferred() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deferred
}
