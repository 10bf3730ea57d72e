package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/nucleus-ipc-go/internal/logctx"
	"github.com/ggoodman/nucleus-ipc-go/notify"
)

// PreUpdateEventKind is the union key of a pre-update component event. The
// default subscription filter passes only this kind.
const PreUpdateEventKind = "preUpdateEvent"

// SessionState is the state of a Subscription.
type SessionState int

const (
	SessionOpen SessionState = iota
	SessionErrored
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionErrored:
		return "errored"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Subscription is a standing push session. It owns the Notifier it was given
// and closes it exactly once when the session reaches a terminal state.
type Subscription struct {
	h        *Handle
	model    OperationModel
	notifier notify.Notifier
	cfg      subscribeConfig
	log      *slog.Logger

	// ctx is passed to Notify and canceled on termination.
	ctx    context.Context
	cancel context.CancelFunc

	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	op      NativeOperation
	state   SessionState
	err     error
	queue   []notify.Event
	dropped uint64
	// streamErr is the last stream error not followed by an event. A stream
	// that closes while it is set ends the session Errored.
	streamErr error
}

// Subscribe opens a streaming operation and forwards matching events to n.
//
// The handshake is bounded like Execute. Ownership of n passes to the
// subscription: it is closed when the subscription ends, including when
// Subscribe itself fails. Only one subscription may be open per handle.
func Subscribe(ctx context.Context, h *Handle, model OperationModel, req any, n notify.Notifier, opts ...SubscribeOption) (*Subscription, error) {
	if n == nil {
		n = notify.Discard()
	}
	cfg := subscribeConfig{
		timeout:   DefaultTimeout,
		filter:    PreUpdateOnly,
		decode:    DecodeUnionEvent,
		policy:    ContinueOnError,
		queueSize: DefaultQueueSize,
	}
	for _, o := range opts {
		o(&cfg)
	}

	payload, err := encodeRequest(req)
	if err != nil {
		_ = n.Close()
		return nil, newOperationError(KindActivation, model.Name, err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Subscription{
		h:        h,
		model:    model,
		notifier: n,
		cfg:      cfg,
		log:      h.log,
		ctx:      logctx.WithOpData(sctx, &logctx.OpData{Name: model.Name, Kind: "subscription"}),
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	if err := h.claimSubscription(s); err != nil {
		cancel()
		_ = n.Close()
		return nil, newOperationError(KindActivation, model.Name, err)
	}
	go s.dispatch()

	op, _, err := h.start(ctx, model, payload, &streamSink{s: s}, cfg.timeout)
	if err != nil {
		s.terminate(SessionErrored, err)
		if op != nil {
			_ = op.Close()
		}
		h.releaseSubscription(s)
		<-s.done
		s.log.InfoContext(s.ctx, "subscription.fail", slog.String("err", err.Error()))
		return nil, err
	}

	s.mu.Lock()
	s.op = op
	state := s.state
	s.mu.Unlock()
	if state != SessionOpen {
		// The stream ended between the handshake response and now.
		_ = op.Close()
		h.releaseSubscription(s)
	}
	s.log.InfoContext(logctx.WithOpData(ctx, &logctx.OpData{Name: model.Name, Kind: "subscription", StreamID: op.StreamID()}), "subscription.open")
	return s, nil
}

// State returns the session state.
func (s *Subscription) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the reason an Errored session ended.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped is the number of matching events discarded because the queue was
// full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Done is closed after the session is terminal and its notifier was closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends or ctx is done. It returns the session
// error for an Errored session, nil for a Closed one.
func (s *Subscription) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the session and closes the native stream. It does not wait for
// an in-flight Notify to return; use Done for that.
func (s *Subscription) Close() error {
	s.terminate(SessionClosed, nil)
	s.mu.Lock()
	op := s.op
	s.op = nil
	s.mu.Unlock()
	s.h.releaseSubscription(s)
	if op != nil {
		return op.Close()
	}
	return nil
}

// terminate moves an open session to state. It reports whether this call made
// the transition.
func (s *Subscription) terminate(state SessionState, err error) bool {
	s.mu.Lock()
	if s.state != SessionOpen {
		s.mu.Unlock()
		return false
	}
	s.state = state
	s.err = err
	s.queue = nil
	s.mu.Unlock()

	s.cancel()
	s.signal()
	return true
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// enqueue runs on the native callback goroutine and never blocks.
func (s *Subscription) enqueue(ev notify.Event) {
	s.mu.Lock()
	if s.state != SessionOpen {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.cfg.queueSize {
		s.dropped++
		s.mu.Unlock()
		s.log.WarnContext(s.ctx, "subscription.event_dropped", slog.String("event", ev.Kind))
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

// dispatch is the only caller of Notify. It exits once the session is
// terminal, closing the notifier on the way out.
func (s *Subscription) dispatch() {
	defer close(s.done)
	defer func() {
		if err := s.notifier.Close(); err != nil {
			s.log.WarnContext(s.ctx, "subscription.notifier_close_failed", slog.String("err", err.Error()))
		}
	}()

	for {
		s.mu.Lock()
		for s.state == SessionOpen && len(s.queue) == 0 {
			s.mu.Unlock()
			<-s.wake
			s.mu.Lock()
		}
		if s.state != SessionOpen {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if s.ctx.Err() != nil {
			// Terminated since the dequeue.
			return
		}
		if err := s.notifier.Notify(s.ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
			s.log.WarnContext(s.ctx, "subscription.notify_failed", slog.String("event", ev.Kind), slog.String("err", err.Error()))
		}
	}
}

// streamSink is the StreamHandler installed on the native operation.
type streamSink struct {
	s *Subscription
}

var _ StreamHandler = (*streamSink)(nil)

func (k *streamSink) OnStreamEvent(payload []byte) {
	s := k.s
	s.mu.Lock()
	s.streamErr = nil
	s.mu.Unlock()

	ev, err := s.cfg.decode(payload)
	if err != nil {
		s.log.WarnContext(s.ctx, "subscription.decode_failed", slog.String("err", err.Error()))
		return
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	if !s.cfg.filter(ev) {
		return
	}
	s.enqueue(ev)
}

func (k *streamSink) OnStreamError(err error) bool {
	s := k.s
	if err == nil {
		err = errNoReason
	}
	if s.cfg.policy == CloseOnError {
		s.log.WarnContext(s.ctx, "subscription.stream_error", slog.String("err", err.Error()), slog.Bool("closing", true))
		if s.terminate(SessionErrored, err) {
			s.h.releaseSubscription(s)
		}
		return true
	}
	s.log.WarnContext(s.ctx, "subscription.stream_error", slog.String("err", err.Error()), slog.Bool("closing", false))
	s.mu.Lock()
	s.streamErr = err
	s.mu.Unlock()
	return false
}

func (k *streamSink) OnStreamClosed() {
	s := k.s
	s.mu.Lock()
	err := s.streamErr
	s.mu.Unlock()

	if err != nil {
		if s.terminate(SessionErrored, err) {
			s.log.WarnContext(s.ctx, "subscription.failed", slog.String("err", err.Error()))
			s.h.releaseSubscription(s)
		}
		return
	}
	if s.terminate(SessionClosed, nil) {
		s.log.InfoContext(s.ctx, "subscription.closed")
		s.h.releaseSubscription(s)
	}
}

// PreUpdateOnly passes pre-update events.
func PreUpdateOnly(ev notify.Event) bool { return ev.Kind == PreUpdateEventKind }

// AllEvents passes every event.
func AllEvents(notify.Event) bool { return true }

// DecodeUnionEvent decodes a single-member JSON union such as
// {"preUpdateEvent":{"deploymentId":"..."}}. The member name becomes Kind,
// its deploymentId becomes ID and its body becomes Data.
func DecodeUnionEvent(payload []byte) (notify.Event, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(payload, &members); err != nil {
		return notify.Event{}, fmt.Errorf("ipc: decode stream event: %w", err)
	}
	keys := make([]string, 0, len(members))
	for k, v := range members {
		if len(v) == 0 || string(v) == "null" {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return notify.Event{}, errors.New("ipc: decode stream event: no event member set")
	}
	sort.Strings(keys)

	body := members[keys[0]]
	var subject struct {
		DeploymentID string `json:"deploymentId"`
	}
	_ = json.Unmarshal(body, &subject)
	return notify.Event{
		Kind:       keys[0],
		ID:         subject.DeploymentID,
		Data:       body,
		ReceivedAt: time.Now(),
	}, nil
}
