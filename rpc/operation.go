package rpc

import (
	"fmt"
	"sync"

	"github.com/ggoodman/nucleus-ipc-go/eventstream"
	"github.com/ggoodman/nucleus-ipc-go/future"
)

// Operation is one request stream on a Client.
type Operation struct {
	c      *Client
	model  OperationModel
	result *future.Future[*eventstream.Message]

	mu        sync.Mutex
	streamID  int32
	gen       uint64
	handler   StreamHandler
	activated bool
	responded bool
	finished  bool
}

// StreamID is zero until the operation is activated.
func (o *Operation) StreamID() int32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streamID
}

// Activate sends payload as the request. The returned future resolves once
// the request has been written to the socket. h may be nil for plain
// request/response operations.
func (o *Operation) Activate(payload []byte, h StreamHandler) *future.Future[struct{}] {
	o.mu.Lock()
	if o.activated {
		o.mu.Unlock()
		return future.Failed[struct{}](ErrAlreadyActivated)
	}
	if o.finished {
		o.mu.Unlock()
		return future.Failed[struct{}](ErrStreamClosed)
	}
	o.activated = true
	o.handler = h
	o.mu.Unlock()

	sid, gen, err := o.c.register(o)
	if err != nil {
		o.mu.Lock()
		o.finished = true
		o.mu.Unlock()
		o.result.Reject(err)
		return future.Failed[struct{}](err)
	}
	o.mu.Lock()
	o.streamID = sid
	o.gen = gen
	o.mu.Unlock()

	msg := eventstream.NewMessage(eventstream.MessageApplication, 0, sid, payload)
	msg.Headers.Set(eventstream.HeaderOperation, eventstream.StringValue(o.model.Name))
	msg.Headers.Set(eventstream.HeaderServiceModelType, eventstream.StringValue(o.model.RequestType))
	msg.Headers.Set(eventstream.HeaderContentType, eventstream.StringValue(eventstream.ContentTypeJSON))

	f := future.New[struct{}]()
	go func() {
		if err := o.c.write(gen, msg); err != nil {
			o.c.run(func() { f.Reject(err) })
			o.finish(err)
			return
		}
		o.c.run(func() { f.Resolve(struct{}{}) })
	}()
	return f
}

// Result settles with the first message received on the stream. Modeled
// service errors reject with *ApplicationError; transport failures reject
// with *StatusError.
func (o *Operation) Result() *future.Future[*eventstream.Message] { return o.result }

// Close ends the stream. If the operation was activated, a terminate-stream
// message is sent and the handler sees OnStreamClosed.
func (o *Operation) Close() error {
	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		return nil
	}
	activated := o.activated
	sid, gen := o.streamID, o.gen
	o.mu.Unlock()

	if activated {
		term := eventstream.NewMessage(eventstream.MessageApplication, eventstream.FlagTerminateStream, sid, nil)
		go func() { _ = o.c.write(gen, term) }()
	}
	o.finish(nil)
	return nil
}

// deliver routes an inbound message. Called from the read loop.
func (o *Operation) deliver(m *eventstream.Message, typ eventstream.MessageType) {
	var failure error
	switch typ {
	case eventstream.MessageApplication:
	case eventstream.MessageApplicationError:
		failure = newApplicationError(m)
	case eventstream.MessageProtocolError, eventstream.MessageInternalError:
		failure = messageError(typ, m)
	default:
		failure = &StatusError{Code: CodeProtocolError, Err: fmt.Errorf("unexpected %s message on stream", typ)}
	}
	if failure == nil {
		if err := m.CheckContentType(); err != nil {
			failure = &StatusError{Code: CodeProtocolError, Err: err}
		}
	}

	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		return
	}
	first := !o.responded
	o.responded = true
	h := o.handler
	o.mu.Unlock()

	switch {
	case first:
		o.c.run(func() {
			if failure != nil {
				o.result.Reject(failure)
			} else {
				o.result.Resolve(m)
			}
		})
	case failure != nil && h != nil:
		o.c.run(func() {
			if h.OnStreamError(failure) {
				_ = o.Close()
			}
		})
	case h != nil && len(m.Payload) > 0:
		o.c.run(func() { h.OnStreamEvent(m) })
	}

	if flags, _ := m.Flags(); flags.Has(eventstream.FlagTerminateStream) {
		o.finish(nil)
	}
}

// finish ends the stream once. A non-nil err is reported to the handler
// before OnStreamClosed.
func (o *Operation) finish(err error) {
	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		return
	}
	o.finished = true
	sid := o.streamID
	h := o.handler
	activated := o.activated
	o.mu.Unlock()

	if sid != 0 {
		o.c.unregister(sid, o)
	}
	o.c.run(func() {
		if err != nil {
			o.result.Reject(err)
		} else {
			o.result.Reject(ErrStreamClosed)
		}
		if h == nil || !activated {
			return
		}
		if err != nil {
			h.OnStreamError(err)
		}
		h.OnStreamClosed()
	})
}
