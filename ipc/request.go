package ipc

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ggoodman/nucleus-ipc-go/internal/logctx"
)

var emptyObject = []byte("{}")

// Execute performs one request/response exchange for model on a Connected
// handle and decodes the response into Resp.
//
// A nil req is sent as an empty JSON object. An empty response payload
// yields the zero Resp. The whole exchange, activation included, is bounded
// by DefaultTimeout unless overridden with WithTimeout. On timeout the native
// operation is abandoned, not cancelled.
//
// Every failure is an *OperationError; use IsKind to branch on its Kind.
func Execute[Resp any](ctx context.Context, h *Handle, model OperationModel, req any, opts ...CallOption) (Resp, error) {
	var zero Resp

	cfg := callConfig{timeout: DefaultTimeout}
	for _, o := range opts {
		o(&cfg)
	}

	payload, err := encodeRequest(req)
	if err != nil {
		return zero, newOperationError(KindActivation, model.Name, err)
	}

	ctx = logctx.WithOpData(ctx, &logctx.OpData{Name: model.Name, Kind: "request"})
	start := time.Now()

	op, body, err := h.start(ctx, model, payload, nil, cfg.timeout)
	if op != nil {
		if sid := op.StreamID(); sid != 0 {
			ctx = logctx.WithOpData(ctx, &logctx.OpData{Name: model.Name, Kind: "request", StreamID: sid})
		}
		if !IsKind(err, KindTimeout) {
			defer op.Close()
		}
	}
	if err != nil {
		h.log.InfoContext(ctx, "request.fail", slog.String("err", err.Error()), slog.Duration("duration", time.Since(start)))
		return zero, err
	}

	var resp Resp
	if len(body) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			oe := newOperationError(KindDecode, model.Name, err)
			h.log.InfoContext(ctx, "request.fail", slog.String("err", oe.Error()))
			return zero, oe
		}
	}
	h.log.DebugContext(ctx, "request.ok", slog.Duration("duration", time.Since(start)))
	return resp, nil
}

func encodeRequest(req any) ([]byte, error) {
	switch v := req.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		if len(v) == 0 {
			return emptyObject, nil
		}
		return v, nil
	}
	return json.Marshal(req)
}

// start runs the allocate, activate and await-result sequence shared by
// Execute and Subscribe. A single timer bounds activation and result. The
// returned operation is non-nil whenever one was allocated so the caller can
// decide whether to close or abandon it.
func (h *Handle) start(ctx context.Context, model OperationModel, payload []byte, sink StreamHandler, timeout time.Duration) (NativeOperation, []byte, error) {
	client, err := h.connected()
	if err != nil {
		return nil, nil, newOperationError(KindTransport, model.Name, err)
	}

	op, err := client.NewOperation(model)
	if err != nil {
		return nil, nil, newOperationError(KindActivation, model.Name, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	timedOut := func() error {
		return newOperationError(KindTimeout, model.Name, errTimeout(timeout))
	}

	act := op.Activate(payload, sink)
	select {
	case <-act.Done():
		if _, err, _ := act.Peek(); err != nil {
			return op, nil, newOperationError(KindActivation, model.Name, err)
		}
	case <-timer.C:
		return op, nil, timedOut()
	case <-ctx.Done():
		return op, nil, newOperationError(KindCanceled, model.Name, ctx.Err())
	}

	result := op.Result()
	select {
	case <-result.Done():
		body, err, _ := result.Peek()
		if err != nil {
			return op, nil, classifyResult(model.Name, err)
		}
		return op, body, nil
	case <-timer.C:
		return op, nil, timedOut()
	case <-ctx.Done():
		return op, nil, newOperationError(KindCanceled, model.Name, ctx.Err())
	}
}

type timeoutError struct {
	d time.Duration
}

func errTimeout(d time.Duration) error { return &timeoutError{d: d} }

func (e *timeoutError) Error() string   { return "no result within " + e.d.String() }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Is(t error) bool { return t == context.DeadlineExceeded }
