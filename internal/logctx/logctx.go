package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with connection and operation attributes carried
// on the context.
type Handler struct {
	slog.Handler
}

// New wraps l so that context-scoped attributes are attached. A nil l yields a
// logger that discards everything.
func New(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("socket", cd.SocketPath),
			slog.String("state", cd.State),
		))
	}

	if od, ok := ctx.Value(opDataKey{}).(*OpData); ok {
		attrs := []any{
			slog.String("name", od.Name),
			slog.String("kind", od.Kind),
		}
		if od.StreamID != 0 {
			attrs = append(attrs, slog.Int("stream_id", int(od.StreamID)))
		}
		r.AddAttrs(slog.Group("op", attrs...))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type connDataKey struct{}

type ConnData struct {
	SocketPath string
	State      string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type opDataKey struct{}

type OpData struct {
	Name     string
	Kind     string // "request" or "subscription"
	StreamID int32
}

func WithOpData(ctx context.Context, data *OpData) context.Context {
	return context.WithValue(ctx, opDataKey{}, data)
}
