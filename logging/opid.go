package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
)

type opIDKey struct{}

var lastOpID atomic.Uint64

// NextOpID returns a process-unique operation ID.
func NextOpID() uint64 {
	return lastOpID.Add(1)
}

// ContextWithOpID returns ctx carrying id.
func ContextWithOpID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, opIDKey{}, id)
}

// OpIDFromContext returns the operation ID carried by ctx, or 0.
func OpIDFromContext(ctx context.Context) uint64 {
	id, _ := ctx.Value(opIDKey{}).(uint64)
	return id
}

// opIDHandler adds an op_id attribute to records logged with a context
// that carries one.
type opIDHandler struct {
	slog.Handler
}

func (h opIDHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := OpIDFromContext(ctx); id != 0 {
		r.AddAttrs(slog.Uint64("op_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h opIDHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return opIDHandler{h.Handler.WithAttrs(attrs)}
}

func (h opIDHandler) WithGroup(name string) slog.Handler {
	return opIDHandler{h.Handler.WithGroup(name)}
}

// WithOpID wraps logger so that *Context calls record the op_id from
// their context.
func WithOpID(logger *slog.Logger) *slog.Logger {
	if _, ok := logger.Handler().(opIDHandler); ok {
		return logger
	}
	return slog.New(opIDHandler{logger.Handler()})
}
