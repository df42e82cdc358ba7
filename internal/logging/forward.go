package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// current holds the handler installed by the last Init call.
var current atomic.Pointer[slog.Handler]

func install(h slog.Handler) {
	current.Store(&h)
}

func installed() slog.Handler {
	if p := current.Load(); p != nil {
		return *p
	}
	return slog.Default().Handler()
}

// forwardHandler resolves the installed handler on every record, so
// package-level component loggers follow a later Init.
type forwardHandler struct {
	ops []func(slog.Handler) slog.Handler
}

func (f *forwardHandler) resolve() slog.Handler {
	h := installed()
	for _, op := range f.ops {
		h = op(h)
	}
	return h
}

func (f *forwardHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return installed().Enabled(ctx, level)
}

func (f *forwardHandler) Handle(ctx context.Context, r slog.Record) error {
	return f.resolve().Handle(ctx, r)
}

func (f *forwardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.with(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f *forwardHandler) WithGroup(name string) slog.Handler {
	return f.with(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f *forwardHandler) with(op func(slog.Handler) slog.Handler) *forwardHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(f.ops), len(f.ops)+1)
	copy(ops, f.ops)
	return &forwardHandler{ops: append(ops, op)}
}
