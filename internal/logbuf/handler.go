package logbuf

import (
	"context"
	"log/slog"
)

// issueKey is the attr the engine binds on every per-entity log line; the
// handler lifts it out of the attr map into Entry.Issue so the buffer can
// filter on it.
const issueKey = "issue"

// Handler tees every record into a Buffer while delegating to an inner
// handler that keeps its own level filter for the console stream.
type Handler struct {
	inner  slog.Handler
	buf    *Buffer
	bound  map[string]any
	prefix string
}

// NewHandler creates a handler that writes to both buf and inner.
func NewHandler(inner slog.Handler, buf *Buffer) *Handler {
	return &Handler{inner: inner, buf: buf}
}

// Enabled always reports true so the buffer captures every level; the inner
// handler's own filter still applies to delegation.
func (h *Handler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.bound)+r.NumAttrs())
	for k, v := range h.bound {
		attrs[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		flatten(attrs, h.prefix, a)
		return true
	})

	e := Entry{Time: r.Time, Level: r.Level, Message: r.Message}
	if issue, ok := attrs[issueKey].(string); ok {
		e.Issue = issue
		delete(attrs, issueKey)
	}
	if len(attrs) > 0 {
		e.Attrs = attrs
	}
	h.buf.Write(e)

	if h.inner.Enabled(ctx, r.Level) {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

// flatten records a resolved attr under its dotted key, expanding group
// values so the buffer stores flat, JSON-friendly maps. Error values become
// their message so they don't serialize to {}.
func flatten(dst map[string]any, prefix string, a slog.Attr) {
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			flatten(dst, key, ga)
		}
		return
	}
	raw := v.Any()
	if err, ok := raw.(error); ok {
		raw = err.Error()
	}
	dst[key] = raw
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := make(map[string]any, len(h.bound)+len(attrs))
	for k, v := range h.bound {
		bound[k] = v
	}
	for _, a := range attrs {
		flatten(bound, h.prefix, a)
	}
	return &Handler{inner: h.inner.WithAttrs(attrs), buf: h.buf, bound: bound, prefix: h.prefix}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	prefix := name
	if h.prefix != "" {
		prefix = h.prefix + "." + name
	}
	return &Handler{inner: h.inner.WithGroup(name), buf: h.buf, bound: h.bound, prefix: prefix}
}
