package logging

import (
	"context"
	"log/slog"
)

// historyHandler copies records into a History. Attributes are flattened
// to strings with group names joined by dots; the module attribute becomes
// Entry.Module.
type historyHandler struct {
	history *History
	level   slog.Leveler
	module  string
	attrs   map[string]string
	prefix  string
}

func newHistoryHandler(level slog.Leveler, history *History) *historyHandler {
	return &historyHandler{history: history, level: level}
}

func (h *historyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *historyHandler) Handle(_ context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Module:  h.module,
		Message: r.Message,
		Attrs:   make(map[string]string, len(h.attrs)+r.NumAttrs()),
	}
	for k, v := range h.attrs {
		e.Attrs[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		flatten(e.Attrs, h.prefix, a)
		return true
	})
	h.history.Add(e)
	return nil
}

func (h *historyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	for _, a := range attrs {
		if h.prefix == "" && a.Key == "module" {
			next.module = a.Value.String()
			continue
		}
		flatten(next.attrs, h.prefix, a)
	}
	return next
}

func (h *historyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.prefix = h.prefix + name + "."
	return next
}

func (h *historyHandler) clone() *historyHandler {
	attrs := make(map[string]string, len(h.attrs))
	for k, v := range h.attrs {
		attrs[k] = v
	}
	return &historyHandler{
		history: h.history,
		level:   h.level,
		module:  h.module,
		attrs:   attrs,
		prefix:  h.prefix,
	}
}

// flatten writes a into dst, expanding groups into dotted keys.
func flatten(dst map[string]string, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range v.Group() {
			flatten(dst, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	dst[prefix+a.Key] = v.String()
}
