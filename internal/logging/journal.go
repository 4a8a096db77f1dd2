package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
)

// SyslogIdentifier tags every journal entry written by this program.
const SyslogIdentifier = "procexec"

// JournalAvailable reports whether journald accepts messages.
func JournalAvailable() bool {
	return journal.Enabled()
}

// journalHandler sends records to journald as structured fields. Attribute
// keys become upper-case field names; a "pid" attribute is also sent as
// OBJECT_PID so journalctl _PID-style filters find the child.
type journalHandler struct {
	level  slog.Leveler
	fields map[string]string
	prefix string
}

func newJournalHandler(level slog.Leveler) *journalHandler {
	return &journalHandler{level: level, fields: map[string]string{}}
}

func (h *journalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *journalHandler) Handle(_ context.Context, r slog.Record) error {
	vars := make(map[string]string, len(h.fields)+r.NumAttrs()+1)
	for k, v := range h.fields {
		vars[k] = v
	}
	vars["SYSLOG_IDENTIFIER"] = SyslogIdentifier
	r.Attrs(func(a slog.Attr) bool {
		h.addField(vars, h.prefix, a)
		return true
	})
	if err := journal.Send(r.Message, priority(r.Level), vars); err != nil {
		return fmt.Errorf("journal send: %w", err)
	}
	return nil
}

func (h *journalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	for _, a := range attrs {
		next.addField(next.fields, h.prefix, a)
	}
	return next
}

func (h *journalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.prefix = h.prefix + name + "_"
	return next
}

func (h *journalHandler) clone() *journalHandler {
	fields := make(map[string]string, len(h.fields))
	for k, v := range h.fields {
		fields[k] = v
	}
	return &journalHandler{level: h.level, fields: fields, prefix: h.prefix}
}

func (h *journalHandler) addField(dst map[string]string, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "_"
		}
		for _, ga := range v.Group() {
			h.addField(dst, p, ga)
		}
		return
	}
	name := fieldName(prefix + a.Key)
	if name == "" {
		return
	}
	dst[name] = v.String()
	if prefix == "" && a.Key == "pid" {
		dst["OBJECT_PID"] = v.String()
	}
}

// fieldName converts an attribute key to a valid journal field name:
// upper-case letters, digits and underscores, not starting with an
// underscore or digit.
func fieldName(key string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(key) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.TrimLeft(b.String(), "_0123456789")
}

func priority(level slog.Level) journal.Priority {
	switch {
	case level >= slog.LevelError:
		return journal.PriErr
	case level >= slog.LevelWarn:
		return journal.PriWarning
	case level >= slog.LevelInfo:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}
