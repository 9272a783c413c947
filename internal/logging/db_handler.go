package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/driftworks/conduit/internal/store"
)

// DBHandler persists warning-and-above records to the logs table. Insert
// failures are swallowed: log persistence must never take down the logger.
type DBHandler struct {
	logs     *store.LogStore
	minLevel slog.Level
	attrs    []slog.Attr
	group    string
}

func NewDBHandler(logs *store.LogStore) *DBHandler {
	return &DBHandler{logs: logs, minLevel: slog.LevelWarn}
}

func (h *DBHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *DBHandler) Handle(_ context.Context, r slog.Record) error {
	var parts []string
	var exception string

	appendAttr := func(a slog.Attr) {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		if key == "error" || key == "exception" {
			exception = a.Value.String()
			return
		}
		parts = append(parts, fmt.Sprintf("%s=%v", key, a.Value.Any()))
	}

	for _, a := range h.attrs {
		appendAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(a)
		return true
	})

	msg := r.Message
	if len(parts) > 0 {
		msg += " " + strings.Join(parts, " ")
	}

	_ = h.logs.Append(store.LogRecord{
		Timestamp: r.Time,
		Level:     int(r.Level),
		LevelName: r.Level.String(),
		Category:  "conduit",
		Message:   msg,
		Exception: exception,
	})
	return nil
}

func (h *DBHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *h
	out.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &out
}

func (h *DBHandler) WithGroup(name string) slog.Handler {
	out := *h
	if out.group != "" {
		out.group += "." + name
	} else {
		out.group = name
	}
	return &out
}
