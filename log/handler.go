package log

import (
	"context"
	"io"
	"log/slog"
)

// NewTerminalHandlerWithLevel returns a text handler writing to w that drops records below lvl.
// Level names follow LevelAlignedString so trace and crit records are readable.
func NewTerminalHandlerWithLevel(w io.Writer, lvl slog.Level, useColor bool) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.LevelKey:
				l, _ := a.Value.Any().(slog.Level)
				name := LevelAlignedString(l)
				if useColor {
					name = levelColor(l) + name + "\033[0m"
				}
				return slog.String(slog.LevelKey, name)
			case slog.TimeKey:
				return slog.String(slog.TimeKey, a.Value.Time().Format("01-02|15:04:05.000"))
			}
			return a
		},
	})
}

// NewJSONHandler emits one JSON object per record.
func NewJSONHandler(w io.Writer, lvl slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				l, _ := a.Value.Any().(slog.Level)
				return slog.String(slog.LevelKey, LevelString(l))
			}
			return a
		},
	})
}

func levelColor(l slog.Level) string {
	switch {
	case l >= LevelCrit:
		return "\033[35m"
	case l >= slog.LevelError:
		return "\033[31m"
	case l >= slog.LevelWarn:
		return "\033[33m"
	case l >= slog.LevelInfo:
		return "\033[32m"
	default:
		return "\033[36m"
	}
}

type discardHandler struct{}

// DiscardHandler returns a no-op handler
func DiscardHandler() slog.Handler {
	return &discardHandler{}
}

func (h *discardHandler) Handle(_ context.Context, r slog.Record) error {
	return nil
}

func (h *discardHandler) Enabled(_ context.Context, level slog.Level) bool {
	return false
}

func (h *discardHandler) WithGroup(name string) slog.Handler {
	return h
}

func (h *discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}
