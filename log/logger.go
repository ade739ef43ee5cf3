package log

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"time"
)

const (
	levelMaxVerbosity slog.Level = math.MinInt
	LevelTrace        slog.Level = -8
	LevelDebug                   = slog.LevelDebug
	LevelInfo                    = slog.LevelInfo
	LevelWarn                    = slog.LevelWarn
	LevelError                   = slog.LevelError
	LevelCrit         slog.Level = 12
)

// badAttrsKey marks a record whose key/value list had an odd length.
const badAttrsKey = "LOG_ERROR"

var levelNames = []struct {
	level   slog.Level
	aligned string
	lower   string
}{
	{LevelTrace, "TRACE", "trace"},
	{LevelDebug, "DEBUG", "debug"},
	{LevelInfo, "INFO ", "info"},
	{LevelWarn, "WARN ", "warn"},
	{LevelError, "ERROR", "error"},
	{LevelCrit, "CRIT ", "crit"},
}

// LevelAlignedString names l in five columns for terminal output.
func LevelAlignedString(l slog.Level) string {
	for _, n := range levelNames {
		if n.level == l {
			return n.aligned
		}
	}
	return "unknown level"
}

func LevelString(l slog.Level) string {
	for _, n := range levelNames {
		if n.level == l {
			return n.lower
		}
	}
	return "unknown"
}

// Logger tags every record with the emulator subsystem that produced it.
type Logger interface {
	With(ctx ...interface{}) Logger
	Write(level slog.Level, module string, msg string, attrs ...any)
	Trace(module string, msg string, ctx ...interface{})
	Debug(module string, msg string, ctx ...interface{})
	Info(module string, msg string, ctx ...interface{})
	Warn(module string, msg string, ctx ...interface{})
	Error(module string, msg string, ctx ...interface{})
	Enabled(ctx context.Context, level slog.Level) bool
	Handler() slog.Handler
}

type logger struct {
	inner *slog.Logger
}

func NewLogger(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

func (l *logger) Handler() slog.Handler {
	return l.inner.Handler()
}

// Write builds the record itself so the reported source is the caller of the
// package-level helper, not this file.
func (l *logger) Write(level slog.Level, module string, msg string, attrs ...any) {
	ctx := context.Background()
	if !l.inner.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	if module != "" {
		r.AddAttrs(slog.String("module", module))
	}
	if len(attrs)%2 == 1 {
		attrs = append(attrs, nil, badAttrsKey, "odd number of log context values")
	}
	r.Add(attrs...)
	_ = l.inner.Handler().Handle(ctx, r)
}

func (l *logger) With(ctx ...interface{}) Logger {
	return &logger{inner: l.inner.With(ctx...)}
}

func (l *logger) Enabled(ctx context.Context, level slog.Level) bool {
	return l.inner.Enabled(ctx, level)
}

func (l *logger) Trace(module string, msg string, ctx ...interface{}) {
	l.Write(LevelTrace, module, msg, ctx...)
}

func (l *logger) Debug(module string, msg string, ctx ...interface{}) {
	l.Write(LevelDebug, module, msg, ctx...)
}

func (l *logger) Info(module string, msg string, ctx ...interface{}) {
	l.Write(LevelInfo, module, msg, ctx...)
}

func (l *logger) Warn(module string, msg string, ctx ...interface{}) {
	l.Write(LevelWarn, module, msg, ctx...)
}

func (l *logger) Error(module string, msg string, ctx ...interface{}) {
	l.Write(LevelError, module, msg, ctx...)
}
