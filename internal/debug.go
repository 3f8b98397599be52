// Package internal holds helpers shared by the router and arpcache
// packages that have no business being part of the public API.
package internal

import (
	"context"
	"log/slog"
)

// LevelTrace is a level below [slog.LevelDebug], used for per-frame
// logging that is too noisy to enable even at debug level.
const LevelTrace slog.Level = slog.LevelDebug - 2

// LogEnabled reports whether l has a handler enabled for lvl. Callers use
// this to skip building expensive slog.Attr slices when the level is off.
func LogEnabled(l *slog.Logger, lvl slog.Level) bool {
	return l != nil && l.Handler().Enabled(context.Background(), lvl)
}

// LogAttrs logs msg at level through l, tolerating a nil logger.
func LogAttrs(l *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if l != nil {
		l.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

// Logger is an embeddable structured-logging helper wrapping a *slog.Logger,
// used by router.Dispatcher and arpcache.Cache.
type Logger struct {
	Log *slog.Logger
}

func (l Logger) Error(msg string, attrs ...slog.Attr) {
	LogAttrs(l.Log, slog.LevelError, msg, attrs...)
}

func (l Logger) Warn(msg string, attrs ...slog.Attr) {
	LogAttrs(l.Log, slog.LevelWarn, msg, attrs...)
}

func (l Logger) Info(msg string, attrs ...slog.Attr) {
	LogAttrs(l.Log, slog.LevelInfo, msg, attrs...)
}

func (l Logger) Debug(msg string, attrs ...slog.Attr) {
	LogAttrs(l.Log, slog.LevelDebug, msg, attrs...)
}

func (l Logger) Trace(msg string, attrs ...slog.Attr) {
	LogAttrs(l.Log, LevelTrace, msg, attrs...)
}
