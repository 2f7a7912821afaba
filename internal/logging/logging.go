// Package logging wraps log/slog with the component-tagging convention
// used throughout this repo: every subsystem that logs does so through a
// logger scoped with a component tag (session, http, listener, processor,
// access), rather than a package-global logger.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// New returns a text-handler slog.Logger writing to w at the given level.
func New(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// With returns a child logger tagged with component=name, the convention
// every package here uses instead of calling a global logger.
func With(base *slog.Logger, component string) *slog.Logger {
	return base.With(slog.String("component", component))
}

// AccessLogger returns a logger intended for one-line-per-request access
// logging (method, target, status, bytes, duration) at Info level.
func AccessLogger(w io.Writer) *slog.Logger {
	return New(w, slog.LevelInfo).With(slog.String("component", "access"))
}
