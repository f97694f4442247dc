// Package logctx wires up this module's structured logging: a
// tint-colorized handler for interactive use, a plain JSON handler for
// production/daemon use, and a CRITICAL level above slog's built-in
// ERROR for internal invariant violations (completing the
// DEBUG/INFO/WARNING/ERROR/CRITICAL severity tags this module's
// diagnostic log uses).
package logctx

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// LevelCritical sits one step above slog.LevelError, for internal
// invariant violations (a plugin that changed a header's length on
// ingress, a reference-count underflow, a linked-list loop) that a
// debug build would abort on rather than merely log.
const LevelCritical = slog.Level(12)

// replaceLevelName extends slog's default level strings with CRITICAL, used
// by both handler constructors below.
func replaceLevelName(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok || level != LevelCritical {
		return a
	}
	a.Value = slog.StringValue("CRITICAL")
	return a
}

// NewInteractive builds a colorized, human-readable logger for
// terminal use (cmd/satcat5sim's default), writing to w at the given
// minimum level.
func NewInteractive(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:       level,
		ReplaceAttr: replaceLevelName,
	}))
}

// NewJSON builds a structured JSON logger for non-interactive use
// (log aggregation, CI), writing to w at the given minimum level.
func NewJSON(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelName,
	}))
}

// New builds the default logger for this module's CLI: colorized
// interactive output to stderr at INFO, or DEBUG when verbose is set.
func New(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return NewInteractive(os.Stderr, level)
}

// Critical logs msg at LevelCritical with the given attributes.
func Critical(log *slog.Logger, msg string, args ...any) {
	log.Log(context.Background(), LevelCritical, msg, args...)
}
