// Package logging wires up the structured logger shared by both binaries.
//
// Operational messages always go to stderr so they never pollute the
// stdio JSON-RPC channel on stdout. When debug logging is enabled, a
// second handler also appends JSON records to the per-server debug log
// file.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// New builds the stderr logger. debugWriter, if non-nil, receives a parallel
// stream of JSON records (used for the on-disk debug log).
func New(debugWriter io.Writer) *slog.Logger {
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	if debugWriter == nil {
		return slog.New(stderrHandler)
	}

	jsonHandler := slog.NewJSONHandler(debugWriter, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format("2006-01-02T15:04:05.000Z07:00"))
			}
			return a
		},
	})

	return slog.New(&fanoutHandler{
		stderr: stderrHandler.WithAttrs([]slog.Attr{slog.Int("pid", os.Getpid())}),
		debug:  jsonHandler.WithAttrs([]slog.Attr{slog.Int("pid", os.Getpid())}),
	})
}

// fanoutHandler sends every record to stderr (info+) and, when present,
// to the debug-log handler (debug+), without needing a second logger
// instance at call sites.
type fanoutHandler struct {
	stderr slog.Handler
	debug  slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stderr.Enabled(ctx, level) || h.debug.Enabled(ctx, level)
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.stderr.Enabled(ctx, r.Level) {
		if err := h.stderr.Handle(ctx, r); err != nil {
			return err
		}
	}
	if h.debug.Enabled(ctx, r.Level) {
		if err := h.debug.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanoutHandler{stderr: h.stderr.WithAttrs(attrs), debug: h.debug.WithAttrs(attrs)}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	return &fanoutHandler{stderr: h.stderr.WithGroup(name), debug: h.debug.WithGroup(name)}
}
