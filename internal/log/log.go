// Package log configures the process wide slog logger. Attributes stored in
// a context with ContextAttrs are added to every record logged with that
// context, so a job id set once at admission follows the job through the
// whole pipeline.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/natefinch/lumberjack"
)

type slogKeyT struct{}

var slogKey slogKeyT

type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// ContextAttrs returns a copy of ctx carrying attrs in addition to the ones
// already stored in it.
func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, _ := ctx.Value(slogKey).([]slog.Attr)
	a = append(slices.Clip(a), attrs...)
	return context.WithValue(ctx, slogKey, a)
}

// Output opens the log destination: stderr, stdout, discard or a file path.
// Files are rotated by size. The returned closer must be called on exit.
func Output(dest string) (io.Writer, io.Closer) {
	switch dest {
	case "", "stderr":
		return os.Stderr, nopCloser{}
	case "stdout":
		return os.Stdout, nopCloser{}
	case "discard":
		return io.Discard, nopCloser{}
	default:
		lj := &lumberjack.Logger{
			Filename:   dest,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
		}
		return lj, lj
	}
}

func New(verbose bool) *slog.Logger {
	return NewWriter(os.Stderr, verbose)
}

func NewWriter(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	})
	return slog.New(NewContextHandler(base))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
