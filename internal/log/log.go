// Package log wraps github.com/chainguard-dev/clog with the process's
// base handler setup. Every long-lived component pulls its logger from
// context.Context via Info/Debug/Warn/Error; request- and
// workflow-scoped values (workflow_id, service_id, job_id) are attached
// with WithValues at the point they become known.
package log

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/chainguard-dev/clog"
	slogmulti "github.com/samber/slog-multi"
)

// New builds the process's base logger: JSON to stderr at the given
// level, fanned out through slog-multi so additional sinks can be
// appended later without touching call sites.
func New(level slog.Level) *clog.Logger {
	return clog.New(slogmulti.Fanout(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	))
}

// WithCtx attaches logger to ctx so Info/Debug/Warn/Error pick it up.
func WithCtx(ctx context.Context, logger *clog.Logger) context.Context {
	return clog.WithLogger(ctx, logger)
}

// WithValues decorates ctx's logger with the given key/value pairs,
// the idiom used to carry workflow_id/service_id/job_id through a
// call chain without threading them as explicit parameters.
func WithValues(ctx context.Context, args ...any) context.Context {
	return clog.WithLogger(ctx, clog.FromContext(ctx).With(args...))
}

func Info(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelInfo, msg, args...)
}

func Debug(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelDebug, msg, args...)
}

func Warn(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelWarn, msg, args...)
}

func Error(ctx context.Context, msg string, args ...any) {
	log(ctx, clog.FromContext(ctx), slog.LevelError, msg, args...)
}

func log(ctx context.Context, l *clog.Logger, level slog.Level, msg string, args ...any) {
	if !l.Enabled(ctx, level) {
		return
	}

	var pcs [1]uintptr
	// skip [runtime.Callers, this function, this function's caller]
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	_ = l.Handler().Handle(ctx, r)
}
