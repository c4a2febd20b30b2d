// Package log is the structured logger used across the deployer.
//
// It wraps log/slog behind a small interface so call sites always pass a
// context (for trace correlation) and errors are logged with their chain,
// types and call-site links.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Logger is passed a context on every call so records pick up the active
// trace and span.
type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	// App, Version, Commit and BuildId are attached to every record.
	App     string
	Version string
	Commit  string
	BuildId string

	// RunID tags every record of one deployment run.
	RunID string

	Level slog.Level
	// StacktraceLevel is the lowest level that carries error call sites.
	StacktraceLevel slog.Level

	JsonFormat        bool
	MaxErrorLinks     int
	IncludeErrorLinks bool

	// Writer defaults to stderr so stdout stays free for the run summary.
	Writer io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

func ParseLevel(s string) (slog.Level, error) {
	x := strings.ToLower(strings.TrimSpace(s))
	switch x {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %s (valid levels are debug|info|warn|error)", s)
	}
}
