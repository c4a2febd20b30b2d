package log

import "context"

type ctxKey struct{}

// WithContext attaches l to ctx. Packages that only receive a context, such
// as the profiler, log through it.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the Logger attached to ctx, or a discarding logger.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
		return l
	}
	return discard{}
}

// Nop returns a Logger that drops everything. Deployer and release use it
// when no logger is configured.
func Nop() Logger { return discard{} }

type discard struct{}

func (discard) With(...any) Logger                           { return discard{} }
func (discard) Debug(context.Context, string, ...any)        {}
func (discard) Info(context.Context, string, ...any)         {}
func (discard) Warn(context.Context, string, ...any)         {}
func (discard) Error(context.Context, error, string, ...any) {}
func (discard) Sync() error                                  { return nil }
