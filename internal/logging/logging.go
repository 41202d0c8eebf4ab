// Package logging provides the process-wide zap logger used by every
// long-running loop in this module (chunker, janitor, long poller, send
// queue, rekey scheduler). Mirrors the teacher's convention of a named
// *zap.SugaredLogger per component rather than a single global logger.
package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

var (
	baseOnce sync.Once
	base     *zap.Logger
)

// Base returns the process-wide zap.Logger, building a sane production
// logger on first use.
func Base() *zap.Logger {
	baseOnce.Do(func() {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		base = l
	})
	return base
}

// Named returns a component-scoped sugared logger, e.g. logging.Named("chunker").
func Named(component string) *zap.SugaredLogger {
	return Base().Named(component).Sugar()
}

type ctxKey struct{}

// Into stashes a component logger on ctx for handlers that want ambient
// logging without threading an extra parameter through every call.
func Into(ctx context.Context, log *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// From retrieves the logger stashed by Into, falling back to a generic
// "sealmsg" logger if none was set.
func From(ctx context.Context) *zap.SugaredLogger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.SugaredLogger); ok {
		return l
	}
	return Named("sealmsg")
}

// Sync flushes buffered log entries; call from main() on shutdown.
func Sync() {
	_ = Base().Sync()
}
