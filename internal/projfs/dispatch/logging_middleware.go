package dispatch

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/projfs/internal/projfs"
)

// NewLoggingMiddleware returns a middleware which logs every event at debug
// level.
func NewLoggingMiddleware(l log.Logger) Middleware {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &loggingMiddleware{l: l}
}

type loggingMiddleware struct {
	l log.Logger
}

func (lm *loggingMiddleware) HandleEvent(ctx context.Context, ev *projfs.Event, invoker Invoker) error {
	start := time.Now()
	level.Debug(lm.l).Log("msg", "dispatching event", "kind", ev.Kind, "path", ev.Path, "target", ev.Target, "pid", ev.Caller.PID, "process", ev.Caller.Name)
	err := invoker(ctx, ev)
	level.Debug(lm.l).Log("msg", "handled event", "kind", ev.Kind, "path", ev.Path, "duration", time.Since(start), "err", err)
	return err
}
