// Package dispatch turns intercepted filesystem operations into events,
// passes them to a Handler and decides whether the operation may continue.
package dispatch

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/projfs/internal/projfs"
)

// Options configures a Dispatcher.
type Options struct {
	// Handler receives events. Required.
	Handler Handler

	// Middleware wraps Handler. Middleware runs in order, the first element
	// being the outermost.
	Middleware []Middleware

	// Log receives the event and error lines. If nil, lines are discarded.
	Log *EventLog
}

// Dispatcher invokes a Handler for events and applies the category policy
// to its outcome.
//
// Dispatcher does not serialize calls; callers must hold the path lock of
// the path being dispatched.
type Dispatcher struct {
	log    log.Logger
	invoke Invoker
	events *EventLog
}

// New creates a Dispatcher.
func New(l log.Logger, o Options) (*Dispatcher, error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	if o.Handler == nil {
		return nil, fmt.Errorf("Handler must be provided")
	}
	if o.Log == nil {
		o.Log = &EventLog{}
	}

	handler := handlerInvoker(o.Handler)
	chain := chainMiddleware(o.Middleware)

	return &Dispatcher{
		log: l,
		invoke: func(ctx context.Context, ev *projfs.Event) error {
			return chain.HandleEvent(ctx, ev, handler)
		},
		events: o.Log,
	}, nil
}

// Dispatch builds an event for kind and path and invokes the handler with
// it. The triggering process is read from ctx (see projfs.WithCaller).
//
// Notification events always return a proceed Decision. Gating events
// return a deny Decision carrying the handler's errno when the handler
// fails.
func (d *Dispatcher) Dispatch(ctx context.Context, kind projfs.Kind, path string) projfs.Decision {
	return d.DispatchEvent(ctx, projfs.NewEvent(kind, path, projfs.CallerFromContext(ctx)))
}

// DispatchEvent invokes the handler with an event built by the caller, for
// events carrying more than a kind and a path.
func (d *Dispatcher) DispatchEvent(ctx context.Context, ev *projfs.Event) projfs.Decision {
	if err := d.events.Event(ev); err != nil {
		level.Warn(d.log).Log("msg", "failed to write event log", "err", err)
	}

	code := projfs.ErrorFor(d.call(ctx, ev))
	if code == 0 {
		return projfs.Proceed
	}

	if err := d.events.Error(ev, code); err != nil {
		level.Warn(d.log).Log("msg", "failed to write error log", "err", err)
	}
	level.Debug(d.log).Log("msg", "handler reported error", "kind", ev.Kind, "path", ev.Path, "category", ev.Category, "err", code.Name())

	if ev.Category == projfs.CategoryGating {
		return projfs.Deny(code)
	}
	return projfs.Proceed
}

// call invokes the handler chain, converting panics into ErrorIO.
func (d *Dispatcher) call(ctx context.Context, ev *projfs.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(d.log).Log("msg", "handler panicked", "kind", ev.Kind, "path", ev.Path, "panic", fmt.Sprint(r))
			err = fmt.Errorf("handler panic: %v: %w", r, projfs.ErrorIO)
		}
	}()
	return d.invoke(ctx, ev)
}
