package dispatch

import (
	"context"
	"fmt"

	"github.com/rfratto/projfs/internal/projfs"
)

// Middleware hooks into events before they reach a Handler.
type Middleware interface {
	// HandleEvent handles an individual event. Implementations call invoker
	// to pass the event down the chain.
	HandleEvent(ctx context.Context, ev *projfs.Event, invoker Invoker) error
}

// Invoker is called by Middleware to complete events.
type Invoker func(ctx context.Context, ev *projfs.Event) error

// FuncMiddleware is a function that implements Middleware.
type FuncMiddleware func(ctx context.Context, ev *projfs.Event, i Invoker) error

func (f FuncMiddleware) HandleEvent(ctx context.Context, ev *projfs.Event, i Invoker) error {
	return f(ctx, ev, i)
}

// Invoke calls the method of h matching ev.Kind.
func Invoke(ctx context.Context, h Handler, ev *projfs.Event) error {
	return handlerInvoker(h)(ctx, ev)
}

// handlerInvoker converts h into an Invoker.
func handlerInvoker(h Handler) Invoker {
	return func(ctx context.Context, ev *projfs.Event) error {
		switch ev.Kind {
		case projfs.KindCreateFile:
			return h.CreateFile(ctx, ev)
		case projfs.KindCreateDir:
			return h.CreateDir(ctx, ev)
		case projfs.KindDeleteFile:
			return h.DeleteFile(ctx, ev)
		case projfs.KindDeleteDir:
			return h.DeleteDir(ctx, ev)
		case projfs.KindPopulateDir:
			return h.PopulateDir(ctx, ev)
		case projfs.KindRename:
			return h.Rename(ctx, ev)
		default:
			return fmt.Errorf("unexpected event kind %q: %w", ev.Kind, projfs.ErrorUnimplemented)
		}
	}
}

type chainMiddleware []Middleware

func (c chainMiddleware) HandleEvent(ctx context.Context, ev *projfs.Event, invoker Invoker) error {
	if len(c) == 0 {
		return invoker(ctx, ev)
	}

	var (
		index        int
		chainInvoker Invoker
	)

	chainInvoker = func(ctx context.Context, ev *projfs.Event) error {
		mw := c[index]
		index++

		var next Invoker
		if index == len(c) {
			next = invoker
		} else {
			next = chainInvoker
		}

		return mw.HandleEvent(ctx, ev, next)
	}
	return chainInvoker(ctx, ev)
}
