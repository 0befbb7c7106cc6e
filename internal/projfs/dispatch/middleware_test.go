package dispatch

import (
	"context"
	"testing"

	"github.com/rfratto/projfs/internal/projfs"
	"github.com/stretchr/testify/require"
)

func TestChainMiddleware(t *testing.T) {
	var order []string

	record := func(name string) Middleware {
		return FuncMiddleware(func(ctx context.Context, ev *projfs.Event, i Invoker) error {
			order = append(order, name)
			return i(ctx, ev)
		})
	}

	mw := []Middleware{record("a"), record("b"), record("c")}
	invoker := func(context.Context, *projfs.Event) error {
		order = append(order, "handler")
		return nil
	}

	err := chainMiddleware(mw).HandleEvent(context.Background(), nil, invoker)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "handler"}, order)
}

func TestChainMiddleware_Empty(t *testing.T) {
	var called bool

	invoker := func(context.Context, *projfs.Event) error {
		called = true
		return nil
	}

	require.NoError(t, chainMiddleware(nil).HandleEvent(context.Background(), nil, invoker))
	require.True(t, called)
}

func TestChainMiddleware_ShortCircuit(t *testing.T) {
	var called bool

	mw := []Middleware{
		FuncMiddleware(func(context.Context, *projfs.Event, Invoker) error {
			return projfs.ErrorNoMemory
		}),
	}
	invoker := func(context.Context, *projfs.Event) error {
		called = true
		return nil
	}

	err := chainMiddleware(mw).HandleEvent(context.Background(), nil, invoker)
	require.ErrorIs(t, err, projfs.ErrorNoMemory)
	require.False(t, called)
}

func TestHandlerInvoker(t *testing.T) {
	var got []projfs.Kind
	h := HandlerFunc(func(_ context.Context, ev *projfs.Event) error {
		got = append(got, ev.Kind)
		return nil
	})

	invoke := handlerInvoker(h)
	for _, k := range projfs.Kinds {
		require.NoError(t, invoke(context.Background(), projfs.NewEvent(k, "p", projfs.Caller{})))
	}
	require.Equal(t, projfs.Kinds, got)

	err := invoke(context.Background(), &projfs.Event{Kind: "truncate"})
	require.ErrorIs(t, err, projfs.ErrorUnimplemented)
}
