package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rfratto/projfs/internal/projfs"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, h Handler, mw ...Middleware) (*Dispatcher, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()

	var events, errs bytes.Buffer
	d, err := New(nil, Options{
		Handler:    h,
		Middleware: mw,
		Log:        NewEventLog(&events, &errs),
	})
	require.NoError(t, err)
	return d, &events, &errs
}

func failing(code projfs.Error) Handler {
	return HandlerFunc(func(context.Context, *projfs.Event) error { return code })
}

func TestDispatcher_RequiresHandler(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
}

func TestDispatcher_Proceed(t *testing.T) {
	d, events, errs := newTestDispatcher(t, NopHandler{})

	for _, k := range projfs.Kinds {
		require.True(t, d.Dispatch(context.Background(), k, "d1").Proceed())
	}
	require.Equal(t, "create_file d1\ncreate_dir d1\ndelete_file d1\ndelete_dir d1\npopulate_dir d1\nrename d1\n", events.String())
	require.Empty(t, errs.String())
}

func TestDispatcher_Policy(t *testing.T) {
	tt := []struct {
		kind    projfs.Kind
		proceed bool
	}{
		{projfs.KindCreateFile, true},
		{projfs.KindCreateDir, true},
		{projfs.KindPopulateDir, true},
		{projfs.KindRename, true},
		{projfs.KindDeleteFile, false},
		{projfs.KindDeleteDir, false},
	}

	for _, tc := range tt {
		t.Run(string(tc.kind), func(t *testing.T) {
			d, events, errs := newTestDispatcher(t, failing(projfs.ErrorNoMemory))

			dec := d.Dispatch(context.Background(), tc.kind, "f1.txt")
			require.Equal(t, tc.proceed, dec.Proceed())
			if !tc.proceed {
				require.ErrorIs(t, dec.Err(), projfs.ErrorNoMemory)
			}

			require.Equal(t, string(tc.kind)+" f1.txt\n", events.String())
			require.Equal(t, "ENOMEM "+string(tc.kind)+" f1.txt\n", errs.String())
		})
	}
}

func TestDispatcher_UntypedError(t *testing.T) {
	h := HandlerFunc(func(context.Context, *projfs.Event) error { return errors.New("something broke") })
	d, _, errs := newTestDispatcher(t, h)

	dec := d.Dispatch(context.Background(), projfs.KindDeleteDir, "d1")
	require.Equal(t, projfs.ErrorIO, dec.Code)
	require.Equal(t, "EIO delete_dir d1\n", errs.String())
}

func TestDispatcher_ZeroCodeError(t *testing.T) {
	for _, inner := range []error{projfs.Error(0), syscall.Errno(0)} {
		h := HandlerFunc(func(context.Context, *projfs.Event) error { return fmt.Errorf("handler: %w", inner) })
		d, _, errs := newTestDispatcher(t, h)

		dec := d.Dispatch(context.Background(), projfs.KindDeleteFile, "f1.txt")
		require.Equal(t, projfs.Deny(projfs.ErrorIO), dec)
		require.Equal(t, "EIO delete_file f1.txt\n", errs.String())
	}
}

func TestDispatcher_DispatchEvent(t *testing.T) {
	var got *projfs.Event
	h := HandlerFunc(func(_ context.Context, ev *projfs.Event) error {
		got = ev
		return projfs.ErrorNoMemory
	})
	d, events, errs := newTestDispatcher(t, h)

	ev := projfs.NewEvent(projfs.KindRename, "d1/a.txt", projfs.Caller{})
	ev.Target = "d2/b.txt"
	require.True(t, d.DispatchEvent(context.Background(), ev).Proceed())
	require.Equal(t, "d2/b.txt", got.Target)
	require.Equal(t, "rename d1/a.txt\n", events.String())
	require.Equal(t, "ENOMEM rename d1/a.txt\n", errs.String())
}

func TestDispatcher_Panic(t *testing.T) {
	h := HandlerFunc(func(context.Context, *projfs.Event) error { panic("boom") })
	d, _, errs := newTestDispatcher(t, h)

	dec := d.Dispatch(context.Background(), projfs.KindDeleteFile, "f1.txt")
	require.Equal(t, projfs.ErrorIO, dec.Code)
	require.Equal(t, "EIO delete_file f1.txt\n", errs.String())
}

func TestDispatcher_CleansPath(t *testing.T) {
	d, events, _ := newTestDispatcher(t, NopHandler{})

	d.Dispatch(context.Background(), projfs.KindCreateDir, "/a//b/../c")
	d.Dispatch(context.Background(), projfs.KindPopulateDir, "")
	require.Equal(t, "create_dir a/c\npopulate_dir .\n", events.String())
}

func TestDispatcher_Caller(t *testing.T) {
	var got projfs.Caller
	h := HandlerFunc(func(_ context.Context, ev *projfs.Event) error {
		got = ev.Caller
		return nil
	})
	d, _, _ := newTestDispatcher(t, h)

	ctx := projfs.WithCaller(context.Background(), projfs.Caller{PID: 42, Name: "ls"})
	d.Dispatch(ctx, projfs.KindPopulateDir, "d1")
	require.Equal(t, projfs.Caller{PID: 42, Name: "ls"}, got)
}

func TestDispatcher_Middleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	mm := NewMetricsMiddleware(reg)

	d, _, _ := newTestDispatcher(t, failing(projfs.ErrorNoMemory), NewLoggingMiddleware(nil), mm)
	d.Dispatch(context.Background(), projfs.KindCreateDir, "d1")
	d.Dispatch(context.Background(), projfs.KindCreateDir, "d2")

	events := mm.(*metricsMiddleware).events
	require.Equal(t, 2.0, testutil.ToFloat64(events.WithLabelValues("create_dir", "ENOMEM")))
}
