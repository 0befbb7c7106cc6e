package dispatch

import (
	"context"

	"github.com/rfratto/projfs/internal/projfs"
)

// Handler receives events from a projected filesystem. Each method is
// invoked while the path lock of the event's path is held, so calls for the
// same path never overlap. Calls for different paths may run concurrently.
//
// Returning a non-nil error reports a failure for the event. Errors are
// converted into errnos with projfs.ErrorFor; return a projfs.Error to pick
// the errno explicitly.
type Handler interface {
	CreateFile(ctx context.Context, ev *projfs.Event) error
	CreateDir(ctx context.Context, ev *projfs.Event) error
	DeleteFile(ctx context.Context, ev *projfs.Event) error
	DeleteDir(ctx context.Context, ev *projfs.Event) error
	PopulateDir(ctx context.Context, ev *projfs.Event) error
	Rename(ctx context.Context, ev *projfs.Event) error
}

// NopHandler implements Handler and accepts every event.
type NopHandler struct{}

var _ Handler = NopHandler{}

func (NopHandler) CreateFile(context.Context, *projfs.Event) error  { return nil }
func (NopHandler) CreateDir(context.Context, *projfs.Event) error   { return nil }
func (NopHandler) DeleteFile(context.Context, *projfs.Event) error  { return nil }
func (NopHandler) DeleteDir(context.Context, *projfs.Event) error   { return nil }
func (NopHandler) PopulateDir(context.Context, *projfs.Event) error { return nil }
func (NopHandler) Rename(context.Context, *projfs.Event) error      { return nil }

// HandlerFunc is a single function which implements Handler for every event
// kind.
type HandlerFunc func(ctx context.Context, ev *projfs.Event) error

var _ Handler = HandlerFunc(nil)

func (f HandlerFunc) CreateFile(ctx context.Context, ev *projfs.Event) error  { return f(ctx, ev) }
func (f HandlerFunc) CreateDir(ctx context.Context, ev *projfs.Event) error   { return f(ctx, ev) }
func (f HandlerFunc) DeleteFile(ctx context.Context, ev *projfs.Event) error  { return f(ctx, ev) }
func (f HandlerFunc) DeleteDir(ctx context.Context, ev *projfs.Event) error   { return f(ctx, ev) }
func (f HandlerFunc) PopulateDir(ctx context.Context, ev *projfs.Event) error { return f(ctx, ev) }
func (f HandlerFunc) Rename(ctx context.Context, ev *projfs.Event) error      { return f(ctx, ev) }
