// Package engine composes the path lock table, the projection tracker and
// the event dispatcher into the interception contract used by the kernel
// bridge.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/projfs/internal/projfs"
	"github.com/rfratto/projfs/internal/projfs/dispatch"
	"github.com/rfratto/projfs/internal/projfs/lock"
	"github.com/rfratto/projfs/internal/projfs/projection"
	"go.uber.org/atomic"
)

// DefaultLockTimeout is the default bound on waiting for a path lock.
const DefaultLockTimeout = 5 * time.Second

// ErrFatal is wrapped by every error returned once the Engine has detected a
// broken locking or projection invariant. The mount must not be used after
// that point.
var ErrFatal = errors.New("projfs engine stopped after internal invariant violation")

// Options configures an Engine.
type Options struct {
	// LockTimeout bounds how long an operation waits for the path lock held
	// by another operation. If LockTimeout is <= 0, it will obtain its
	// default from DefaultOptions.
	LockTimeout time.Duration

	// Handler receives events. Required.
	Handler dispatch.Handler

	// Middleware wraps Handler.
	Middleware []dispatch.Middleware

	// Store holds projection flags. Defaults to an in-memory store.
	Store projection.AttrStore

	// EventLog and ErrorLog receive the event and handler error lines. nil
	// discards them. They are closed by Engine.Close when they implement
	// io.Closer.
	EventLog io.Writer
	ErrorLog io.Writer

	// Registerer registers engine metrics when non-nil.
	Registerer prometheus.Registerer
}

// DefaultOptions holds default options for Engine.
var DefaultOptions = Options{
	LockTimeout: DefaultLockTimeout,
}

// Engine serializes operations per path, dispatches their events and tracks
// which directories have been populated. Engine is safe for concurrent use.
type Engine struct {
	log     log.Logger
	opts    Options
	locks   *lock.Table
	tracker *projection.Tracker
	events  *dispatch.Dispatcher
	metrics *metrics

	failed   atomic.Bool
	failOnce sync.Once
	failErr  error
	done     chan struct{}
}

// New creates an Engine.
func New(l log.Logger, o Options) (*Engine, error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultOptions.LockTimeout
	}
	if o.Store == nil {
		o.Store = &projection.MemoryStore{}
	}

	d, err := dispatch.New(l, dispatch.Options{
		Handler:    o.Handler,
		Middleware: o.Middleware,
		Log:        dispatch.NewEventLog(o.EventLog, o.ErrorLog),
	})
	if err != nil {
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}

	return &Engine{
		log:     l,
		opts:    o,
		locks:   lock.New(),
		tracker: projection.NewTracker(o.Store),
		events:  d,
		metrics: newMetrics(o.Registerer),
		done:    make(chan struct{}),
	}, nil
}

// Do runs the operation op on path. perform executes the real filesystem
// operation and is called while the path lock is held:
//
//   - Creation runs perform first and then notifies the handler. The
//     handler's outcome never fails the operation.
//   - Deletion asks the handler first; perform only runs if the handler
//     allows it, otherwise the handler's errno is returned.
//   - Enumeration dispatches a populate event and marks the directory
//     populated if it was not yet, and then runs perform.
//
// If the path lock cannot be acquired within the lock timeout, Do returns
// ErrorUnavailable without calling the handler or perform. ctx only bounds
// the wait for the path lock; once the lock is held, canceling ctx does not
// interrupt the handler call.
func (e *Engine) Do(ctx context.Context, op projfs.Op, path string, perform func() error) error {
	if op == projfs.OpRename {
		return fmt.Errorf("%s needs a target, use Rename: %w", op, projfs.ErrorInvalid)
	}
	return e.do(ctx, op, path, "", false, perform)
}

// Rename runs perform, which moves path to target, under the path lock of
// path and then notifies the handler with a rename event. Like creation,
// the handler's outcome never fails the rename.
//
// Only path is locked. An operation on target may run concurrently.
func (e *Engine) Rename(ctx context.Context, path, target string, isDir bool, perform func() error) error {
	return e.do(ctx, projfs.OpRename, path, target, isDir, perform)
}

func (e *Engine) do(ctx context.Context, op projfs.Op, path, target string, isDir bool, perform func() error) (err error) {
	if perform == nil {
		perform = func() error { return nil }
	}
	if err := e.Err(); err != nil {
		return err
	}

	path = projfs.CleanPath(path)
	g, err := e.acquire(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := g.Release(); rerr != nil {
			e.fail(rerr)
			err = e.Err()
		}
	}()

	// Handler calls run to completion once the lock is held.
	hctx := context.WithoutCancel(ctx)

	switch op {
	case projfs.OpCreateFile, projfs.OpCreateDir:
		if err := perform(); err != nil {
			return err
		}
		e.events.Dispatch(hctx, op.Kind(), path)
		return nil

	case projfs.OpRename:
		if err := perform(); err != nil {
			return err
		}
		ev := projfs.NewEvent(projfs.KindRename, path, projfs.CallerFromContext(hctx))
		ev.Target = projfs.CleanPath(target)
		ev.IsDir = isDir
		e.events.DispatchEvent(hctx, ev)
		return nil

	case projfs.OpDeleteFile, projfs.OpDeleteDir:
		if dec := e.events.Dispatch(hctx, op.Kind(), path); !dec.Proceed() {
			return dec.Err()
		}
		return perform()

	case projfs.OpEnumerateDir:
		if err := e.populate(hctx, path); err != nil {
			return err
		}
		return perform()

	default:
		return fmt.Errorf("unsupported operation %s: %w", op, projfs.ErrorUnimplemented)
	}
}

// Decide dispatches the event for op on path under the path lock and
// returns the handler's decision without performing anything. For
// enumeration, the directory is marked populated.
func (e *Engine) Decide(ctx context.Context, op projfs.Op, path string) projfs.Decision {
	var dec projfs.Decision
	err := e.Do(ctx, op, path, nil)
	if err != nil {
		dec = projfs.Deny(projfs.ErrorFor(err))
	}
	return dec
}

// populate dispatches populate_dir for dir if it has not been populated
// yet. The caller must hold the path lock for dir.
func (e *Engine) populate(ctx context.Context, dir string) error {
	populated, err := e.tracker.IsPopulated(dir)
	if err != nil {
		level.Warn(e.log).Log("msg", "failed to read projection flag", "dir", dir, "err", err)
		return fmt.Errorf("%v: %w", err, projfs.ErrorIO)
	} else if populated {
		return nil
	}

	// Populate events are notifications; enumeration continues regardless of
	// the handler's outcome.
	e.events.Dispatch(ctx, projfs.KindPopulateDir, dir)

	if err := e.tracker.MarkPopulated(dir); errors.Is(err, projection.ErrAlreadyPopulated) {
		e.fail(err)
		return e.Err()
	} else if err != nil {
		level.Warn(e.log).Log("msg", "failed to write projection flag", "dir", dir, "err", err)
		return fmt.Errorf("%v: %w", err, projfs.ErrorIO)
	}
	return nil
}

// ResetProjection clears the projection flag of dir so the next enumeration
// dispatches populate_dir again.
func (e *Engine) ResetProjection(ctx context.Context, dir string) error {
	if err := e.Err(); err != nil {
		return err
	}

	dir = projfs.CleanPath(dir)
	g, err := e.acquire(ctx, dir)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := g.Release(); rerr != nil {
			e.fail(rerr)
		}
	}()
	return e.tracker.Reset(dir)
}

// IsPopulated reports whether dir is currently marked populated.
func (e *Engine) IsPopulated(dir string) (bool, error) {
	return e.tracker.IsPopulated(projfs.CleanPath(dir))
}

func (e *Engine) acquire(ctx context.Context, path string) (*lock.Guard, error) {
	start := time.Now()
	g, err := e.locks.Acquire(ctx, path, e.opts.LockTimeout)
	e.metrics.lockWait.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, lock.ErrTimeout):
		e.metrics.lockTimeouts.Inc()
		logger := log.With(e.log, "path", path, "timeout", e.opts.LockTimeout)
		if since, held := e.locks.HeldSince(path); held {
			age := time.Since(since)
			e.metrics.holderAge.Set(age.Seconds())
			logger = log.With(logger, "held_for", age)
		}
		level.Debug(logger).Log("msg", "timed out waiting for path lock")
		return nil, fmt.Errorf("%v: %w", err, projfs.ErrorUnavailable)
	case err != nil:
		return nil, err
	}
	return g, nil
}

// fail moves the engine into its fatal state. Only the first cause is
// kept.
func (e *Engine) fail(cause error) {
	e.failOnce.Do(func() {
		level.Error(e.log).Log("msg", "internal invariant violated, refusing further operations", "err", cause)
		e.failErr = fmt.Errorf("%w: %v", ErrFatal, cause)
		e.failed.Store(true)
		e.metrics.fatal.Set(1)
		close(e.done)
	})
}

// Err returns a non-nil error wrapping ErrFatal once the Engine has stopped.
func (e *Engine) Err() error {
	if !e.failed.Load() {
		return nil
	}
	return e.failErr
}

// Done returns a channel which is closed when the Engine stops after an
// invariant violation.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Close releases the handler and event logs.
func (e *Engine) Close() error {
	var errs *multierror.Error
	for _, v := range []interface{}{e.opts.Handler, e.opts.EventLog, e.opts.ErrorLog} {
		if c, ok := v.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs.ErrorOrNil()
}
