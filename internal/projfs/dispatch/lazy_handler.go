package dispatch

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rfratto/projfs/internal/projfs"
)

// LazyHandler is a Handler which allows to defer setting of the real Handler
// implementation. The zero value is ready for use.
//
// While no Handler is set, events go to Default. If Default is also nil,
// events fail with ErrorUnavailable.
type LazyHandler struct {
	// Default receives events while no Handler is set.
	Default Handler

	mut    sync.RWMutex
	cur    *handlerGen
	closed bool
}

// handlerGen is one value of the inner handler slot. inflight counts events
// which picked this generation.
type handlerGen struct {
	h        Handler
	inflight sync.WaitGroup
}

var (
	_ Handler   = (*LazyHandler)(nil)
	_ io.Closer = (*LazyHandler)(nil)
)

// SetHandler configures LazyHandler to forward events to h. Passing nil
// reverts to Default. SetHandler may not be called after LazyHandler has
// been closed.
//
// SetHandler returns once in-flight events to the previous handler finish.
// Events which start in the meantime go to h without waiting.
func (lh *LazyHandler) SetHandler(h Handler) error {
	lh.mut.Lock()
	if lh.closed {
		lh.mut.Unlock()
		return fmt.Errorf("LazyHandler closed")
	}
	prev := lh.cur
	lh.cur = &handlerGen{h: h}
	lh.mut.Unlock()

	if prev != nil {
		prev.inflight.Wait()
	}
	return nil
}

// Handler returns the current inner handler, or nil.
func (lh *LazyHandler) Handler() Handler {
	lh.mut.RLock()
	defer lh.mut.RUnlock()
	if lh.cur == nil {
		return nil
	}
	return lh.cur.h
}

// Close closes the LazyHandler and the inner handler, if it implements
// io.Closer, after in-flight events finish. The returned error will be
// propagated from the inner handler.
func (lh *LazyHandler) Close() error {
	lh.mut.Lock()
	lh.closed = true
	prev := lh.cur
	lh.cur = nil
	lh.mut.Unlock()

	if prev == nil {
		return nil
	}
	prev.inflight.Wait()
	if c, ok := prev.h.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// acquire picks the handler for one event. done must be called once the
// event returns.
func (lh *LazyHandler) acquire() (h Handler, done func(), err error) {
	lh.mut.RLock()
	defer lh.mut.RUnlock()

	if lh.closed {
		return nil, nil, projfs.ErrorIO
	}

	gen := lh.cur
	if gen != nil && gen.h != nil {
		gen.inflight.Add(1)
		return gen.h, gen.inflight.Done, nil
	}
	if lh.Default == nil {
		return nil, nil, projfs.ErrorUnavailable
	}
	if gen == nil {
		return lh.Default, func() {}, nil
	}
	gen.inflight.Add(1)
	return lh.Default, gen.inflight.Done, nil
}

func (lh *LazyHandler) handle(ctx context.Context, ev *projfs.Event) error {
	h, done, err := lh.acquire()
	if err != nil {
		return err
	}
	defer done()
	return handlerInvoker(h)(ctx, ev)
}

func (lh *LazyHandler) CreateFile(ctx context.Context, ev *projfs.Event) error {
	return lh.handle(ctx, ev)
}

func (lh *LazyHandler) CreateDir(ctx context.Context, ev *projfs.Event) error {
	return lh.handle(ctx, ev)
}

func (lh *LazyHandler) DeleteFile(ctx context.Context, ev *projfs.Event) error {
	return lh.handle(ctx, ev)
}

func (lh *LazyHandler) DeleteDir(ctx context.Context, ev *projfs.Event) error {
	return lh.handle(ctx, ev)
}

func (lh *LazyHandler) PopulateDir(ctx context.Context, ev *projfs.Event) error {
	return lh.handle(ctx, ev)
}

func (lh *LazyHandler) Rename(ctx context.Context, ev *projfs.Event) error {
	return lh.handle(ctx, ev)
}
