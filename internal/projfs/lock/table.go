// Package lock implements a table of per-path mutexes. Waiters for a path
// are granted the lock in arrival order and give up after a timeout.
package lock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/atomic"
)

var (
	// ErrTimeout is returned by Acquire when the lock could not be obtained
	// before the timeout.
	ErrTimeout = errors.New("timed out waiting for path lock")

	// ErrNotHeld is returned when releasing a Guard which does not hold its
	// path. Callers must treat this as a broken locking invariant.
	ErrNotHeld = errors.New("path lock not held")
)

const numShards = 64

// Table is a set of path locks. Entries exist only while a path is held or
// waited on. The zero value is not usable; call New.
type Table struct {
	shards [numShards]shard
	ticket atomic.Uint64
	now    func() time.Time
}

type shard struct {
	mut     sync.Mutex
	entries map[string]*entry
}

type entry struct {
	holder   uint64
	acquired time.Time
	waiters  []*waiter
}

type waiter struct {
	ticket uint64
	ready  chan struct{}
}

// New creates an empty Table.
func New() *Table {
	t := &Table{now: time.Now}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*entry)
	}
	return t
}

func (t *Table) shardFor(path string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return &t.shards[h.Sum32()%numShards]
}

// Acquire locks path. If path is held by someone else, Acquire waits in FIFO
// order for up to timeout. A timeout <= 0 fails immediately when path is
// held.
//
// When the wait ends because of the timeout, the returned error wraps
// ErrTimeout. When ctx is canceled first, it wraps ctx.Err(). In both cases
// the caller is no longer queued when Acquire returns.
func (t *Table) Acquire(ctx context.Context, path string, timeout time.Duration) (*Guard, error) {
	s := t.shardFor(path)
	ticket := t.ticket.Inc()

	s.mut.Lock()
	e, ok := s.entries[path]
	if !ok {
		e = &entry{}
		s.entries[path] = e
	}
	if e.holder == 0 {
		e.holder = ticket
		e.acquired = t.now()
		s.mut.Unlock()
		return &Guard{t: t, path: path, ticket: ticket}, nil
	}
	if timeout <= 0 {
		s.mut.Unlock()
		return nil, fmt.Errorf("%q: %w", path, ErrTimeout)
	}

	w := &waiter{ticket: ticket, ready: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	s.mut.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case <-w.ready:
		return &Guard{t: t, path: path, ticket: ticket}, nil
	case <-timer.C:
		cause = ErrTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	s.mut.Lock()
	defer s.mut.Unlock()

	// The lock may have been handed to us while we were giving up. Ownership
	// has already been transferred, so keep it.
	select {
	case <-w.ready:
		return &Guard{t: t, path: path, ticket: ticket}, nil
	default:
	}

	e.removeWaiter(w)
	if e.idle() {
		delete(s.entries, path)
	}
	return nil, fmt.Errorf("%q: %w", path, cause)
}

func (e *entry) removeWaiter(w *waiter) {
	for i, cand := range e.waiters {
		if cand != w {
			continue
		}
		copy(e.waiters[i:], e.waiters[i+1:])
		e.waiters[len(e.waiters)-1] = nil
		e.waiters = e.waiters[:len(e.waiters)-1]
		return
	}
}

func (e *entry) idle() bool { return e.holder == 0 && len(e.waiters) == 0 }

func (t *Table) release(path string, ticket uint64) error {
	s := t.shardFor(path)
	s.mut.Lock()
	defer s.mut.Unlock()

	e, ok := s.entries[path]
	if !ok || e.holder != ticket {
		return fmt.Errorf("%q: %w", path, ErrNotHeld)
	}

	if len(e.waiters) == 0 {
		delete(s.entries, path)
		return nil
	}

	next := e.waiters[0]
	e.waiters[0] = nil
	e.waiters = e.waiters[1:]
	e.holder = next.ticket
	e.acquired = t.now()
	close(next.ready)
	return nil
}

// Len returns the number of paths currently held or waited on.
func (t *Table) Len() int {
	var n int
	for i := range t.shards {
		s := &t.shards[i]
		s.mut.Lock()
		n += len(s.entries)
		s.mut.Unlock()
	}
	return n
}

// Waiters returns the number of callers queued for path, excluding the
// holder.
func (t *Table) Waiters(path string) int {
	s := t.shardFor(path)
	s.mut.Lock()
	defer s.mut.Unlock()
	if e, ok := s.entries[path]; ok {
		return len(e.waiters)
	}
	return 0
}

// HeldSince returns when path was last granted. ok is false if path is not
// held.
func (t *Table) HeldSince(path string) (since time.Time, ok bool) {
	s := t.shardFor(path)
	s.mut.Lock()
	defer s.mut.Unlock()
	if e, found := s.entries[path]; found && e.holder != 0 {
		return e.acquired, true
	}
	return time.Time{}, false
}

// Guard is a held path lock. Release must be called exactly once.
type Guard struct {
	t        *Table
	path     string
	ticket   uint64
	released atomic.Bool
}

// Path returns the locked path.
func (g *Guard) Path() string { return g.path }

// Release unlocks the path, handing it to the next waiter if there is one.
// Releasing a Guard twice returns an error wrapping ErrNotHeld.
func (g *Guard) Release() error {
	if !g.released.CAS(false, true) {
		return fmt.Errorf("%q released twice: %w", g.path, ErrNotHeld)
	}
	return g.t.release(g.path, g.ticket)
}
