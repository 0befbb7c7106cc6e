package lock

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

func TestTable_AcquireFree(t *testing.T) {
	tbl := New()

	g, err := tbl.Acquire(context.Background(), "a", 0)
	require.NoError(t, err)
	require.Equal(t, "a", g.Path())
	require.Equal(t, 1, tbl.Len())

	_, held := tbl.HeldSince("a")
	require.True(t, held)

	require.NoError(t, g.Release())
	require.Equal(t, 0, tbl.Len(), "idle entries should be removed")
}

func TestTable_DisjointPaths(t *testing.T) {
	tbl := New()

	a, err := tbl.Acquire(context.Background(), "a", 0)
	require.NoError(t, err)
	defer a.Release()

	// A held path must not block a different one, even with no wait allowed.
	b, err := tbl.Acquire(context.Background(), "b", 0)
	require.NoError(t, err)
	require.NoError(t, b.Release())
}

func TestTable_Timeout(t *testing.T) {
	tbl := New()

	holder, err := tbl.Acquire(context.Background(), "a", 0)
	require.NoError(t, err)

	start := time.Now()
	_, err = tbl.Acquire(context.Background(), "a", 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, 0, tbl.Waiters("a"), "timed out waiter must leave the queue")

	require.NoError(t, holder.Release())
	require.Equal(t, 0, tbl.Len())
}

func TestTable_TryLock(t *testing.T) {
	tbl := New()

	holder, err := tbl.Acquire(context.Background(), "a", 0)
	require.NoError(t, err)
	defer holder.Release()

	_, err = tbl.Acquire(context.Background(), "a", 0)
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, 0, tbl.Waiters("a"))
}

func TestTable_ContextCanceled(t *testing.T) {
	tbl := New()

	holder, err := tbl.Acquire(context.Background(), "a", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := tbl.Acquire(ctx, "a", time.Minute)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return tbl.Waiters("a") == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.Equal(t, 0, tbl.Waiters("a"))

	require.NoError(t, holder.Release())
	require.Equal(t, 0, tbl.Len())
}

func TestTable_FIFO(t *testing.T) {
	tbl := New()

	holder, err := tbl.Acquire(context.Background(), "a", 0)
	require.NoError(t, err)

	var (
		mut   sync.Mutex
		order []int
		wg    sync.WaitGroup
	)

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := tbl.Acquire(context.Background(), "a", time.Minute)
			if err != nil {
				panic(err)
			}
			mut.Lock()
			order = append(order, i)
			mut.Unlock()
			_ = g.Release()
		}()

		// Wait for the goroutine to enqueue before starting the next one so
		// arrival order is deterministic.
		require.Eventually(t, func() bool { return tbl.Waiters("a") == i+1 }, time.Second, time.Millisecond)
	}

	require.NoError(t, holder.Release())
	wg.Wait()

	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
	require.Equal(t, 0, tbl.Len())
}

func TestTable_TimeoutKeepsQueueOrder(t *testing.T) {
	tbl := New()

	holder, err := tbl.Acquire(context.Background(), "a", 0)
	require.NoError(t, err)

	granted := make(chan struct{})
	go func() {
		g, err := tbl.Acquire(context.Background(), "a", time.Minute)
		if err == nil {
			close(granted)
			_ = g.Release()
		}
	}()
	require.Eventually(t, func() bool { return tbl.Waiters("a") == 1 }, time.Second, time.Millisecond)

	// A second waiter gives up; the first one must still be granted.
	_, err = tbl.Acquire(context.Background(), "a", 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, 1, tbl.Waiters("a"))

	require.NoError(t, holder.Release())
	select {
	case <-granted:
	case <-time.After(time.Second):
		require.FailNow(t, "queued waiter was not granted")
	}
}

func TestTable_DoubleRelease(t *testing.T) {
	tbl := New()

	g, err := tbl.Acquire(context.Background(), "a", 0)
	require.NoError(t, err)
	require.NoError(t, g.Release())
	require.ErrorIs(t, g.Release(), ErrNotHeld)
}

func TestTable_ForeignRelease(t *testing.T) {
	tbl := New()

	g, err := tbl.Acquire(context.Background(), "a", 0)
	require.NoError(t, err)

	forged := &Guard{t: tbl, path: "a", ticket: g.ticket + 100}
	require.ErrorIs(t, forged.Release(), ErrNotHeld)
	require.NoError(t, g.Release())
}

func TestTable_MutualExclusion(t *testing.T) {
	tbl := New()

	var (
		inside  [4]atomic.Int32
		overlap atomic.Bool
	)

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		idx := i % 4
		path := fmt.Sprintf("p%d", idx)
		g.Go(func() error {
			guard, err := tbl.Acquire(context.Background(), path, 10*time.Second)
			if err != nil {
				return err
			}
			defer guard.Release()

			if inside[idx].Inc() > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			inside[idx].Dec()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.False(t, overlap.Load(), "two holders for the same path")
	require.Equal(t, 0, tbl.Len())
}
