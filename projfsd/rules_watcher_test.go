package projfsd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rfratto/projfs/internal/projfs"
	"github.com/rfratto/projfs/internal/projfs/dispatch"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestRulesWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: []\n"), 0o644))

	h, err := dispatch.NewScriptedHandler(nil, nil)
	require.NoError(t, err)

	w := newRulesWatcher(nil, path, h)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error { return w.run(ctx) })
	defer func() {
		cancel()
		require.NoError(t, g.Wait())
	}()

	ev := projfs.NewEvent(projfs.KindDeleteFile, "f1.txt", projfs.Caller{})

	// The watch is registered asynchronously; keep rewriting the file until
	// the change is seen.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("rules: [{kind: delete_file, error: ENOMEM}]\n"), 0o644)
		return h.DeleteFile(context.Background(), ev) == projfs.ErrorNoMemory
	}, 5*time.Second, 50*time.Millisecond)

	// Invalid rules are ignored.
	require.NoError(t, os.WriteFile(path, []byte("rules: [{kind: truncate}]\n"), 0o644))
	time.Sleep(100 * time.Millisecond)
	require.ErrorIs(t, h.DeleteFile(context.Background(), ev), projfs.ErrorNoMemory)
}
