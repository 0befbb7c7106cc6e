//go:build linux

package fuse

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/rfratto/projfs/internal/projfs"
	"github.com/rfratto/projfs/internal/projfs/dispatch"
	"github.com/rfratto/projfs/internal/projfs/engine"
	"github.com/stretchr/testify/require"
)

// fuseAvailable skips the test when /dev/fuse is absent.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

type lockedBuffer struct {
	mut sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.String()
}

type testMount struct {
	lower, mountpoint string
	events, errors    *lockedBuffer
	engine            *engine.Engine
}

func mountTest(t *testing.T, rules ...dispatch.Rule) *testMount {
	t.Helper()
	fuseAvailable(t)

	root := t.TempDir()
	tm := &testMount{
		lower:      filepath.Join(root, "lower"),
		mountpoint: filepath.Join(root, "mnt"),
		events:     &lockedBuffer{},
		errors:     &lockedBuffer{},
	}
	require.NoError(t, os.Mkdir(tm.lower, 0o755))

	h, err := dispatch.NewScriptedHandler(nil, rules)
	require.NoError(t, err)

	tm.engine, err = engine.New(nil, engine.Options{
		Handler:  h,
		EventLog: tm.events,
		ErrorLog: tm.errors,
	})
	require.NoError(t, err)

	server, err := Mount(nil, Options{
		Mountpoint: tm.mountpoint,
		LowerDir:   tm.lower,
		Engine:     tm.engine,
	})
	if err != nil {
		t.Skipf("skipping: mount failed: %v", err)
	}
	t.Cleanup(func() {
		require.NoError(t, server.Unmount())
	})
	return tm
}

func TestMount_CreateNotifies(t *testing.T) {
	tm := mountTest(t, dispatch.Rule{Kind: projfs.KindCreateDir, Error: projfs.ErrorNoMemory})

	require.NoError(t, os.Mkdir(filepath.Join(tm.mountpoint, "d1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tm.mountpoint, "f1.txt"), []byte("hi"), 0o644))

	_, err := os.Stat(filepath.Join(tm.lower, "d1"))
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(tm.lower, "f1.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(data))

	require.Contains(t, tm.events.String(), "create_dir d1\n")
	require.Contains(t, tm.events.String(), "create_file f1.txt\n")
	require.Equal(t, "ENOMEM create_dir d1\n", tm.errors.String())
}

func TestMount_DeleteGated(t *testing.T) {
	tm := mountTest(t, dispatch.Rule{Kind: projfs.KindDeleteFile, Path: "keep/*", Error: projfs.ErrorNoMemory})

	require.NoError(t, os.Mkdir(filepath.Join(tm.lower, "keep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tm.lower, "keep", "f1.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tm.lower, "gone.txt"), nil, 0o644))

	err := os.Remove(filepath.Join(tm.mountpoint, "keep", "f1.txt"))
	require.True(t, errors.Is(err, syscall.ENOMEM), "unexpected error %v", err)
	_, err = os.Stat(filepath.Join(tm.lower, "keep", "f1.txt"))
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(tm.mountpoint, "gone.txt")))
	_, err = os.Stat(filepath.Join(tm.lower, "gone.txt"))
	require.True(t, os.IsNotExist(err))

	require.Equal(t, "ENOMEM delete_file keep/f1.txt\n", tm.errors.String())
}

func TestMount_PopulateOnce(t *testing.T) {
	tm := mountTest(t)

	require.NoError(t, os.Mkdir(filepath.Join(tm.lower, "d1"), 0o755))
	for i := 0; i < 3; i++ {
		_, err := os.ReadDir(filepath.Join(tm.mountpoint, "d1"))
		require.NoError(t, err)
	}

	var populates int
	for _, line := range bytes.Split([]byte(tm.events.String()), []byte("\n")) {
		if string(line) == "populate_dir d1" {
			populates++
		}
	}
	require.Equal(t, 1, populates)
}

func TestMount_RenameNotifies(t *testing.T) {
	tm := mountTest(t, dispatch.Rule{Kind: projfs.KindRename, Error: projfs.ErrorNoMemory})

	require.NoError(t, os.Mkdir(filepath.Join(tm.lower, "d1"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(tm.lower, "d2"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tm.lower, "d1", "a.txt"), nil, 0o644))

	require.NoError(t, os.Rename(filepath.Join(tm.mountpoint, "d1", "a.txt"), filepath.Join(tm.mountpoint, "d2", "b.txt")))
	_, err := os.Stat(filepath.Join(tm.lower, "d2", "b.txt"))
	require.NoError(t, err)

	require.Contains(t, tm.events.String(), "rename d1/a.txt\n")
	require.Equal(t, "ENOMEM rename d1/a.txt\n", tm.errors.String())
}
