//go:build linux

// Package fuse exposes an Engine to the kernel as a FUSE mount. The mount
// mirrors a lower directory; creations, deletions and directory enumeration
// are routed through the Engine before or after being applied to the lower
// directory.
package fuse

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rfratto/projfs/internal/projfs/engine"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted. It is
	// created if it does not exist.
	Mountpoint string

	// LowerDir is the directory backing the mount. Required.
	LowerDir string

	// Engine receives intercepted operations. Required.
	Engine *engine.Engine

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Debug logs every FUSE request and response from go-fuse.
	Debug bool
}

// Mount mounts the lower directory at the configured mountpoint. The caller
// must call Unmount on the returned Server when done.
func Mount(l log.Logger, o Options) (*fuse.Server, error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	switch {
	case o.Mountpoint == "":
		return nil, errors.New("mountpoint is required")
	case o.LowerDir == "":
		return nil, errors.New("lower directory is required")
	case o.Engine == nil:
		return nil, errors.New("engine is required")
	}

	var st syscall.Stat_t
	if err := syscall.Stat(o.LowerDir, &st); err != nil {
		return nil, fmt.Errorf("stat lower directory %s: %w", o.LowerDir, err)
	}
	if st.Mode&syscall.S_IFMT != syscall.S_IFDIR {
		return nil, fmt.Errorf("lower directory %s is not a directory", o.LowerDir)
	}
	if err := os.MkdirAll(o.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", o.Mountpoint, err)
	}

	rootData := &gofuse.LoopbackRoot{
		Path:    o.LowerDir,
		Dev:     uint64(st.Dev),
		NewNode: newNodeFunc(l, o.Engine),
	}
	root := rootData.NewNode(rootData, nil, "", &st)
	rootData.RootNode = root

	server, err := gofuse.Mount(o.Mountpoint, root, &gofuse.Options{
		MountOptions: fuse.MountOptions{
			FsName:     o.LowerDir,
			Name:       "projfs",
			AllowOther: o.AllowOther,
			Debug:      o.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", o.Mountpoint, err)
	}

	level.Info(l).Log("msg", "projected filesystem mounted", "lower", o.LowerDir, "mountpoint", o.Mountpoint)
	return server, nil
}
