//go:build linux

package fuse

import (
	"context"
	"path"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rfratto/projfs/internal/projfs"
	"github.com/rfratto/projfs/internal/projfs/engine"
)

// node is a loopback node whose namespace-changing operations are routed
// through an Engine. Everything else (lookup, reads, writes, attributes) is
// served by the embedded loopback node directly.
type node struct {
	gofuse.LoopbackNode

	log    log.Logger
	engine *engine.Engine
}

var (
	_ gofuse.InodeEmbedder = (*node)(nil)
	_ gofuse.NodeMkdirer   = (*node)(nil)
	_ gofuse.NodeCreater   = (*node)(nil)
	_ gofuse.NodeUnlinker  = (*node)(nil)
	_ gofuse.NodeRmdirer   = (*node)(nil)
	_ gofuse.NodeReaddirer = (*node)(nil)
	_ gofuse.NodeRenamer   = (*node)(nil)
)

// newNodeFunc returns a constructor for LoopbackRoot.NewNode so that every
// child created by the loopback code is also a node.
func newNodeFunc(l log.Logger, e *engine.Engine) func(*gofuse.LoopbackRoot, *gofuse.Inode, string, *syscall.Stat_t) gofuse.InodeEmbedder {
	return func(rootData *gofuse.LoopbackRoot, _ *gofuse.Inode, _ string, _ *syscall.Stat_t) gofuse.InodeEmbedder {
		return &node{
			LoopbackNode: gofuse.LoopbackNode{RootData: rootData},
			log:          l,
			engine:       e,
		}
	}
}

// relPath returns the mount-relative path of the node, "." for the root.
func (n *node) relPath() string {
	return projfs.CleanPath(n.Path(n.Root()))
}

func (n *node) childPath(name string) string {
	return projfs.CleanPath(path.Join(n.relPath(), name))
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	var child *gofuse.Inode
	err := n.engine.Do(withCaller(ctx), projfs.OpCreateDir, n.childPath(name), func() error {
		var errno syscall.Errno
		child, errno = n.LoopbackNode.Mkdir(ctx, name, mode, out)
		return errnoError(errno)
	})
	if err != nil {
		return nil, n.toErrno(projfs.OpCreateDir, name, err)
	}
	return child, gofuse.OK
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	var (
		child     *gofuse.Inode
		fh        gofuse.FileHandle
		fuseFlags uint32
	)
	err := n.engine.Do(withCaller(ctx), projfs.OpCreateFile, n.childPath(name), func() error {
		var errno syscall.Errno
		child, fh, fuseFlags, errno = n.LoopbackNode.Create(ctx, name, flags, mode, out)
		return errnoError(errno)
	})
	if err != nil {
		return nil, nil, 0, n.toErrno(projfs.OpCreateFile, name, err)
	}
	return child, fh, fuseFlags, gofuse.OK
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	err := n.engine.Do(withCaller(ctx), projfs.OpDeleteFile, n.childPath(name), func() error {
		return errnoError(n.LoopbackNode.Unlink(ctx, name))
	})
	return n.toErrno(projfs.OpDeleteFile, name, err)
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	err := n.engine.Do(withCaller(ctx), projfs.OpDeleteDir, n.childPath(name), func() error {
		return errnoError(n.LoopbackNode.Rmdir(ctx, name))
	})
	return n.toErrno(projfs.OpDeleteDir, name, err)
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	var ds gofuse.DirStream
	err := n.engine.Do(withCaller(ctx), projfs.OpEnumerateDir, n.relPath(), func() error {
		var errno syscall.Errno
		ds, errno = n.LoopbackNode.Readdir(ctx)
		return errnoError(errno)
	})
	if err != nil {
		return nil, n.toErrno(projfs.OpEnumerateDir, ".", err)
	}
	return ds, gofuse.OK
}

func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	var (
		target = projfs.CleanPath(path.Join(newParent.EmbeddedInode().Path(n.Root()), newName))
		isDir  bool
	)
	if ch := n.GetChild(name); ch != nil {
		isDir = ch.StableAttr().Mode&syscall.S_IFMT == syscall.S_IFDIR
	}
	err := n.engine.Rename(withCaller(ctx), n.childPath(name), target, isDir, func() error {
		return errnoError(n.LoopbackNode.Rename(ctx, name, newParent, newName, flags))
	})
	return n.toErrno(projfs.OpRename, name, err)
}

func (n *node) toErrno(op projfs.Op, name string, err error) syscall.Errno {
	if err == nil {
		return gofuse.OK
	}
	code := projfs.ErrorFor(err)
	if code == projfs.ErrorIO {
		level.Debug(n.log).Log("msg", "operation failed", "op", op, "dir", n.relPath(), "name", name, "err", err)
	}
	return code.Errno()
}

// errnoError converts a loopback errno into an error, mapping OK to nil.
func errnoError(errno syscall.Errno) error {
	if errno == gofuse.OK {
		return nil
	}
	return errno
}
