//go:build linux

package fuse

import (
	"context"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/prometheus/procfs"
	"github.com/rfratto/projfs/internal/projfs"
)

// withCaller attaches the process which issued the kernel request to ctx.
func withCaller(ctx context.Context) context.Context {
	c, ok := fuse.FromContext(ctx)
	if !ok || c == nil {
		return ctx
	}
	return projfs.WithCaller(ctx, projfs.Caller{
		PID:  c.Pid,
		Name: processName(c.Pid),
	})
}

// processName returns the command name of pid, or an empty string if the
// process has already exited.
func processName(pid uint32) string {
	if pid == 0 {
		return ""
	}
	p, err := procfs.NewProc(int(pid))
	if err != nil {
		return ""
	}
	comm, err := p.Comm()
	if err != nil {
		return ""
	}
	return comm
}
