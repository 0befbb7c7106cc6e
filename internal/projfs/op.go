package projfs

import (
	"context"
	"fmt"
)

// Op is a filesystem operation intercepted by the kernel bridge.
type Op uint8

// Intercepted operations.
const (
	OpCreateFile Op = iota + 1
	OpCreateDir
	OpDeleteFile
	OpDeleteDir
	OpEnumerateDir
	OpRename
)

var opNames = map[Op]string{
	OpCreateFile:   "create_file",
	OpCreateDir:    "create_dir",
	OpDeleteFile:   "delete_file",
	OpDeleteDir:    "delete_dir",
	OpEnumerateDir: "enumerate_dir",
	OpRename:       "rename",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// Kind returns the event kind dispatched for o. Enumeration dispatches
// KindPopulateDir, and only for directories which are not populated yet.
func (o Op) Kind() Kind {
	switch o {
	case OpCreateFile:
		return KindCreateFile
	case OpCreateDir:
		return KindCreateDir
	case OpDeleteFile:
		return KindDeleteFile
	case OpDeleteDir:
		return KindDeleteDir
	case OpEnumerateDir:
		return KindPopulateDir
	case OpRename:
		return KindRename
	default:
		return ""
	}
}

// Decision is the result of dispatching an event. The zero value means the
// operation proceeds.
type Decision struct {
	// Code is the error to fail the operation with. 0 means proceed.
	Code Error
}

// Proceed is a Decision allowing the operation.
var Proceed = Decision{}

// Deny returns a Decision failing the operation with code.
func Deny(code Error) Decision { return Decision{Code: code} }

// Proceed reports whether the operation should continue.
func (d Decision) Proceed() bool { return d.Code == 0 }

// Err returns the decision as an error, nil when proceeding.
func (d Decision) Err() error {
	if d.Code == 0 {
		return nil
	}
	return d.Code
}

func (d Decision) String() string {
	if d.Proceed() {
		return "proceed"
	}
	return "deny(" + d.Code.Name() + ")"
}

type callerKey struct{}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the Caller stored in ctx, if any.
func CallerFromContext(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}
