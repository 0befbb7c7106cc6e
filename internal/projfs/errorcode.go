package projfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Error is an errno reported for a filesystem operation. Values are POSIX
// error codes inverted to be negative (i.e., -syscall.ENOMEM), matching how
// FUSE replies carry them. The zero value means success.
type Error int32

// Common error codes. Handlers may return any negative POSIX error code; the
// ones below have names and descriptions.
const (
	ErrorNotPermitted     = Error(-0x01) // EPERM
	ErrorNotExist         = Error(-0x02) // ENOENT
	ErrorInterrupted      = Error(-0x04) // EINTR
	ErrorIO               = Error(-0x05) // EIO
	ErrorTooManyArguments = Error(-0x07) // E2BIG
	ErrorUnavailable      = Error(-0x0b) // EAGAIN
	ErrorNoMemory         = Error(-0x0c) // ENOMEM
	ErrorUnauthorized     = Error(-0x0d) // EACCES
	ErrorBusy             = Error(-0x10) // EBUSY
	ErrorExists           = Error(-0x11) // EEXIST
	ErrorBadCrossLink     = Error(-0x12) // EXDEV
	ErrorNoDevice         = Error(-0x13) // ENODEV
	ErrorNotDir           = Error(-0x14) // ENOTDIR
	ErrorIsDir            = Error(-0x15) // EISDIR
	ErrorInvalid          = Error(-0x16) // EINVAL
	ErrorNoSpace          = Error(-0x1c) // ENOSPC
	ErrorReadOnly         = Error(-0x1e) // EROFS
	ErrorNoLock           = Error(-0x25) // ENOLCK
	ErrorUnimplemented    = Error(-0x26) // ENOSYS
	ErrorNotEmpty         = Error(-0x27) // ENOTEMPTY
	ErrorNoData           = Error(-0x3d) // ENODATA
	ErrorAborted          = Error(-0x67) // ECONNABORTED
	ErrorTimedOut         = Error(-0x6e) // ETIMEDOUT
	ErrorStale            = Error(-0x74) // ESTALE
)

type errorInfo struct {
	name, desc string
}

var errorTable = map[Error]errorInfo{
	ErrorNotPermitted:     {"EPERM", "operation not permitted"},
	ErrorNotExist:         {"ENOENT", "no such file or directory"},
	ErrorInterrupted:      {"EINTR", "interrupted system call"},
	ErrorIO:               {"EIO", "input/output error"},
	ErrorTooManyArguments: {"E2BIG", "argument list too long"},
	ErrorUnavailable:      {"EAGAIN", "resource temporarily unavailable"},
	ErrorNoMemory:         {"ENOMEM", "cannot allocate memory"},
	ErrorUnauthorized:     {"EACCES", "permission denied"},
	ErrorBusy:             {"EBUSY", "device or resource busy"},
	ErrorExists:           {"EEXIST", "file exists"},
	ErrorBadCrossLink:     {"EXDEV", "invalid cross-device link"},
	ErrorNoDevice:         {"ENODEV", "no such device"},
	ErrorNotDir:           {"ENOTDIR", "not a directory"},
	ErrorIsDir:            {"EISDIR", "is a directory"},
	ErrorInvalid:          {"EINVAL", "invalid argument"},
	ErrorNoSpace:          {"ENOSPC", "no space left on device"},
	ErrorReadOnly:         {"EROFS", "read-only file system"},
	ErrorNoLock:           {"ENOLCK", "no locks available"},
	ErrorUnimplemented:    {"ENOSYS", "function not implemented"},
	ErrorNotEmpty:         {"ENOTEMPTY", "directory not empty"},
	ErrorNoData:           {"ENODATA", "no data available"},
	ErrorAborted:          {"ECONNABORTED", "software caused connection abort"},
	ErrorTimedOut:         {"ETIMEDOUT", "connection timed out"},
	ErrorStale:            {"ESTALE", "stale file handle"},
}

// Error prints the description of the error.
func (e Error) Error() string {
	if info, ok := errorTable[e]; ok {
		return info.desc
	}
	return "errno " + strconv.Itoa(int(-e))
}

// Name returns the symbolic name of e, such as ENOMEM. Codes without a
// known name are printed as ERRNO<n>.
func (e Error) Name() string {
	if info, ok := errorTable[e]; ok {
		return info.name
	}
	return "ERRNO" + strconv.Itoa(int(-e))
}

// Errno converts e into a syscall.Errno.
func (e Error) Errno() syscall.Errno {
	if e >= 0 {
		return 0
	}
	return syscall.Errno(-e)
}

// ParseError parses a symbolic error name (ENOMEM, enomem) or a positive
// errno number into an Error.
func ParseError(s string) (Error, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty error name")
	}
	if n, err := strconv.ParseInt(s, 10, 32); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("errno %d must be positive", n)
		}
		return Error(-n), nil
	} else if errors.Is(err, strconv.ErrRange) {
		return 0, fmt.Errorf("errno %s out of range", s)
	}

	upper := strings.ToUpper(s)
	for code, info := range errorTable {
		if info.name == upper {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown error name %q", s)
}

// MarshalText implements encoding.TextMarshaler so errors appear by name in
// configuration files.
func (e Error) MarshalText() ([]byte, error) { return []byte(e.Name()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Error) UnmarshalText(text []byte) error {
	parsed, err := ParseError(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// ErrorFor converts err into an Error. nil maps to 0; any other error maps
// to a non-zero code, ErrorIO when err carries a zero errno.
func ErrorFor(err error) Error {
	if err == nil {
		return 0
	}

	var pe Error
	if errors.As(err, &pe) {
		switch {
		case pe > 0:
			return -pe
		case pe == 0:
			return ErrorIO
		}
		return pe
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if errno == 0 {
			return ErrorIO
		}
		return Error(-int32(errno))
	}

	// Check for common system-level errors.
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTimedOut
	case errors.Is(err, context.Canceled):
		return ErrorInterrupted
	case os.IsNotExist(err):
		return ErrorNotExist
	case os.IsExist(err):
		return ErrorExists
	case os.IsPermission(err):
		return ErrorNotPermitted
	}
	return ErrorIO
}
