// Package vfserr defines the canonical error enum shared by every vfscore
// package, plus the fatal-abort path used for internal invariant
// violations.
//
// Errors travel as small integers on the hot path (attached to
// request.Request.Status) and are only converted to a Go error at package
// boundaries via Error.Err(). This mirrors chimera_vfs_error in the source
// this module was generalized from: callers deep inside the core compare
// integers, external callers get a normal error value.
//
// © 2025 vfscore authors. MIT License.
package vfserr

import (
	"fmt"

	"go.uber.org/zap"
)

// Error is the canonical VFS error code.
type Error int32

const (
	OK Error = iota
	ESTALE
	EFAULT
	EACCES
	ENOENT
	EEXIST
	EINVAL
	EOPNOTSUPP
	ENOSPC
	EDQUOT
	EIO
	ENOTDIR
	EISDIR
	ENOTEMPTY
	EPERM
	EBUSY
)

var names = map[Error]string{
	OK:         "OK",
	ESTALE:     "ESTALE",
	EFAULT:     "EFAULT",
	EACCES:     "EACCES",
	ENOENT:     "ENOENT",
	EEXIST:     "EEXIST",
	EINVAL:     "EINVAL",
	EOPNOTSUPP: "EOPNOTSUPP",
	ENOSPC:     "ENOSPC",
	EDQUOT:     "EDQUOT",
	EIO:        "EIO",
	ENOTDIR:    "ENOTDIR",
	EISDIR:     "EISDIR",
	ENOTEMPTY:  "ENOTEMPTY",
	EPERM:      "EPERM",
	EBUSY:      "EBUSY",
}

// String implements fmt.Stringer.
func (e Error) String() string {
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("Error(%d)", int32(e))
}

// errString adapts an Error into the standard error interface for external
// callers. Internal code should keep comparing Error values directly.
type errString struct{ e Error }

func (w errString) Error() string { return w.e.String() }

// Err converts e to a Go error, or nil when e == OK.
func (e Error) Err() error {
	if e == OK {
		return nil
	}
	return errString{e}
}

// abortLogger is used by Abort to emit a structured record before panicking.
// Defaults to a no-op logger; SetAbortLogger lets vfscore.Context plug in its
// configured *zap.Logger so aborts land in the same log stream as everything
// else.
var abortLogger = zap.NewNop()

// SetAbortLogger installs the logger used by Abort. Passing nil restores the
// no-op logger.
func SetAbortLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	abortLogger = l
}

// Abort reports a fatal internal invariant violation. These never happen
// under correct operation; they indicate a logic bug in vfscore itself, not
// a condition a caller can recover from, so we panic rather than return an
// error (mirroring chimera_vfs_abort_if, which is abort() in the source
// this package generalizes).
func Abort(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	abortLogger.Panic("vfscore: internal invariant violated", zap.String("detail", msg))
}

// AbortIf calls Abort when cond is true. Convenience wrapper for the common
// `chimera_vfs_abort_if(cond, "message")` call shape.
func AbortIf(cond bool, format string, args ...any) {
	if cond {
		Abort(format, args...)
	}
}
