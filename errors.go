package binder

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured binder error with context and errno mapping.
type Error struct {
	Op       string          // Operation that failed (e.g., "WRITE_READ", "SET_CONTEXT_MGR")
	ProcID   int32           // Process id (0 if not applicable)
	ThreadID uint32          // Thread id (0 if not applicable)
	Code     BinderErrorCode // High-level error category
	Errno    syscall.Errno   // Synthesized errno matching §6.1's exit codes
	Msg      string          // Human-readable message
	Inner    error           // Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.ProcID != 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.ProcID))
	}
	if e.ThreadID != 0 {
		parts = append(parts, fmt.Sprintf("tid=%d", e.ThreadID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("binder: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("binder: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support comparing by error code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// BinderErrorCode represents the high-level error categories of §6.1/§7.
type BinderErrorCode string

const (
	ErrCodeInvalid       BinderErrorCode = "invalid command"          // EINVAL
	ErrCodeBusy          BinderErrorCode = "device busy"               // EBUSY
	ErrCodePermission    BinderErrorCode = "permission denied"         // EPERM
	ErrCodeNoMemory      BinderErrorCode = "out of memory"             // ENOMEM
	ErrCodeFault         BinderErrorCode = "user memory fault"         // EFAULT
	ErrCodeNoSpace       BinderErrorCode = "read buffer underflow"     // ENOSPC
	ErrCodeDeadReply     BinderErrorCode = "destination queue closed"  // EBADF / DEAD_REPLY
	ErrCodeBadFile       BinderErrorCode = "bad process handle"        // EBADF
)

// Synthesized errno values matching §6.1's ioctl exit-code table. EFAULT is
// declared for completeness but unreachable: a userspace port has no raw
// user-memory pointers to fault on.
const (
	errnoEINVAL = syscall.EINVAL
	errnoEBUSY  = syscall.EBUSY
	errnoEPERM  = syscall.EPERM
	errnoENOMEM = syscall.ENOMEM
	errnoEFAULT = syscall.EFAULT
	errnoENOSPC = syscall.ENOSPC
	errnoEBADF  = syscall.EBADF
)

// Error constructors, mirroring the teacher's NewError/NewDeviceError/
// NewQueueError/WrapError family.

// NewError creates a bare structured error.
func NewError(op string, code BinderErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a structured error carrying a synthesized errno.
func NewErrorWithErrno(op string, code BinderErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error()}
}

// NewProcError creates a process-scoped error.
func NewProcError(op string, procID int32, code BinderErrorCode, msg string) *Error {
	return &Error{Op: op, ProcID: procID, Code: code, Msg: msg}
}

// NewThreadError creates a thread-scoped error.
func NewThreadError(op string, procID int32, threadID uint32, code BinderErrorCode, msg string) *Error {
	return &Error{Op: op, ProcID: procID, ThreadID: threadID, Code: code, Msg: msg}
}

// WrapError wraps an existing error with binder context, preserving an
// inner *Error's code/errno rather than flattening it to generic I/O.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if be, ok := inner.(*Error); ok {
		return &Error{
			Op:       op,
			ProcID:   be.ProcID,
			ThreadID: be.ThreadID,
			Code:     be.Code,
			Errno:    be.Errno,
			Msg:      be.Msg,
			Inner:    be.Inner,
		}
	}
	return &Error{Op: op, Code: ErrCodeInvalid, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code BinderErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// IsErrno reports whether err is a *Error carrying the given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Errno == errno
	}
	return false
}
