// Package ipcerr defines the typed result codes shared by every Magnolia
// IPC object family, and an error type that carries one.
package ipcerr

import "fmt"

// Code identifies the outcome of an IPC operation. The zero value, OK,
// always means success.
type Code int

const (
	OK Code = iota
	InvalidHandle
	InvalidArgument
	ObjectDestroyed
	Timeout
	NotReady
	NoSpace
	Empty
	Full
	NoPermission
	NotAttached
	Shutdown
	NotSupported
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case InvalidHandle:
		return "invalid handle"
	case InvalidArgument:
		return "invalid argument"
	case ObjectDestroyed:
		return "object destroyed"
	case Timeout:
		return "timeout"
	case NotReady:
		return "not ready"
	case NoSpace:
		return "no space"
	case Empty:
		return "empty"
	case Full:
		return "full"
	case NoPermission:
		return "no permission"
	case NotAttached:
		return "not attached"
	case Shutdown:
		return "shutdown"
	case NotSupported:
		return "not supported"
	default:
		return fmt.Sprintf("ipcerr.Code(%d)", int(c))
	}
}

// Error adapts a Code to the error interface, so call sites that want a Go
// error (rather than a bare code) can use errors.As/errors.Is against the
// sentinels below.
type Error struct {
	Code Code
}

func (e *Error) Error() string { return "ipc: " + e.Code.String() }

// Is reports whether target is an *Error with the same Code, so
// errors.Is(err, ipcerr.ErrTimeout) works regardless of wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// New returns an *Error for the given code, or nil for OK.
func New(code Code) error {
	if code == OK {
		return nil
	}
	return &Error{Code: code}
}

// As extracts the Code from err, defaulting to InvalidArgument if err is
// non-nil but not an *Error.
func As(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Code
	}
	return InvalidArgument
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

var (
	ErrInvalidHandle   = &Error{Code: InvalidHandle}
	ErrInvalidArgument = &Error{Code: InvalidArgument}
	ErrObjectDestroyed = &Error{Code: ObjectDestroyed}
	ErrTimeout         = &Error{Code: Timeout}
	ErrNotReady        = &Error{Code: NotReady}
	ErrNoSpace         = &Error{Code: NoSpace}
	ErrEmpty           = &Error{Code: Empty}
	ErrFull            = &Error{Code: Full}
	ErrNoPermission    = &Error{Code: NoPermission}
	ErrNotAttached     = &Error{Code: NotAttached}
	ErrShutdown        = &Error{Code: Shutdown}
	ErrNotSupported    = &Error{Code: NotSupported}
)
