package tree

import (
	"errors"
	"fmt"
)

// Code is the category of an engine error.
//
// These are domain errors (permission denied, name conflict, quota exceeded)
// as opposed to infrastructure errors (database failure, network error).
// Request controllers translate codes to their protocol's status codes.
type Code int

const (
	// CodeForbidden indicates an ACL denial or a readonly violation.
	CodeForbidden Code = iota

	// CodeConflict indicates a name collision, cyclic move, shared-in-shared
	// nesting, deleted parent, no-op move or restore, or an elapsed
	// self-destruct resolved during access.
	CodeConflict

	// CodeNotFound indicates a missing node, parent, version or blob.
	CodeNotFound

	// CodeInvalidArgument indicates a bad name, id, meta key or option.
	CodeInvalidArgument

	// CodeInsufficientStorage indicates a quota ceiling or upload size limit
	// was exceeded.
	CodeInsufficientStorage

	// CodeLockIDMismatch indicates an unlock with the wrong lock identifier.
	CodeLockIDMismatch

	// CodeNotLocked indicates an unlock on a node without a live lock.
	CodeNotLocked

	// CodeReadOnly indicates a mutation on a readonly node.
	CodeReadOnly
)

// String returns the code name.
func (c Code) String() string {
	switch c {
	case CodeForbidden:
		return "forbidden"
	case CodeConflict:
		return "conflict"
	case CodeNotFound:
		return "not_found"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeInsufficientStorage:
		return "insufficient_storage"
	case CodeLockIDMismatch:
		return "lock_id_mismatch"
	case CodeNotLocked:
		return "not_locked"
	case CodeReadOnly:
		return "readonly"
	default:
		return "unknown"
	}
}

// Error is a coded engine error.
type Error struct {
	// Code is the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Path is the node name or path related to the error, if applicable.
	Path string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return e.Message + ": " + e.Path
	}
	return e.Message
}

// errf builds a coded error with a formatted message.
func errf(code Code, path, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Path: path}
}

// IsCode reports whether err is (or wraps) an engine error with the given
// code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
