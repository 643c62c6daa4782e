// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to attach a PkdError code to regular Go errors
// while still conforming to the Go error interface. Every layer of the packed
// tree reports failures through these codes so that callers can tell a
// recoverable CapacityError (split, grow, retry) from a hard failure.
//
// This package is implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
//   merry adds a stacktrace and arbitrary values to an error. The code is
//   stored under the "errno" key:
//     e = merry.WrapSkipping(e, 1).WithValue("errno", int(code))
//
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
)

// PkdError is the error code attached to errors returned by the packed tree packages.
//
type PkdError int

const ( // reset iota to 0
	// CapacityError indicates a packed structure or allocator could not satisfy a
	// request within the current block. Always recoverable via split/grow/retry.
	CapacityError PkdError = 1000 + iota
	// StructuralInvariantError indicates index or structure corruption.
	StructuralInvariantError
	// RangeError indicates an index/position argument violated a documented precondition.
	RangeError
	// NotFoundError indicates a block (or other addressed object) does not exist.
	NotFoundError
	// InvalidArgError indicates a malformed request (e.g. unknown stream or column).
	InvalidArgError
	// CorruptLayoutError indicates a persisted layout could not be decoded.
	CorruptLayoutError
	// NotSupportedError indicates an operation the addressed structure does not provide.
	NotSupportedError
)

// SuccessError is the code reported for a nil error.
const SuccessError PkdError = 0

const successErrno = 0
const failureErrno = -1

// Value returns the integer code.
func (errValue PkdError) Value() int {
	return int(errValue)
}

func (errValue PkdError) String() string {
	switch errValue {
	case SuccessError:
		return "SuccessError"
	case CapacityError:
		return "CapacityError"
	case StructuralInvariantError:
		return "StructuralInvariantError"
	case RangeError:
		return "RangeError"
	case NotFoundError:
		return "NotFoundError"
	case InvalidArgError:
		return "InvalidArgError"
	case CorruptLayoutError:
		return "CorruptLayoutError"
	case NotSupportedError:
		return "NotSupportedError"
	default:
		return fmt.Sprintf("PkdError(%d)", int(errValue))
	}
}

// NewError creates a new merry/blunder.PkdError-annotated error using the given
// format string and arguments.
//
func NewError(errValue PkdError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", int(errValue))
}

// AddError is used to add a PkdError code to an existing error.
//
// If the error already carries a code, it is replaced.
//
func AddError(e error, errValue PkdError) error {
	if nil == e {
		return merry.New("regular error").WithValue("errno", int(errValue))
	}

	return merry.WrapSkipping(e, 1).WithValue("errno", int(errValue))
}

// Errno extracts the code from the error, if any.
//
// A nil error yields 0 (success); an error without a code yields -1.
//
func Errno(e error) int {
	if nil == e {
		return successErrno
	}

	var errno = failureErrno
	tmp := merry.Value(e, "errno")
	if nil != tmp {
		errno = tmp.(int)
	}

	return errno
}

// ErrorString returns the error text with its code appended.
func ErrorString(e error) string {
	if nil == e {
		return ""
	}

	errPlusVal := e.Error()

	tmp := merry.Value(e, "errno")
	if nil != tmp {
		errPlusVal = fmt.Sprintf("%s. Error Value: %v", errPlusVal, PkdError(tmp.(int)))
	}

	return errPlusVal
}

// Is returns true if the error carries the given code.
func Is(e error, theError PkdError) bool {
	return Errno(e) == theError.Value()
}

// IsNot returns true if the error does not carry the given code.
func IsNot(e error, theError PkdError) bool {
	return Errno(e) != theError.Value()
}

// IsSuccess returns true if the error is nil.
func IsSuccess(e error) bool {
	return Errno(e) == successErrno
}

// IsNotSuccess returns true if the error is non-nil.
func IsNotSuccess(e error) bool {
	return Errno(e) != successErrno
}

// Location returns the file and line where the error was created.
func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}

// SourceLine returns "file:line" where the error was created.
func SourceLine(e error) string {
	return merry.SourceLine(e)
}

// Details returns the error text plus its stacktrace.
func Details(e error) string {
	return merry.Details(e)
}

// Stacktrace returns the stacktrace captured when the error was created.
func Stacktrace(e error) string {
	return merry.Stacktrace(e)
}
