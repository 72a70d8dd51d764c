// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lookup

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific Error.
const (
	// ErrCaller indicates the request itself is unacceptable: an
	// unsupported service, a negative skip or limit, or a missing
	// required query field.  Storage is never touched for such requests.
	ErrCaller ErrorCode = iota

	// ErrBackend indicates an error with the underlying storage.  When
	// this code is set the Err field holds the backend's error.  Callers
	// may retry.
	ErrBackend

	// ErrInvalidRecord indicates a record handed to the index is not
	// storable, for example because it carries a field the index does
	// not know.
	ErrInvalidRecord

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrCaller:        "ErrCaller",
	ErrBackend:       "ErrBackend",
	ErrInvalidRecord: "ErrInvalidRecord",
	ErrNotFound:      "ErrNotFound",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error provides a single type for errors that can happen while storing
// or querying the index.
type Error struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error.
func (e Error) Unwrap() error {
	return e.Err
}

func indexError(c ErrorCode, desc string, err error) Error {
	return Error{ErrorCode: c, Description: desc, Err: err}
}

// callerError is a shorthand for rejecting a request.
func callerError(format string, args ...interface{}) Error {
	return Error{ErrorCode: ErrCaller, Description: fmt.Sprintf(format,
		args...)}
}

// BackendError wraps a storage failure.  Backend implementations use it so
// that callers can tell storage trouble apart from bad requests.
func BackendError(desc string, err error) error {
	if err == nil {
		return nil
	}
	var e Error
	if errors.As(err, &e) {
		return err
	}
	return indexError(ErrBackend, desc, err)
}

// NotFound returns the error backends report for a missing record.
func NotFound(ref OutputRef) error {
	return indexError(ErrNotFound, "no record for "+ref.String(), nil)
}

// IsError returns whether err is an Error with a matching error code.
func IsError(err error, code ErrorCode) bool {
	var e Error
	return errors.As(err, &e) && e.ErrorCode == code
}
