// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package script

import "errors"

// ErrMalformed is the sentinel wrapped by every decode and template error
// caused by the shape of the script itself.  Callers test for it with
// errors.Is to tell a malformed output apart from a policy failure.
var ErrMalformed = errors.New("malformed script")

// MalformedError describes why a script could not be decoded.
type MalformedError struct {
	Description string
	Err         error
}

// Error satisfies the error interface and prints human-readable errors.
func (e *MalformedError) Error() string {
	if e.Err != nil {
		return ErrMalformed.Error() + ": " + e.Description + ": " +
			e.Err.Error()
	}
	return ErrMalformed.Error() + ": " + e.Description
}

// Is reports every MalformedError as ErrMalformed.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

// Unwrap returns the underlying error, if any.
func (e *MalformedError) Unwrap() error {
	return e.Err
}

func malformed(desc string, err error) error {
	return &MalformedError{Description: desc, Err: err}
}
