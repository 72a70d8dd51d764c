// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package beef

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedBundle is wrapped by every error caused by the bytes of
	// a bundle.
	ErrMalformedBundle = errors.New("malformed transaction bundle")

	// ErrUnknownVersion is returned for a bundle whose leading four bytes
	// are not a known version marker.
	ErrUnknownVersion = errors.New("unknown bundle version")
)

func malformed(desc string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedBundle, desc, err)
	}
	return fmt.Errorf("%w: %s", ErrMalformedBundle, desc)
}
