// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cfgutil holds small helpers shared by the command line tools'
// configuration loaders.
package cfgutil

import (
	"errors"
	"io/fs"
	"os"
)

// FileExists reports whether a file or directory exists at path.  Errors
// other than non-existence are returned.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
