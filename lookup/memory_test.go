// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lookup_test

import (
	"testing"

	"github.com/utxoverlay/overlayd/lookup"
	"github.com/utxoverlay/overlayd/lookup/lookuptest"
)

func TestMemoryBackend(t *testing.T) {
	lookuptest.RunBackendTests(t, func(t *testing.T) lookup.Backend {
		return lookup.NewMemoryBackend()
	})
}
