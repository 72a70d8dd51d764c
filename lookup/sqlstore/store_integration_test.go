//go:build integration_test

// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sqlstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/utxoverlay/overlayd/internal/sqltest"
	"github.com/utxoverlay/overlayd/lookup"
	"github.com/utxoverlay/overlayd/lookup/lookuptest"
)

func TestStoreAgainstDatabases(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T, dialect string,
		dbFactory sqltest.DBFactory) {

		d, err := ParseDialect(dialect)
		require.NoError(t, err)

		lookuptest.RunBackendTests(t, func(t *testing.T) lookup.Backend {
			s, err := New(context.Background(), dbFactory(t), d)
			require.NoError(t, err)
			return s
		})
	})
}
