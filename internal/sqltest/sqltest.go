//go:build integration_test

// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sqltest hands out isolated SQLite and Postgres databases to
// integration tests.
package sqltest

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	// Register SQLite driver under name "sqlite".
	_ "modernc.org/sqlite"
)

// DBFactory returns a fresh database owned by the test.  It is closed and
// removed when the test ends.
type DBFactory func(t testing.TB) *sql.DB

// DBTestFunc is a test run once per database flavour.  The dialect is
// "sqlite" or "postgres".
type DBTestFunc func(t *testing.T, dialect string, dbFactory DBFactory)

// RunDatabaseTest runs testFunc as parallel subtests against SQLite and
// Postgres.
func RunDatabaseTest(t *testing.T, testFunc DBTestFunc) {
	t.Helper()

	flavours := []struct {
		dialect string
		factory DBFactory
	}{
		{dialect: "sqlite", factory: NewSQLiteDB},
		{dialect: "postgres", factory: NewPostgresDB},
	}

	for _, f := range flavours {
		f := f
		t.Run(f.dialect, func(t *testing.T) {
			t.Parallel()
			testFunc(t, f.dialect, f.factory)
		})
	}
}

// testID is a short stable name for the running test.  Database names
// derived from it stay within identifier limits and keep go test caching
// effective.
func testID(t testing.TB) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(t.Name()))
	return fmt.Sprintf("%08x", h.Sum32())
}

// NewSQLiteDB opens a file backed SQLite database in the test's temporary
// directory.
func NewSQLiteDB(t testing.TB) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "overlayd_"+testID(t)+".sqlite")
	db, err := sql.Open("sqlite", "file:"+path+"?mode=rwc&_fk=1")
	require.NoError(t, err, "open sqlite database")

	// The lookup store serializes SQLite writers on one connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		require.NoError(t, err, "ping sqlite database")
	}

	t.Cleanup(func() {
		assert.NoError(t, db.Close(), "close sqlite database")
	})
	return db
}
