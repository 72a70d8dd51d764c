//go:build integration_test

// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sqltest

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	// Register the pgx driver under name "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	pgOnce     sync.Once
	pgAdminDSN string
	pgErr      error
)

// adminDSN starts the Postgres container shared by every test of the
// binary and returns the DSN of its maintenance database.
func adminDSN(t testing.TB) string {
	t.Helper()

	pgOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			2*time.Minute)
		defer cancel()

		c, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("overlayd"),
			postgres.WithUsername("overlayd"),
			postgres.WithPassword("overlayd"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			pgErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		pgAdminDSN, pgErr = c.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, pgErr)

	return pgAdminDSN
}

// withDatabase returns dsn pointing at the named database.
func withDatabase(dsn, name string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse DSN: %w", err)
	}
	u.Path = "/" + name
	return u.String(), nil
}

// execAdmin runs one statement on the maintenance database.
func execAdmin(ctx context.Context, dsn, stmt string) error {
	admin, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer func() { _ = admin.Close() }()

	_, err = admin.ExecContext(ctx, stmt)
	return err
}

// NewPostgresDB creates a database named after the test in the shared
// container and drops it when the test ends.
func NewPostgresDB(t testing.TB) *sql.DB {
	t.Helper()

	dsn := adminDSN(t)
	name := "overlayd_test_" + testID(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := execAdmin(ctx, dsn, "CREATE DATABASE "+name)
	require.NoError(t, err, "create test database")

	testDSN, err := withDatabase(dsn, name)
	require.NoError(t, err)

	db, err := sql.Open("pgx", testDSN)
	require.NoError(t, err, "open test database")
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	t.Cleanup(func() {
		_ = db.Close()

		ctx, cancel := context.WithTimeout(context.Background(),
			30*time.Second)
		defer cancel()
		_ = execAdmin(ctx, dsn, fmt.Sprintf("DROP DATABASE IF EXISTS "+
			"%s WITH (FORCE)", name))
	})
	return db
}
