// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command merge-sql-schemas applies the embedded SQLite migrations of the
// SQL lookup backend to an in-memory database and writes the resulting
// schema, in a deterministic order, for review.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/utxoverlay/overlayd/lookup/sqlstore"
	_ "modernc.org/sqlite" // Register the pure-Go SQLite driver.
)

const (
	schemaFilename = "generated_sqlite_schema.sql"

	dirPerm        = 0o750
	filePerm       = 0o600
	defaultTimeout = 3 * time.Minute
)

var opts = struct {
	OutDir string `long:"out" description:"Directory the consolidated schema is written to"`
}{
	OutDir: "lookup/sqlstore/schemas",
}

func main() {
	_, err := flags.Parse(&opts)
	if err != nil {
		os.Exit(1)
	}

	err = run()
	if err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return fmt.Errorf("failed to open in-memory db: %w", err)
	}
	defer func() { _ = db.Close() }()

	steps, err := sqlstore.Migrations(sqlstore.SQLite)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	for _, m := range steps {
		for _, stmt := range sqlstore.Statements(m.Up) {
			_, err := db.ExecContext(ctx, stmt)
			if err != nil {
				return fmt.Errorf("failed to exec migration %s: %w",
					m.Name, err)
			}
		}
	}

	schema, err := extractSchema(ctx, db)
	if err != nil {
		return err
	}

	outPath := filepath.Join(opts.OutDir, schemaFilename)
	if err := os.MkdirAll(opts.OutDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create schema dir: %w", err)
	}
	if err := os.WriteFile(outPath, []byte(schema), filePerm); err != nil {
		return fmt.Errorf("failed to write schema file: %w", err)
	}

	log.Printf("Consolidated schema of %d migrations written to %s",
		len(steps), outPath)

	return nil
}

// extractSchema dumps tables, then views, then indexes, each sorted by
// name.
func extractSchema(ctx context.Context, db *sql.DB) (string, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT sql FROM sqlite_master
        WHERE type IN ('table','view','index') AND sql IS NOT NULL
        ORDER BY
            CASE type
                WHEN 'table' THEN 1
                WHEN 'view' THEN 2
                ELSE 3
            END,
            name`)
	if err != nil {
		return "", fmt.Errorf("failed to query schema: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var b strings.Builder
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return "", fmt.Errorf("failed to scan schema row: %w",
				err)
		}
		b.WriteString(def)
		b.WriteString(";\n")
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed to iterate schema rows: %w", err)
	}

	return b.String(), nil
}
