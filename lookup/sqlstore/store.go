// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sqlstore implements lookup.Backend on SQLite or Postgres.
//
// Records live in a records table shared by every collection.  Searchable
// values go to record_fields, one row per value, indexed on
// (collection, name, value).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/utxoverlay/overlayd/lookup"

	// Register the pgx driver under name "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"

	// Register SQLite driver under name "sqlite".
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour.
type Dialect uint8

const (
	// SQLite uses the pure Go modernc driver.
	SQLite Dialect = iota

	// Postgres uses the pgx driver.
	Postgres
)

// String returns the dialect name, which is also its migration directory.
func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// ParseDialect maps a dialect name to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch s {
	case "sqlite":
		return SQLite, nil
	case "postgres":
		return Postgres, nil
	}
	return 0, fmt.Errorf("unknown sql dialect %q", s)
}

func (d Dialect) driver() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

// Store is a lookup.Backend over a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
	owned   bool
}

var _ lookup.Backend = (*Store)(nil)

// Open connects to dsn and migrates the schema.
func Open(ctx context.Context, d Dialect, dsn string) (*Store, error) {
	db, err := sql.Open(d.driver(), dsn)
	if err != nil {
		return nil, err
	}
	if d == SQLite {
		// A single connection serializes writers and keeps in-memory
		// databases alive.
		db.SetMaxOpenConns(1)
	}

	s, err := New(ctx, db, d)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New migrates db and returns a Store using it.  The caller keeps
// ownership of db.
func New(ctx context.Context, db *sql.DB, d Dialect) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s: %w", d, err)
	}
	if err := migrate(ctx, db, d); err != nil {
		return nil, err
	}
	return &Store{db: db, dialect: d}, nil
}

// Close closes the database if the Store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// Put implements lookup.Backend.
func (s *Store) Put(ctx context.Context, coll string, r *lookup.Record) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := deleteRecord(ctx, tx, coll, r.Ref); err != nil {
			return err
		}

		var spender []byte
		r.SpendingTxid.WhenSome(func(h chainhash.Hash) {
			spender = h[:]
		})
		_, err := tx.ExecContext(ctx, `INSERT INTO records
			(collection, txid, output_index, created_at,
			 spending_txid, payload)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			coll, r.Ref.Txid[:], int64(r.Ref.Index),
			r.CreatedAt.UnixNano(), spender, r.Payload)
		if err != nil {
			return err
		}

		for name, values := range r.Fields {
			for pos, value := range values {
				_, err := tx.ExecContext(ctx, `INSERT INTO
					record_fields (collection, txid,
					output_index, name, position, value)
					VALUES ($1, $2, $3, $4, $5, $6)`,
					coll, r.Ref.Txid[:], int64(r.Ref.Index),
					name, pos, value)
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
	return lookup.BackendError("put "+r.Ref.String(), err)
}

func deleteRecord(ctx context.Context, tx *sql.Tx, coll string,
	ref lookup.OutputRef) error {

	_, err := tx.ExecContext(ctx, `DELETE FROM record_fields
		WHERE collection = $1 AND txid = $2 AND output_index = $3`,
		coll, ref.Txid[:], int64(ref.Index))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM records
		WHERE collection = $1 AND txid = $2 AND output_index = $3`,
		coll, ref.Txid[:], int64(ref.Index))
	return err
}

// Get implements lookup.Backend.
func (s *Store) Get(ctx context.Context, coll string,
	ref lookup.OutputRef) (*lookup.Record, error) {

	q := &lookup.Query{Ref: fn.Some(ref)}
	records, err := s.Query(ctx, coll, q, "")
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, lookup.NotFound(ref)
	}
	return records[0], nil
}

// Delete implements lookup.Backend.
func (s *Store) Delete(ctx context.Context, coll string,
	ref lookup.OutputRef) error {

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return deleteRecord(ctx, tx, coll, ref)
	})
	return lookup.BackendError("delete "+ref.String(), err)
}

// Annotate implements lookup.Backend.
func (s *Store) Annotate(ctx context.Context, coll string,
	ref lookup.OutputRef, spendingTxid chainhash.Hash) error {

	_, err := s.db.ExecContext(ctx, `UPDATE records SET spending_txid = $1
		WHERE collection = $2 AND txid = $3 AND output_index = $4`,
		spendingTxid[:], coll, ref.Txid[:], int64(ref.Index))
	return lookup.BackendError("annotate "+ref.String(), err)
}

// FindOne implements lookup.Backend.
func (s *Store) FindOne(ctx context.Context, coll string,
	preds []lookup.Predicate) (fn.Option[lookup.OutputRef], error) {

	query, args := buildSelect(s.dialect, coll, &lookup.Query{
		Predicates: preds,
		Limit:      1,
	}, "")

	var (
		txid  []byte
		index int64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&txid, &index,
		new(int64), new([]byte), new([]byte))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fn.None[lookup.OutputRef](), nil

	case err != nil:
		return fn.None[lookup.OutputRef](),
			lookup.BackendError("find one", err)
	}

	ref, err := makeRef(txid, index)
	if err != nil {
		return fn.None[lookup.OutputRef](),
			lookup.BackendError("find one", err)
	}
	return fn.Some(ref), nil
}

// Query implements lookup.Backend.
func (s *Store) Query(ctx context.Context, coll string, q *lookup.Query,
	sortField string) ([]*lookup.Record, error) {

	query, args := buildSelect(s.dialect, coll, q, sortField)
	log.Tracef("Query %s: %s %v", coll, query, args)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, lookup.BackendError("query "+coll, err)
	}
	defer rows.Close()

	var records []*lookup.Record
	for rows.Next() {
		var (
			txid, spender, payload []byte
			index, created         int64
		)
		err := rows.Scan(&txid, &index, &created, &spender, &payload)
		if err != nil {
			return nil, lookup.BackendError("scan "+coll, err)
		}
		ref, err := makeRef(txid, index)
		if err != nil {
			return nil, lookup.BackendError("scan "+coll, err)
		}
		rec := &lookup.Record{
			Ref:          ref,
			CreatedAt:    time.Unix(0, created).UTC(),
			SpendingTxid: fn.None[chainhash.Hash](),
			Fields:       map[string][]string{},
			Payload:      payload,
		}
		if len(spender) == chainhash.HashSize {
			var h chainhash.Hash
			copy(h[:], spender)
			rec.SpendingTxid = fn.Some(h)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, lookup.BackendError("query "+coll, err)
	}
	rows.Close()

	for _, rec := range records {
		if err := s.loadFields(ctx, coll, rec); err != nil {
			return nil, lookup.BackendError("fields "+coll, err)
		}
	}
	return records, nil
}

func (s *Store) loadFields(ctx context.Context, coll string,
	rec *lookup.Record) error {

	rows, err := s.db.QueryContext(ctx, `SELECT name, value
		FROM record_fields
		WHERE collection = $1 AND txid = $2 AND output_index = $3
		ORDER BY name, position`,
		coll, rec.Ref.Txid[:], int64(rec.Ref.Index))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return err
		}
		rec.Fields[name] = append(rec.Fields[name], value)
	}
	return rows.Err()
}

func (s *Store) inTx(ctx context.Context, f func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func makeRef(txid []byte, index int64) (lookup.OutputRef, error) {
	var ref lookup.OutputRef
	if len(txid) != chainhash.HashSize {
		return ref, fmt.Errorf("stored txid has %d bytes", len(txid))
	}
	if index < 0 || index > int64(^uint32(0)) {
		return ref, fmt.Errorf("stored output index %d out of range",
			index)
	}
	copy(ref.Txid[:], txid)
	ref.Index = uint32(index)
	return ref, nil
}
