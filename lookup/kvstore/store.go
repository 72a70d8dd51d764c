// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package kvstore implements lookup.Backend on a walletdb key-value
// database.
//
// Every collection is a bucket under the top level index bucket.  A
// collection holds a records bucket, keyed by outpoint with TLV encoded
// values, and a fields bucket with one nested bucket per field name whose
// keys are "<value>|<outpoint>".  Equality queries scan the field buckets;
// everything else scans the records.
package kvstore

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // Register the bolt driver.
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/utxoverlay/overlayd/lookup"
)

// DefaultDBTimeout bounds the wait for the database file lock.
const DefaultDBTimeout = 10 * time.Second

var (
	// indexBucket is the top level bucket holding every collection.
	indexBucket = []byte("overlay-index")

	recordsBucket = []byte("records")
	fieldsBucket  = []byte("fields")
)

// Store is a lookup.Backend over a walletdb database.
type Store struct {
	db    walletdb.DB
	owned bool
}

var _ lookup.Backend = (*Store)(nil)

// Open opens the bolt database at path, creating it when missing.
func Open(path string, timeout time.Duration) (*Store, error) {
	db, err := walletdb.Open("bdb", path, true, timeout, false)
	if errors.Is(err, walletdb.ErrDbDoesNotExist) {
		db, err = walletdb.Create("bdb", path, true, timeout, false)
	}
	if err != nil {
		return nil, err
	}

	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New returns a Store using db, creating the index bucket if needed.  The
// caller keeps ownership of db.
func New(db walletdb.DB) (*Store, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		if tx.ReadWriteBucket(indexBucket) != nil {
			return nil
		}
		_, err := tx.CreateTopLevelBucket(indexBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB returns the underlying database.
func (s *Store) DB() walletdb.DB {
	return s.db
}

// Close closes the database if the Store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// collection returns the named collection bucket, creating it.
func collection(tx walletdb.ReadWriteTx,
	name string) (walletdb.ReadWriteBucket, error) {

	ns := tx.ReadWriteBucket(indexBucket)
	c, err := ns.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, err
	}
	if _, err := c.CreateBucketIfNotExists(recordsBucket); err != nil {
		return nil, err
	}
	if _, err := c.CreateBucketIfNotExists(fieldsBucket); err != nil {
		return nil, err
	}
	return c, nil
}

// readCollection returns the named collection bucket or nil.
func readCollection(tx walletdb.ReadTx, name string) walletdb.ReadBucket {
	return tx.ReadBucket(indexBucket).NestedReadBucket([]byte(name))
}

// Put implements lookup.Backend.
func (s *Store) Put(_ context.Context, coll string, r *lookup.Record) error {
	v, err := encodeRecord(r)
	if err != nil {
		return lookup.BackendError("encode record", err)
	}

	err = walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		c, err := collection(tx, coll)
		if err != nil {
			return err
		}
		if err := removeRecord(c, r.Ref); err != nil {
			return err
		}

		key := outpointKey(r.Ref)
		err = c.NestedReadWriteBucket(recordsBucket).Put(key, v)
		if err != nil {
			return err
		}

		fields := c.NestedReadWriteBucket(fieldsBucket)
		for name, values := range r.Fields {
			b, err := fields.CreateBucketIfNotExists([]byte(name))
			if err != nil {
				return err
			}
			for _, value := range values {
				err := b.Put(fieldKey(value, r.Ref), nil)
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
	return lookup.BackendError("put "+r.Ref.String(), err)
}

// removeRecord deletes the record for ref and its field index entries.
func removeRecord(c walletdb.ReadWriteBucket, ref lookup.OutputRef) error {
	records := c.NestedReadWriteBucket(recordsBucket)
	key := outpointKey(ref)
	v := records.Get(key)
	if v == nil {
		return nil
	}

	old, err := decodeRecord(ref, v)
	if err != nil {
		return err
	}
	fields := c.NestedReadWriteBucket(fieldsBucket)
	for name, values := range old.Fields {
		b := fields.NestedReadWriteBucket([]byte(name))
		if b == nil {
			continue
		}
		for _, value := range values {
			if err := b.Delete(fieldKey(value, ref)); err != nil {
				return err
			}
		}
	}
	return records.Delete(key)
}

// Get implements lookup.Backend.
func (s *Store) Get(_ context.Context, coll string,
	ref lookup.OutputRef) (*lookup.Record, error) {

	var rec *lookup.Record
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		c := readCollection(tx, coll)
		if c == nil {
			return lookup.NotFound(ref)
		}
		v := c.NestedReadBucket(recordsBucket).Get(outpointKey(ref))
		if v == nil {
			return lookup.NotFound(ref)
		}
		var err error
		rec, err = decodeRecord(ref, v)
		return err
	})
	if err != nil {
		return nil, lookup.BackendError("get "+ref.String(), err)
	}
	return rec, nil
}

// Delete implements lookup.Backend.
func (s *Store) Delete(_ context.Context, coll string,
	ref lookup.OutputRef) error {

	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		c := tx.ReadWriteBucket(indexBucket).NestedReadWriteBucket(
			[]byte(coll),
		)
		if c == nil {
			return nil
		}
		return removeRecord(c, ref)
	})
	return lookup.BackendError("delete "+ref.String(), err)
}

// Annotate implements lookup.Backend.
func (s *Store) Annotate(_ context.Context, coll string,
	ref lookup.OutputRef, spendingTxid chainhash.Hash) error {

	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		c := tx.ReadWriteBucket(indexBucket).NestedReadWriteBucket(
			[]byte(coll),
		)
		if c == nil {
			return nil
		}
		records := c.NestedReadWriteBucket(recordsBucket)
		key := outpointKey(ref)
		v := records.Get(key)
		if v == nil {
			return nil
		}
		rec, err := decodeRecord(ref, v)
		if err != nil {
			return err
		}
		rec.SpendingTxid = fn.Some(spendingTxid)
		v, err = encodeRecord(rec)
		if err != nil {
			return err
		}
		return records.Put(key, v)
	})
	return lookup.BackendError("annotate "+ref.String(), err)
}

// FindOne implements lookup.Backend.
func (s *Store) FindOne(_ context.Context, coll string,
	preds []lookup.Predicate) (fn.Option[lookup.OutputRef], error) {

	found := fn.None[lookup.OutputRef]()
	q := &lookup.Query{Predicates: preds}
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		c := readCollection(tx, coll)
		if c == nil {
			return nil
		}
		return scan(c, q, func(r *lookup.Record) bool {
			found = fn.Some(r.Ref)
			return false
		})
	})
	if err != nil {
		return found, lookup.BackendError("find one", err)
	}
	return found, nil
}

// Query implements lookup.Backend.
func (s *Store) Query(_ context.Context, coll string, q *lookup.Query,
	sortField string) ([]*lookup.Record, error) {

	var matches []*lookup.Record
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		c := readCollection(tx, coll)
		if c == nil {
			return nil
		}
		return scan(c, q, func(r *lookup.Record) bool {
			matches = append(matches, r)
			return true
		})
	})
	if err != nil {
		return nil, lookup.BackendError("query "+coll, err)
	}

	lookup.SortRecords(matches, sortField, q.Order)
	return lookup.Page(matches, q.Skip, q.Limit), nil
}

// scan calls f with every record matching q until f returns false.
func scan(c walletdb.ReadBucket, q *lookup.Query,
	f func(*lookup.Record) bool) error {

	records := c.NestedReadBucket(recordsBucket)
	visit := func(k, v []byte) (bool, error) {
		ref, err := readOutpointKey(k)
		if err != nil {
			return false, err
		}
		r, err := decodeRecord(ref, v)
		if err != nil {
			return false, err
		}
		if !q.Match(r) {
			return true, nil
		}
		return f(r), nil
	}

	keys, indexed := candidates(c, q)
	if !indexed {
		cur := records.ReadCursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			more, err := visit(k, v)
			if err != nil || !more {
				return err
			}
		}
		return nil
	}

	for _, k := range keys {
		v := records.Get(k)
		if v == nil {
			continue
		}
		more, err := visit(k, v)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

// candidates narrows a query to a set of record keys using the outpoint
// ordering or a field index.  It reports false when every record must be
// scanned.
func candidates(c walletdb.ReadBucket, q *lookup.Query) ([][]byte, bool) {
	if q.Ref.IsSome() {
		ref := q.Ref.UnwrapOr(lookup.OutputRef{})
		return [][]byte{outpointKey(ref)}, true
	}

	if q.Txid.IsSome() {
		txid := q.Txid.UnwrapOr(chainhash.Hash{})
		var keys [][]byte
		cur := c.NestedReadBucket(recordsBucket).ReadCursor()
		for k, _ := cur.Seek(txid[:]); k != nil &&
			bytes.HasPrefix(k, txid[:]); k, _ = cur.Next() {

			keys = append(keys, bytes.Clone(k))
		}
		return keys, true
	}

	for _, p := range q.Predicates {
		if p.Op != lookup.OpEqual && p.Op != lookup.OpIn {
			continue
		}
		b := c.NestedReadBucket(fieldsBucket).NestedReadBucket(
			[]byte(p.Field),
		)
		if b == nil {
			return nil, true
		}

		seen := make(map[string]struct{})
		var keys [][]byte
		for _, value := range p.Values {
			prefix := fieldPrefix(value)
			cur := b.ReadCursor()
			for k, _ := cur.Seek(prefix); k != nil &&
				bytes.HasPrefix(k, prefix); k, _ = cur.Next() {

				if len(k) != len(prefix)+outpointKeySize {
					continue
				}
				key := bytes.Clone(k[len(prefix):])
				if _, ok := seen[string(key)]; ok {
					continue
				}
				seen[string(key)] = struct{}{}
				keys = append(keys, key)
			}
		}
		return keys, true
	}

	return nil, false
}

// DropCollection deletes every record of the named collection and leaves
// an empty collection in its place.
func DropCollection(db walletdb.DB, name string) error {
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(indexBucket)
		if ns == nil {
			return walletdb.ErrBucketNotFound
		}
		err := ns.DeleteNestedBucket([]byte(name))
		if err != nil && !errors.Is(err, walletdb.ErrBucketNotFound) {
			return err
		}
		_, err = collection(tx, name)
		return err
	})
}

// Collections returns the names of the stored collections.
func Collections(db walletdb.DB) ([]string, error) {
	var names []string
	err := walletdb.View(db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(indexBucket)
		if ns == nil {
			return nil
		}
		return ns.ForEach(func(k, v []byte) error {
			if v == nil {
				names = append(names, string(k))
			}
			return nil
		})
	})
	return names, err
}
