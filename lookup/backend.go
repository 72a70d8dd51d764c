// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lookup

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Backend is the storage an Index writes through.  One backend may hold
// the collections of many indexes.  Failures are reported as ErrBackend
// errors (see BackendError) and a missing record as ErrNotFound.
type Backend interface {
	// Put stores r, replacing any record with the same reference.
	Put(ctx context.Context, collection string, r *Record) error

	// Get returns the record for ref.
	Get(ctx context.Context, collection string, ref OutputRef) (*Record,
		error)

	// Delete removes the record for ref.  Deleting an absent record is
	// not an error.
	Delete(ctx context.Context, collection string, ref OutputRef) error

	// Annotate marks the record for ref as spent by spendingTxid.  An
	// absent record is left absent.
	Annotate(ctx context.Context, collection string, ref OutputRef,
		spendingTxid chainhash.Hash) error

	// FindOne returns the reference of some record satisfying every
	// predicate.
	FindOne(ctx context.Context, collection string,
		preds []Predicate) (fn.Option[OutputRef], error)

	// Query returns the records matching q, ordered by sortField in
	// q.Order with q.Skip and q.Limit applied.  A zero limit returns
	// every match.
	Query(ctx context.Context, collection string, q *Query,
		sortField string) ([]*Record, error)

	// Close releases the backend's resources.
	Close() error
}
