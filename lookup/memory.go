// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lookup

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// MemoryBackend keeps records in process memory.  It is used by tests and
// by one-shot command line runs.
type MemoryBackend struct {
	mu          sync.RWMutex
	collections map[string]map[OutputRef]*Record
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		collections: make(map[string]map[OutputRef]*Record),
	}
}

// Put implements Backend.
func (m *MemoryBackend) Put(_ context.Context, collection string,
	r *Record) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collections[collection]
	if !ok {
		c = make(map[OutputRef]*Record)
		m.collections[collection] = c
	}
	c[r.Ref] = r.Copy()
	return nil
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, collection string,
	ref OutputRef) (*Record, error) {

	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.collections[collection][ref]
	if !ok {
		return nil, NotFound(ref)
	}
	return r.Copy(), nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(_ context.Context, collection string,
	ref OutputRef) error {

	m.mu.Lock()
	delete(m.collections[collection], ref)
	m.mu.Unlock()
	return nil
}

// Annotate implements Backend.
func (m *MemoryBackend) Annotate(_ context.Context, collection string,
	ref OutputRef, spendingTxid chainhash.Hash) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.collections[collection][ref]; ok {
		r.SpendingTxid = fn.Some(spendingTxid)
	}
	return nil
}

// FindOne implements Backend.
func (m *MemoryBackend) FindOne(_ context.Context, collection string,
	preds []Predicate) (fn.Option[OutputRef], error) {

	m.mu.RLock()
	defer m.mu.RUnlock()

	q := Query{Predicates: preds}
	for ref, r := range m.collections[collection] {
		if q.Match(r) {
			return fn.Some(ref), nil
		}
	}
	return fn.None[OutputRef](), nil
}

// Query implements Backend.
func (m *MemoryBackend) Query(_ context.Context, collection string,
	q *Query, sortField string) ([]*Record, error) {

	m.mu.RLock()
	var matches []*Record
	for _, r := range m.collections[collection] {
		if q.Match(r) {
			matches = append(matches, r.Copy())
		}
	}
	m.mu.RUnlock()

	SortRecords(matches, sortField, q.Order)
	return Page(matches, q.Skip, q.Limit), nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	return nil
}
