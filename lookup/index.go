// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package lookup stores the outputs admitted to a topic and answers
// queries over them.  Every protocol uses the same Index type, configured
// with the collection it writes, the fields it indexes and how it reacts
// when an indexed output is spent.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
)

// SpendMode says what happens to a record when its output is spent.
type SpendMode uint8

const (
	// SpendDelete removes the record.
	SpendDelete SpendMode = iota

	// SpendAnnotate keeps the record and stores the spending txid.
	SpendAnnotate
)

func (m SpendMode) String() string {
	if m == SpendAnnotate {
		return "annotate"
	}
	return "delete"
}

// Config describes one index.
type Config struct {
	// Name is the collection the index writes.
	Name string

	// Topic is the topic whose admitted outputs feed the index.
	Topic string

	// Service is the lookup service identifier the index answers to.
	Service string

	SpendMode SpendMode

	// DedupFields, when set, suppresses a record whose values for all
	// of these fields match a stored record.  Each must carry exactly one
	// value in a stored record.
	DedupFields []string

	// IndexedFields lists the fields records may carry and queries may
	// name.
	IndexedFields []string

	// IndexedPrefixes admits every field whose name starts with one of
	// these prefixes, for records with open-ended attribute sets.
	IndexedPrefixes []string

	// SortField orders query results.  It defaults to CreatedAtField.
	SortField string

	// DefaultLimit applies to queries without a limit.  Zero means no
	// limit.
	DefaultLimit int

	// MaxLimit, if positive, caps every query.
	MaxLimit int
}

const numStripes = 64

// Index is a configured view over a Backend collection.  Mutations of the
// same output are serialized; queries take no index lock.
type Index struct {
	cfg     Config
	backend Backend
	clock   clock.Clock
	metrics *Metrics
	indexed map[string]struct{}

	stripes [numStripes]sync.Mutex
}

// Option configures an Index.
type Option func(*Index)

// WithClock sets the clock used to stamp new records.
func WithClock(c clock.Clock) Option {
	return func(i *Index) {
		i.clock = c
	}
}

// WithMetrics makes the index count its operations.
func WithMetrics(m *Metrics) Option {
	return func(i *Index) {
		i.metrics = m
	}
}

// NewIndex returns an index over the backend.
func NewIndex(cfg Config, backend Backend, opts ...Option) (*Index, error) {
	if cfg.Name == "" {
		return nil, errors.New("index name required")
	}
	if backend == nil {
		return nil, fmt.Errorf("index %s: backend required", cfg.Name)
	}
	if cfg.SortField == "" {
		cfg.SortField = CreatedAtField
	}

	i := &Index{
		cfg:     cfg,
		backend: backend,
		clock:   clock.NewDefaultClock(),
		indexed: make(map[string]struct{}, len(cfg.IndexedFields)),
	}
	for _, f := range cfg.IndexedFields {
		i.indexed[f] = struct{}{}
	}
	for _, f := range cfg.DedupFields {
		if _, ok := i.indexed[f]; !ok {
			return nil, fmt.Errorf("index %s: dedup field %q is "+
				"not indexed", cfg.Name, f)
		}
	}
	if _, ok := i.indexed[cfg.SortField]; !ok &&
		cfg.SortField != CreatedAtField {

		return nil, fmt.Errorf("index %s: sort field %q is not "+
			"indexed", cfg.Name, cfg.SortField)
	}
	for _, o := range opts {
		o(i)
	}
	return i, nil
}

// Config returns the index configuration.
func (i *Index) Config() Config {
	return i.cfg
}

// Store indexes an admitted output.  A record duplicating a stored one on
// every dedup field is dropped without error.
func (i *Index) Store(ctx context.Context, ref OutputRef,
	fields map[string][]string, payload []byte) (err error) {

	defer func() { i.metrics.record(i.cfg.Name, "store", err) }()

	for name := range fields {
		if !i.isIndexed(name) {
			return indexError(ErrInvalidRecord, fmt.Sprintf(
				"index %s: unknown field %q", i.cfg.Name, name),
				nil)
		}
	}

	dedup := make([]Predicate, 0, len(i.cfg.DedupFields))
	dedupKey := make([]string, 0, len(i.cfg.DedupFields))
	for _, f := range i.cfg.DedupFields {
		vs := fields[f]
		switch {
		case len(vs) == 0:
			return indexError(ErrInvalidRecord, fmt.Sprintf(
				"index %s: missing field %q", i.cfg.Name, f),
				nil)

		case len(vs) > 1:
			return indexError(ErrInvalidRecord, fmt.Sprintf(
				"index %s: dedup field %q has %d values",
				i.cfg.Name, f, len(vs)), nil)
		}
		dedup = append(dedup, Equal(f, vs[0]))
		dedupKey = append(dedupKey, vs[0])
	}

	// Records that would duplicate each other share a stripe whatever
	// their output.
	lockKeys := []string{ref.String()}
	if len(dedup) > 0 {
		lockKeys = append(lockKeys, strings.Join(dedupKey, "\x00"))
	}

	unlock := i.lock(lockKeys...)
	defer unlock()

	if len(dedup) > 0 {
		found, err := i.backend.FindOne(ctx, i.cfg.Name, dedup)
		if err != nil {
			return BackendError("dedup check", err)
		}
		if found.IsSome() {
			log.Debugf("Index %s: %v duplicates %v, not stored",
				i.cfg.Name, ref, found.UnwrapOr(OutputRef{}))
			return nil
		}
	}

	rec := &Record{
		Ref:       ref,
		CreatedAt: i.clock.Now().UTC(),
		Fields:    fields,
		Payload:   payload,
	}
	if err := i.backend.Put(ctx, i.cfg.Name, rec); err != nil {
		return BackendError("store "+ref.String(), err)
	}

	log.Tracef("Index %s: stored %v", i.cfg.Name, ref)
	return nil
}

// Spend applies the index's spend mode to the record for ref.
func (i *Index) Spend(ctx context.Context, ref OutputRef,
	spendingTxid chainhash.Hash) (err error) {

	defer func() { i.metrics.record(i.cfg.Name, "spend", err) }()

	unlock := i.lock(ref.String())
	defer unlock()

	switch i.cfg.SpendMode {
	case SpendAnnotate:
		err = i.backend.Annotate(ctx, i.cfg.Name, ref, spendingTxid)

	default:
		err = i.backend.Delete(ctx, i.cfg.Name, ref)
	}
	if err != nil {
		return BackendError("spend "+ref.String(), err)
	}

	log.Tracef("Index %s: %v spent by %v (%v)", i.cfg.Name, ref,
		spendingTxid, i.cfg.SpendMode)
	return nil
}

// Evict removes the record for ref regardless of spend mode.
func (i *Index) Evict(ctx context.Context, ref OutputRef) (err error) {
	defer func() { i.metrics.record(i.cfg.Name, "evict", err) }()

	unlock := i.lock(ref.String())
	defer unlock()

	if err := i.backend.Delete(ctx, i.cfg.Name, ref); err != nil {
		return BackendError("evict "+ref.String(), err)
	}
	return nil
}

// Get returns the stored record for ref.
func (i *Index) Get(ctx context.Context, ref OutputRef) (*Record, error) {
	r, err := i.backend.Get(ctx, i.cfg.Name, ref)
	if err != nil {
		return nil, BackendError("get "+ref.String(), err)
	}
	return r, nil
}

// Find returns the references of the records matching q.  Invalid queries
// fail with ErrCaller before the backend is consulted.
func (i *Index) Find(ctx context.Context, q Query) (refs []OutputRef,
	err error) {

	defer func() { i.metrics.record(i.cfg.Name, "find", err) }()

	if err := i.prepare(&q); err != nil {
		return nil, err
	}

	records, err := i.backend.Query(ctx, i.cfg.Name, &q, i.cfg.SortField)
	if err != nil {
		return nil, BackendError("query "+i.cfg.Name, err)
	}

	refs = make([]OutputRef, len(records))
	for n, r := range records {
		refs[n] = r.Ref
	}
	return refs, nil
}

// prepare validates q and resolves its limit.
func (i *Index) prepare(q *Query) error {
	if q.Skip < 0 {
		return callerError("skip must be non-negative")
	}
	if q.Limit < 0 {
		return callerError("limit must be non-negative")
	}
	if q.Limit == 0 {
		q.Limit = i.cfg.DefaultLimit
	}
	if i.cfg.MaxLimit > 0 && (q.Limit == 0 || q.Limit > i.cfg.MaxLimit) {
		q.Limit = i.cfg.MaxLimit
	}
	for _, p := range q.Predicates {
		if !i.isIndexed(p.Field) {
			return callerError("field %q is not indexed by %s",
				p.Field, i.cfg.Name)
		}
		if _, ok := opStrings[p.Op]; !ok {
			return callerError("unknown operator %d", p.Op)
		}
		if len(p.Values) == 0 {
			return callerError("predicate on %q has no value",
				p.Field)
		}
	}
	return nil
}

// isIndexed reports whether records and queries may name field.
func (i *Index) isIndexed(field string) bool {
	if _, ok := i.indexed[field]; ok {
		return true
	}
	for _, p := range i.cfg.IndexedPrefixes {
		if strings.HasPrefix(field, p) && len(field) > len(p) {
			return true
		}
	}
	return false
}

// lock acquires the stripes of the given keys in ascending order and
// returns the function releasing them.
func (i *Index) lock(keys ...string) func() {
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		h := fnv.New32a()
		h.Write([]byte(k))
		idx = append(idx, int(h.Sum32()%numStripes))
	}
	sort.Ints(idx)

	held := make([]int, 0, len(idx))
	for n, s := range idx {
		if n > 0 && s == idx[n-1] {
			continue
		}
		i.stripes[s].Lock()
		held = append(held, s)
	}
	return func() {
		for n := len(held) - 1; n >= 0; n-- {
			i.stripes[held[n]].Unlock()
		}
	}
}

// Question is a lookup request as submitted by a client.
type Question struct {
	Service string          `json:"service"`
	Query   json.RawMessage `json:"query"`
}

// Translator turns a protocol's JSON query into an index Query.
type Translator func(query json.RawMessage) (*Query, error)

// Answer checks that the question is addressed to this index, translates
// it and runs it.
func (i *Index) Answer(ctx context.Context, q *Question,
	translate Translator) ([]OutputRef, error) {

	if q == nil {
		return nil, callerError("a valid query must be provided")
	}
	if q.Service != i.cfg.Service {
		return nil, callerError("lookup service %q not supported",
			q.Service)
	}
	query, err := translate(q.Query)
	if err != nil {
		if IsError(err, ErrCaller) {
			return nil, err
		}
		return nil, indexError(ErrCaller, "invalid query", err)
	}
	return i.Find(ctx, *query)
}
