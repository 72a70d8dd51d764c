// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lookup_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/utxoverlay/overlayd/lookup"
	"github.com/utxoverlay/overlayd/lookup/lookuptest"
)

var errBoom = errors.New("boom")

// failingBackend fails every call and counts them.
type failingBackend struct {
	lookup.MemoryBackend
	mu    sync.Mutex
	calls int
}

func (f *failingBackend) hit() error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return errBoom
}

func (f *failingBackend) Put(context.Context, string, *lookup.Record) error {
	return f.hit()
}

func (f *failingBackend) Delete(context.Context, string,
	lookup.OutputRef) error {

	return f.hit()
}

func (f *failingBackend) Query(context.Context, string, *lookup.Query,
	string) ([]*lookup.Record, error) {

	return nil, f.hit()
}

func newIndex(t *testing.T, cfg lookup.Config, b lookup.Backend,
	opts ...lookup.Option) *lookup.Index {

	t.Helper()

	if cfg.Name == "" {
		cfg.Name = "things"
		cfg.Service = "ls_things"
	}
	if cfg.IndexedFields == nil {
		cfg.IndexedFields = []string{"name", "host"}
	}
	idx, err := lookup.NewIndex(cfg, b, opts...)
	require.NoError(t, err)
	return idx
}

func TestIndexLifecycle(t *testing.T) {
	t.Parallel()

	spender := lookuptest.Ref(9, 0).Txid

	tests := []struct {
		name       string
		mode       lookup.SpendMode
		afterSpend int
	}{
		{name: "delete", mode: lookup.SpendDelete, afterSpend: 0},
		{name: "annotate", mode: lookup.SpendAnnotate, afterSpend: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// Arrange.
			ctx := context.Background()
			idx := newIndex(t, lookup.Config{
				Name:          "things",
				Service:       "ls_things",
				SpendMode:     tc.mode,
				IndexedFields: []string{"name"},
			}, lookup.NewMemoryBackend())
			ref := lookuptest.Ref(1, 0)
			q := lookup.Query{Predicates: []lookup.Predicate{
				lookup.Equal("name", "alice"),
			}}

			// Act.
			err := idx.Store(ctx, ref, map[string][]string{
				"name": {"alice"},
			}, nil)
			require.NoError(t, err)
			found, err := idx.Find(ctx, q)
			require.NoError(t, err)
			require.Equal(t, []lookup.OutputRef{ref}, found)

			require.NoError(t, idx.Spend(ctx, ref, spender))
			afterSpend, err := idx.Find(ctx, q)
			require.NoError(t, err)

			require.NoError(t, idx.Evict(ctx, ref))
			afterEvict, err := idx.Find(ctx, q)
			require.NoError(t, err)

			// Assert.
			require.Len(t, afterSpend, tc.afterSpend)
			require.Empty(t, afterEvict)
		})
	}
}

func TestIndexAnnotateRecordsSpender(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := newIndex(t, lookup.Config{
		Name:          "records",
		Service:       "ls_records",
		SpendMode:     lookup.SpendAnnotate,
		IndexedFields: []string{"chainId"},
	}, lookup.NewMemoryBackend())
	ref := lookuptest.Ref(1, 3)
	spender := lookuptest.Ref(5, 0).Txid

	require.NoError(t, idx.Store(ctx, ref, map[string][]string{
		"chainId": {"c1"},
	}, []byte(`{"chainId":"c1"}`)))
	require.NoError(t, idx.Spend(ctx, ref, spender))

	rec, err := idx.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, fn.Some(spender), rec.SpendingTxid)
	require.JSONEq(t, `{"chainId":"c1"}`, string(rec.Payload))
}

func TestIndexDedup(t *testing.T) {
	t.Parallel()

	// Arrange.
	ctx := context.Background()
	idx := newIndex(t, lookup.Config{
		Name:          "configs",
		Service:       "ls_configs",
		DedupFields:   []string{"name", "host"},
		IndexedFields: []string{"name", "host"},
	}, lookup.NewMemoryBackend())
	fields := map[string][]string{"name": {"a"}, "host": {"h"}}

	// Act.
	require.NoError(t, idx.Store(ctx, lookuptest.Ref(1, 0), fields, nil))
	require.NoError(t, idx.Store(ctx, lookuptest.Ref(2, 0), fields, nil))
	require.NoError(t, idx.Store(ctx, lookuptest.Ref(3, 0),
		map[string][]string{"name": {"a"}, "host": {"other"}}, nil))
	all, err := idx.Find(ctx, lookup.Query{})

	// Assert.
	require.NoError(t, err)
	require.ElementsMatch(t, []lookup.OutputRef{
		lookuptest.Ref(1, 0), lookuptest.Ref(3, 0),
	}, all)

	err = idx.Store(ctx, lookuptest.Ref(4, 0),
		map[string][]string{"name": {"a"}}, nil)
	require.True(t, lookup.IsError(err, lookup.ErrInvalidRecord))

	// Dedup fields are single-valued.  A second value would otherwise
	// escape the duplicate check.
	err = idx.Store(ctx, lookuptest.Ref(5, 0),
		map[string][]string{"name": {"a", "b"}, "host": {"h"}}, nil)
	require.True(t, lookup.IsError(err, lookup.ErrInvalidRecord))
	_, err = idx.Get(ctx, lookuptest.Ref(5, 0))
	require.True(t, lookup.IsError(err, lookup.ErrNotFound))
}

func TestIndexConcurrentDedup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := newIndex(t, lookup.Config{
		Name:          "configs",
		Service:       "ls_configs",
		DedupFields:   []string{"name"},
		IndexedFields: []string{"name"},
	}, lookup.NewMemoryBackend())

	var wg sync.WaitGroup
	errs := make([]error, 32)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = idx.Store(ctx, lookuptest.Ref(byte(i), 0),
				map[string][]string{"name": {"same"}}, nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	all, err := idx.Find(ctx, lookup.Query{})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestIndexCreatedAtFromClock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	clk := clock.NewTestClock(start)
	idx := newIndex(t, lookup.Config{}, lookup.NewMemoryBackend(),
		lookup.WithClock(clk))

	require.NoError(t, idx.Store(ctx, lookuptest.Ref(1, 0), nil, nil))
	clk.SetTime(start.Add(time.Hour))
	require.NoError(t, idx.Store(ctx, lookuptest.Ref(2, 0), nil, nil))

	rec, err := idx.Get(ctx, lookuptest.Ref(1, 0))
	require.NoError(t, err)
	require.True(t, start.Equal(rec.CreatedAt))

	refs, err := idx.Find(ctx, lookup.Query{
		CreatedFrom: fn.Some(start.Add(time.Minute)),
	})
	require.NoError(t, err)
	require.Equal(t, []lookup.OutputRef{lookuptest.Ref(2, 0)}, refs)

	refs, err = idx.Find(ctx, lookup.Query{Order: lookup.Ascending})
	require.NoError(t, err)
	require.Equal(t, []lookup.OutputRef{
		lookuptest.Ref(1, 0), lookuptest.Ref(2, 0),
	}, refs)
}

func TestIndexLimits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := newIndex(t, lookup.Config{
		Name:          "paged",
		Service:       "ls_paged",
		IndexedFields: []string{"name"},
		DefaultLimit:  3,
		MaxLimit:      5,
	}, lookup.NewMemoryBackend())
	for i := 0; i < 8; i++ {
		require.NoError(t, idx.Store(ctx, lookuptest.Ref(byte(i), 0),
			nil, nil))
	}

	tests := []struct {
		name  string
		limit int
		skip  int
		want  int
	}{
		{name: "default", want: 3},
		{name: "explicit", limit: 4, want: 4},
		{name: "capped", limit: 50, want: 5},
		{name: "skip near end", limit: 5, skip: 6, want: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			refs, err := idx.Find(ctx, lookup.Query{
				Limit: tc.limit, Skip: tc.skip,
			})
			require.NoError(t, err)
			require.Len(t, refs, tc.want)
		})
	}
}

func TestIndexCallerErrors(t *testing.T) {
	t.Parallel()

	backend := &failingBackend{}
	idx := newIndex(t, lookup.Config{}, backend)
	ctx := context.Background()

	tests := []struct {
		name string
		q    lookup.Query
	}{
		{name: "negative skip", q: lookup.Query{Skip: -1}},
		{name: "negative limit", q: lookup.Query{Limit: -1}},
		{
			name: "unindexed field",
			q: lookup.Query{Predicates: []lookup.Predicate{
				lookup.Equal("secret", "x"),
			}},
		},
		{
			name: "empty predicate",
			q: lookup.Query{Predicates: []lookup.Predicate{
				lookup.In("name"),
			}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := idx.Find(ctx, tc.q)
			require.True(t, lookup.IsError(err, lookup.ErrCaller),
				"got %v", err)
		})
	}

	_, err := idx.Answer(ctx, &lookup.Question{Service: "ls_other"},
		func(json.RawMessage) (*lookup.Query, error) {
			t.Fatal("translator called for foreign service")
			return nil, nil
		})
	require.True(t, lookup.IsError(err, lookup.ErrCaller))

	_, err = idx.Answer(ctx, &lookup.Question{Service: "ls_things"},
		func(json.RawMessage) (*lookup.Query, error) {
			return nil, errors.New("identityKey required")
		})
	require.True(t, lookup.IsError(err, lookup.ErrCaller))
	require.ErrorContains(t, err, "identityKey required")

	require.Zero(t, backend.calls)
}

// TestIndexedPrefixes stores and finds fields named by a prefix rather than
// listed one by one.
func TestIndexedPrefixes(t *testing.T) {
	t.Parallel()

	// Arrange.
	ctx := context.Background()
	idx := newIndex(t, lookup.Config{
		Name:            "people",
		Service:         "ls_people",
		IndexedFields:   []string{"key"},
		IndexedPrefixes: []string{"attr."},
	}, lookup.NewMemoryBackend())
	ref := lookuptest.Ref(1, 0)

	// Act.
	err := idx.Store(ctx, ref, map[string][]string{
		"key":        {"k1"},
		"attr.email": {"alice@example.com"},
	}, nil)
	require.NoError(t, err)

	// Assert.
	found, err := idx.Find(ctx, lookup.Query{
		Predicates: []lookup.Predicate{
			lookup.Subsequence("attr.email", "alice"),
		},
	})
	require.NoError(t, err)
	require.Equal(t, []lookup.OutputRef{ref}, found)

	// The bare prefix is not a field.
	err = idx.Store(ctx, lookuptest.Ref(2, 0), map[string][]string{
		"attr.": {"x"},
	}, nil)
	require.True(t, lookup.IsError(err, lookup.ErrInvalidRecord),
		"got %v", err)

	_, err = idx.Find(ctx, lookup.Query{Predicates: []lookup.Predicate{
		lookup.Equal("email", "x"),
	}})
	require.True(t, lookup.IsError(err, lookup.ErrCaller), "got %v", err)
}

func TestIndexBackendErrors(t *testing.T) {
	t.Parallel()

	backend := &failingBackend{}
	idx := newIndex(t, lookup.Config{}, backend)
	ctx := context.Background()
	ref := lookuptest.Ref(1, 0)

	err := idx.Store(ctx, ref, nil, nil)
	require.True(t, lookup.IsError(err, lookup.ErrBackend))
	require.ErrorIs(t, err, errBoom)

	_, err = idx.Find(ctx, lookup.Query{})
	require.True(t, lookup.IsError(err, lookup.ErrBackend))

	err = idx.Evict(ctx, ref)
	require.True(t, lookup.IsError(err, lookup.ErrBackend))

	err = idx.Store(ctx, ref, map[string][]string{"bogus": {"x"}}, nil)
	require.True(t, lookup.IsError(err, lookup.ErrInvalidRecord))
	require.False(t, lookup.IsError(err, lookup.ErrBackend))
}

func TestIndexMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := lookup.NewMetrics(reg)
	idx := newIndex(t, lookup.Config{}, lookup.NewMemoryBackend(),
		lookup.WithMetrics(m))
	ctx := context.Background()

	require.NoError(t, idx.Store(ctx, lookuptest.Ref(1, 0), nil, nil))
	_, err := idx.Find(ctx, lookup.Query{Limit: -1})
	require.Error(t, err)

	count, err := testutil.GatherAndCount(reg,
		"overlay_lookup_operations_total")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestNewIndexValidatesConfig(t *testing.T) {
	t.Parallel()

	b := lookup.NewMemoryBackend()
	_, err := lookup.NewIndex(lookup.Config{}, b)
	require.Error(t, err)

	_, err = lookup.NewIndex(lookup.Config{
		Name: "x", DedupFields: []string{"a"},
	}, b)
	require.Error(t, err)

	_, err = lookup.NewIndex(lookup.Config{
		Name: "x", SortField: "release_date",
	}, b)
	require.Error(t, err)
}

func TestPredicateMatch(t *testing.T) {
	t.Parallel()

	rec := &lookup.Record{Fields: map[string][]string{
		"name": {"Wallet Config (Prod)"},
	}}

	tests := []struct {
		pred lookup.Predicate
		want bool
	}{
		{lookup.Subsequence("name", "wcp"), true},
		{lookup.Subsequence("name", "(prod)"), true},
		{lookup.Subsequence("name", "pw"), false},
		{lookup.Subsequence("name", "."), false},
		{lookup.Contains("name", "config (p"), true},
		{lookup.Contains("other", ""), false},
		{lookup.In("name", "x", "Wallet Config (Prod)"), true},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, tc.pred.Match(rec),
			"%v %v", tc.pred.Op, tc.pred.Values)
	}
}

func TestOutputRef(t *testing.T) {
	t.Parallel()

	ref := lookuptest.Ref(4, 7)
	parsed, err := lookup.ParseOutputRef(ref.String())
	require.NoError(t, err)
	require.Equal(t, ref, parsed)

	b, err := json.Marshal(ref)
	require.NoError(t, err)
	require.JSONEq(t, `{"txid":"`+ref.Txid.String()+`","outputIndex":7}`,
		string(b))

	var decoded lookup.OutputRef
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, ref, decoded)

	for _, bad := range []string{"", "abc", ref.Txid.String(),
		"00.1", ref.Txid.String() + ".x"} {

		_, err := lookup.ParseOutputRef(bad)
		require.Error(t, err, bad)
	}

	var h chainhash.Hash
	require.Equal(t, h.String()+".0", lookup.OutputRef{}.String())
}
