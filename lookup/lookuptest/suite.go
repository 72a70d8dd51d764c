// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package lookuptest holds the behaviour every lookup.Backend must share,
// as a test suite the backend packages run against themselves.
package lookuptest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"github.com/utxoverlay/overlayd/lookup"
)

// BackendFactory returns a fresh, empty backend for one test.  The
// factory is responsible for cleanup.
type BackendFactory func(t *testing.T) lookup.Backend

// Epoch is the creation time of the first record stored by the suite.
// Later records are one minute apart.
var Epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Ref returns a deterministic output reference.
func Ref(seed byte, index uint32) lookup.OutputRef {
	var h chainhash.Hash
	for i := range h {
		h[i] = seed + byte(i)
	}
	return lookup.OutputRef{Txid: h, Index: index}
}

// Record returns a record with the given fields created n minutes after
// Epoch.
func Record(ref lookup.OutputRef, n int,
	fields map[string][]string) *lookup.Record {

	return &lookup.Record{
		Ref:       ref,
		CreatedAt: Epoch.Add(time.Duration(n) * time.Minute),
		Fields:    fields,
		Payload:   []byte(fmt.Sprintf(`{"n":%d}`, n)),
	}
}

// RunBackendTests runs the shared suite.
func RunBackendTests(t *testing.T, newBackend BackendFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, b lookup.Backend)
	}{
		{"put get", testPutGet},
		{"missing record", testMissing},
		{"delete", testDelete},
		{"annotate", testAnnotate},
		{"find one", testFindOne},
		{"predicates", testPredicates},
		{"restrictions", testRestrictions},
		{"ordering", testOrdering},
		{"collections", testCollections},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.test(t, newBackend(t))
		})
	}
}

func testPutGet(t *testing.T, b lookup.Backend) {
	ctx := context.Background()

	// Arrange.
	rec := Record(Ref(1, 2), 0, map[string][]string{
		"name": {"alice"},
		"tags": {"a", "b"},
	})

	// Act.
	require.NoError(t, b.Put(ctx, "things", rec))
	got, err := b.Get(ctx, "things", rec.Ref)

	// Assert.
	require.NoError(t, err)
	require.Equal(t, rec.Ref, got.Ref)
	require.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	require.Equal(t, rec.Fields, got.Fields)
	require.Equal(t, rec.Payload, got.Payload)
	require.True(t, got.SpendingTxid.IsNone())

	// Put replaces.
	rec.Fields["name"] = []string{"bob"}
	require.NoError(t, b.Put(ctx, "things", rec))
	got, err = b.Get(ctx, "things", rec.Ref)
	require.NoError(t, err)
	require.Equal(t, "bob", got.Field("name"))
}

func testMissing(t *testing.T, b lookup.Backend) {
	_, err := b.Get(context.Background(), "things", Ref(9, 0))
	require.True(t, lookup.IsError(err, lookup.ErrNotFound), "got %v", err)
}

func testDelete(t *testing.T, b lookup.Backend) {
	ctx := context.Background()
	rec := Record(Ref(1, 0), 0, map[string][]string{"name": {"x"}})
	require.NoError(t, b.Put(ctx, "things", rec))

	require.NoError(t, b.Delete(ctx, "things", rec.Ref))
	_, err := b.Get(ctx, "things", rec.Ref)
	require.True(t, lookup.IsError(err, lookup.ErrNotFound))

	// Deleting again is not an error.
	require.NoError(t, b.Delete(ctx, "things", rec.Ref))

	res, err := b.Query(ctx, "things", &lookup.Query{}, "")
	require.NoError(t, err)
	require.Empty(t, res)
}

func testAnnotate(t *testing.T, b lookup.Backend) {
	ctx := context.Background()
	rec := Record(Ref(1, 0), 0, map[string][]string{"name": {"x"}})
	require.NoError(t, b.Put(ctx, "things", rec))

	spender := Ref(7, 0).Txid
	require.NoError(t, b.Annotate(ctx, "things", rec.Ref, spender))

	got, err := b.Get(ctx, "things", rec.Ref)
	require.NoError(t, err)
	require.Equal(t, fn.Some(spender), got.SpendingTxid)
	require.Equal(t, rec.Fields, got.Fields)

	// Annotating an absent record leaves it absent.
	require.NoError(t, b.Annotate(ctx, "things", Ref(2, 0), spender))
	_, err = b.Get(ctx, "things", Ref(2, 0))
	require.True(t, lookup.IsError(err, lookup.ErrNotFound))
}

func testFindOne(t *testing.T, b lookup.Backend) {
	ctx := context.Background()
	rec := Record(Ref(1, 0), 0, map[string][]string{
		"a": {"1"}, "b": {"2"},
	})
	require.NoError(t, b.Put(ctx, "things", rec))

	found, err := b.FindOne(ctx, "things", []lookup.Predicate{
		lookup.Equal("a", "1"), lookup.Equal("b", "2"),
	})
	require.NoError(t, err)
	require.Equal(t, fn.Some(rec.Ref), found)

	found, err = b.FindOne(ctx, "things", []lookup.Predicate{
		lookup.Equal("a", "1"), lookup.Equal("b", "3"),
	})
	require.NoError(t, err)
	require.True(t, found.IsNone())
}

func testPredicates(t *testing.T, b lookup.Backend) {
	ctx := context.Background()
	recs := []*lookup.Record{
		Record(Ref(1, 0), 0, map[string][]string{
			"name": {"Overlay Explorer"}, "tags": {"tools", "web"},
		}),
		Record(Ref(2, 0), 1, map[string][]string{
			"name": {"Monster Battle"}, "tags": {"games"},
		}),
		Record(Ref(3, 0), 2, map[string][]string{
			"name": {"100%_done"}, "tags": {"misc"},
		}),
	}
	for _, r := range recs {
		require.NoError(t, b.Put(ctx, "apps", r))
	}

	tests := []struct {
		name string
		pred lookup.Predicate
		want []lookup.OutputRef
	}{
		{
			name: "equal",
			pred: lookup.Equal("name", "Monster Battle"),
			want: []lookup.OutputRef{recs[1].Ref},
		},
		{
			name: "equal is case sensitive",
			pred: lookup.Equal("name", "monster battle"),
		},
		{
			name: "in over multi valued field",
			pred: lookup.In("tags", "web", "games"),
			want: []lookup.OutputRef{recs[1].Ref, recs[0].Ref},
		},
		{
			name: "contains ignores case",
			pred: lookup.Contains("name", "EXPLOR"),
			want: []lookup.OutputRef{recs[0].Ref},
		},
		{
			name: "contains treats wildcards literally",
			pred: lookup.Contains("name", "%_"),
			want: []lookup.OutputRef{recs[2].Ref},
		},
		{
			name: "subsequence",
			pred: lookup.Subsequence("name", "mbtl"),
			want: []lookup.OutputRef{recs[1].Ref},
		},
		{
			name: "subsequence escapes metacharacters",
			pred: lookup.Subsequence("name", "1.%"),
		},
		{
			name: "subsequence out of order",
			pred: lookup.Subsequence("name", "lbm"),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := b.Query(ctx, "apps", &lookup.Query{
				Predicates: []lookup.Predicate{tc.pred},
			}, "")
			require.NoError(t, err)
			require.Equal(t, tc.want, refs(res))
		})
	}
}

func testRestrictions(t *testing.T, b lookup.Backend) {
	ctx := context.Background()
	a0 := Record(Ref(1, 0), 0, map[string][]string{"k": {"v"}})
	a1 := Record(Ref(1, 1), 1, map[string][]string{"k": {"v"}})
	b0 := Record(Ref(2, 0), 2, map[string][]string{"k": {"v"}})
	for _, r := range []*lookup.Record{a0, a1, b0} {
		require.NoError(t, b.Put(ctx, "things", r))
	}

	tests := []struct {
		name string
		q    lookup.Query
		want []lookup.OutputRef
	}{
		{
			name: "txid",
			q:    lookup.Query{Txid: fn.Some(a0.Ref.Txid)},
			want: []lookup.OutputRef{a1.Ref, a0.Ref},
		},
		{
			name: "ref",
			q:    lookup.Query{Ref: fn.Some(a1.Ref)},
			want: []lookup.OutputRef{a1.Ref},
		},
		{
			name: "created range is inclusive",
			q: lookup.Query{
				CreatedFrom: fn.Some(a1.CreatedAt),
				CreatedTo:   fn.Some(b0.CreatedAt),
			},
			want: []lookup.OutputRef{b0.Ref, a1.Ref},
		},
		{
			name: "created from only",
			q:    lookup.Query{CreatedFrom: fn.Some(b0.CreatedAt)},
			want: []lookup.OutputRef{b0.Ref},
		},
		{
			name: "skip and limit",
			q:    lookup.Query{Skip: 1, Limit: 1},
			want: []lookup.OutputRef{a1.Ref},
		},
		{
			name: "skip past end",
			q:    lookup.Query{Skip: 5},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := b.Query(ctx, "things", &tc.q, "")
			require.NoError(t, err)
			require.Equal(t, tc.want, refs(res))
		})
	}
}

func testOrdering(t *testing.T, b lookup.Backend) {
	ctx := context.Background()
	r0 := Record(Ref(1, 0), 0, map[string][]string{"date": {"2024-03"}})
	r1 := Record(Ref(2, 0), 1, map[string][]string{"date": {"2024-01"}})
	r2 := Record(Ref(3, 0), 2, map[string][]string{"date": {"2024-02"}})
	for _, r := range []*lookup.Record{r0, r1, r2} {
		require.NoError(t, b.Put(ctx, "things", r))
	}

	tests := []struct {
		name  string
		field string
		order lookup.SortOrder
		want  []lookup.OutputRef
	}{
		{
			name: "created descending",
			want: []lookup.OutputRef{r2.Ref, r1.Ref, r0.Ref},
		},
		{
			name:  "created ascending",
			field: lookup.CreatedAtField,
			order: lookup.Ascending,
			want:  []lookup.OutputRef{r0.Ref, r1.Ref, r2.Ref},
		},
		{
			name:  "field descending",
			field: "date",
			want:  []lookup.OutputRef{r0.Ref, r2.Ref, r1.Ref},
		},
		{
			name:  "field ascending",
			field: "date",
			order: lookup.Ascending,
			want:  []lookup.OutputRef{r1.Ref, r2.Ref, r0.Ref},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := b.Query(ctx, "things", &lookup.Query{
				Order: tc.order,
			}, tc.field)
			require.NoError(t, err)
			require.Equal(t, tc.want, refs(res))
		})
	}
}

func testCollections(t *testing.T, b lookup.Backend) {
	ctx := context.Background()
	ref := Ref(1, 0)
	require.NoError(t, b.Put(ctx, "one", Record(ref, 0, nil)))

	_, err := b.Get(ctx, "two", ref)
	require.True(t, lookup.IsError(err, lookup.ErrNotFound))

	res, err := b.Query(ctx, "two", &lookup.Query{}, "")
	require.NoError(t, err)
	require.Empty(t, res)

	require.NoError(t, b.Delete(ctx, "two", ref))
	_, err = b.Get(ctx, "one", ref)
	require.NoError(t, err)
}

func refs(records []*lookup.Record) []lookup.OutputRef {
	if len(records) == 0 {
		return nil
	}
	out := make([]lookup.OutputRef, len(records))
	for i, r := range records {
		out[i] = r.Ref
	}
	return out
}
