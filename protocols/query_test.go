// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package protocols

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"github.com/utxoverlay/overlayd/lookup"
)

var testTxid = strings.Repeat("ab", 32)

func TestPagedTranslator(t *testing.T) {
	t.Parallel()

	txid, err := chainhash.NewHashFromStr(testTxid)
	require.NoError(t, err)
	ref := lookup.OutputRef{Txid: *txid, Index: 2}

	translate := pagedTranslator(fieldThreadHash, strings.ToLower)

	tests := []struct {
		name    string
		query   string
		want    *lookup.Query
		wantErr string
	}{
		{
			name:  "primary wins",
			query: `{"threadHash":"ABCD","txid":"` + testTxid + `"}`,
			want: &lookup.Query{Predicates: []lookup.Predicate{
				lookup.Equal(fieldThreadHash, "abcd"),
			}},
		},
		{
			name: "outpoint before txid",
			query: `{"outpoint":"` + testTxid + `:2","txid":"` +
				testTxid + `"}`,
			want: &lookup.Query{Ref: fn.Some(ref)},
		},
		{
			name:  "txid",
			query: `{"txid":"` + testTxid + `","limit":5,"skip":1}`,
			want: &lookup.Query{Txid: fn.Some(*txid), Limit: 5,
				Skip: 1},
		},
		{
			name:  "list in range",
			query: `{"startDate":"2024-01-01","sortOrder":"asc"}`,
			want: &lookup.Query{
				CreatedFrom: fn.Some(time.Date(2024, 1, 1, 0, 0,
					0, 0, time.UTC)),
				Order: lookup.Ascending,
			},
		},
		{
			name:  "date checked outside list mode",
			query: `{"txid":"` + testTxid + `","endDate":"soon"}`,
			wantErr: "invalid endDate",
		},
		{
			name:    "short txid",
			query:   `{"txid":"abcd"}`,
			wantErr: "invalid txid",
		},
		{
			name:    "primary not a string",
			query:   `{"threadHash":7}`,
			wantErr: "threadHash must be a string",
		},
		{
			name:    "null",
			query:   `null`,
			wantErr: errNoQuery.Error(),
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			// Act.
			q, err := translate(json.RawMessage(test.query))

			// Assert.
			if test.wantErr != "" {
				require.ErrorContains(t, err, test.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.want, q)
		})
	}
}

func TestTranslateIdentity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		query   string
		want    []lookup.Predicate
		wantErr bool
	}{
		{
			name:  "serial number ignores certifiers",
			query: `{"serialNumber":"s1"}`,
			want: []lookup.Predicate{
				lookup.Equal(fieldSerialNumber, "s1"),
			},
		},
		{
			name:    "certifiers required",
			query:   `{"identityKey":"k"}`,
			wantErr: true,
		},
		{
			name: "attributes",
			query: `{"certifiers":["c"],"attributes":` +
				`{"name":"ali","any":"x"}}`,
			want: []lookup.Predicate{
				lookup.In(fieldCertifier, "c"),
				lookup.Subsequence(fieldSearchable, "x"),
				lookup.Subsequence("attr.name", "ali"),
			},
		},
		{
			name:    "empty attribute name",
			query:   `{"certifiers":["c"],"attributes":{"":"x"}}`,
			wantErr: true,
		},
		{
			name: "key and types",
			query: `{"certifiers":["c"],"identityKey":"k",` +
				`"certificateTypes":["t"]}`,
			want: []lookup.Predicate{
				lookup.Equal(fieldIdentityKey, "k"),
				lookup.In(fieldCertType, "t"),
				lookup.In(fieldCertifier, "c"),
			},
		},
		{
			name:  "key",
			query: `{"certifiers":["c"],"identityKey":"k"}`,
			want: []lookup.Predicate{
				lookup.Equal(fieldIdentityKey, "k"),
				lookup.In(fieldCertifier, "c"),
			},
		},
		{
			name:  "certifiers alone",
			query: `{"certifiers":["c","d"]}`,
			want: []lookup.Predicate{
				lookup.In(fieldCertifier, "c", "d"),
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			q, err := translateIdentity(json.RawMessage(test.query))
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.want, q.Predicates)
		})
	}
}

func TestTranslateWalletConfig(t *testing.T) {
	t.Parallel()

	q, err := translateWalletConfig(json.RawMessage(
		`{"registryOperators":["op"],"name":"wal","wab":"w"}`))
	require.NoError(t, err)
	require.Equal(t, []lookup.Predicate{
		lookup.In(fieldRegistryOperator, "op"),
		lookup.Subsequence("name", "wal"),
	}, q.Predicates)

	_, err = translateWalletConfig(json.RawMessage(`{"name":"wal"}`))
	require.ErrorIs(t, err, errNoOperators)
}

func TestTranslateApps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		want  []lookup.Predicate
	}{
		{
			name:  "domain first",
			query: `{"domain":"example.com","publisher":"p"}`,
			want: []lookup.Predicate{
				lookup.Equal(fieldDomain, "example.com"),
			},
		},
		{
			name:  "tags before name",
			query: `{"tags":["a","b"],"name":"ex"}`,
			want: []lookup.Predicate{
				lookup.In(fieldTags, "a", "b"),
			},
		},
		{
			name:  "name",
			query: `{"name":"ex"}`,
			want: []lookup.Predicate{
				lookup.Contains(fieldAppName, "ex"),
			},
		},
		{
			name:  "list",
			query: `{}`,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			q, err := translateApps(json.RawMessage(test.query))
			require.NoError(t, err)
			require.Equal(t, test.want, q.Predicates)
		})
	}

	t.Run("outpoint", func(t *testing.T) {
		t.Parallel()

		q, err := translateApps(json.RawMessage(
			`{"outpoint":"` + testTxid + `.1","skip":4,"limit":9}`))
		require.NoError(t, err)
		require.True(t, q.Ref.IsSome())
		require.Equal(t, 0, q.Skip)
		require.Equal(t, 1, q.Limit)
	})
}

func TestTranslateMessageBox(t *testing.T) {
	t.Parallel()

	q, err := translateMessageBox(json.RawMessage(
		`{"identityKey":"k","host":"h"}`))
	require.NoError(t, err)
	require.Equal(t, lookup.Descending, q.Order)
	require.Equal(t, []lookup.Predicate{
		lookup.Equal(fieldIdentityKey, "k"),
		lookup.Equal(fieldHost, "h"),
	}, q.Predicates)

	_, err = translateMessageBox(json.RawMessage(`{"host":"h"}`))
	require.ErrorIs(t, err, errNoIdentityKey)
}

// TestRegistry checks that every protocol can be found by each of its
// names and that topics and services are unique.
func TestRegistry(t *testing.T) {
	t.Parallel()

	topics := make(map[string]bool)
	services := make(map[string]bool)
	for _, p := range All() {
		require.NotNil(t, p.Topic.Rule, p.Name)
		require.NotNil(t, p.Extract, p.Name)
		require.NotNil(t, p.Translate, p.Name)
		require.Equal(t, p.Topic.Topic, p.Index.Topic, p.Name)

		require.False(t, topics[p.Topic.Topic], p.Topic.Topic)
		require.False(t, services[p.Index.Service], p.Index.Service)
		topics[p.Topic.Topic] = true
		services[p.Index.Service] = true

		byTopic, err := ByTopic(p.Topic.Topic)
		require.NoError(t, err)
		require.Equal(t, p.Name, byTopic.Name)

		byService, err := ByService(p.Index.Service)
		require.NoError(t, err)
		require.Equal(t, p.Name, byService.Name)
	}

	require.Len(t, Names(), len(registry))
	require.IsIncreasing(t, Names())

	_, err := ByName("nope")
	require.ErrorIs(t, err, ErrUnknownProtocol)
	_, err = ByService("ls_nope")
	require.ErrorIs(t, err, ErrUnknownProtocol)
}
