// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package protocols

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/utxoverlay/overlayd/lookup"
)

// errNoQuery is returned for a missing or null query document.
var errNoQuery = errors.New("a valid query must be provided")

// decodeQuery unmarshals a client query into v.
func decodeQuery(raw json.RawMessage, v interface{}) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return errNoQuery
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("malformed query: %w", err)
	}
	return nil
}

// paging holds the keys that page and order list queries.
type paging struct {
	Limit     *int   `json:"limit"`
	Skip      *int   `json:"skip"`
	SortOrder string `json:"sortOrder"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// query starts an index query with p's limit, offset and order.  The index
// rejects negative values and reads a zero limit as its default.
func (p *paging) query() *lookup.Query {
	q := &lookup.Query{Order: lookup.ParseSortOrder(p.SortOrder)}
	if p.Limit != nil {
		q.Limit = *p.Limit
	}
	if p.Skip != nil {
		q.Skip = *p.Skip
	}
	return q
}

// dateRange parses p's creation date bounds.
func (p *paging) dateRange() (fn.Option[time.Time], fn.Option[time.Time],
	error) {

	none := fn.None[time.Time]()
	from, err := parseDate("startDate", p.StartDate)
	if err != nil {
		return none, none, err
	}
	to, err := parseDate("endDate", p.EndDate)
	if err != nil {
		return none, none, err
	}
	return from, to, nil
}

// dateLayouts are the accepted forms of a query date.
var dateLayouts = []string{time.RFC3339Nano, "2006-01-02"}

func parseDate(key, s string) (fn.Option[time.Time], error) {
	if s == "" {
		return fn.None[time.Time](), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return fn.Some(t.UTC()), nil
		}
	}
	return fn.None[time.Time](), fmt.Errorf("invalid %s %q", key, s)
}

// parseTxid parses a txid in its display hex form.
func parseTxid(s string) (chainhash.Hash, error) {
	if len(s) != chainhash.MaxHashStringSize {
		return chainhash.Hash{}, fmt.Errorf("invalid txid %q", s)
	}
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid txid %q: %w", s, err)
	}
	return *h, nil
}

// parseOutpoint accepts "<txid>.<index>" and "<txid>:<index>".
func parseOutpoint(s string) (lookup.OutputRef, error) {
	return lookup.ParseOutputRef(strings.Replace(s, ":", ".", 1))
}

// pagedRequest is the query document of the paged protocols.  The primary
// key varies by protocol and is read separately.
type pagedRequest struct {
	paging

	Txid     string `json:"txid"`
	Outpoint string `json:"outpoint"`
}

// pagedTranslator answers a paged protocol's queries.  The first key
// present wins: the protocol's primary field (if any), then outpoint, then
// txid.  Without any of them the query lists records inside the optional
// date range.  Dates are validated in every case.
func pagedTranslator(primary string,
	normalize func(string) string) lookup.Translator {

	return func(raw json.RawMessage) (*lookup.Query, error) {
		var req pagedRequest
		if err := decodeQuery(raw, &req); err != nil {
			return nil, err
		}
		q := req.query()
		from, to, err := req.dateRange()
		if err != nil {
			return nil, err
		}

		if primary != "" {
			var keys map[string]json.RawMessage
			if err := json.Unmarshal(raw, &keys); err != nil {
				return nil, fmt.Errorf("malformed query: %w", err)
			}
			value, err := stringKey(keys, primary)
			if err != nil {
				return nil, err
			}
			if value != "" {
				if normalize != nil {
					value = normalize(value)
				}
				q.Predicates = []lookup.Predicate{
					lookup.Equal(primary, value),
				}
				return q, nil
			}
		}

		switch {
		case req.Outpoint != "":
			ref, err := parseOutpoint(req.Outpoint)
			if err != nil {
				return nil, err
			}
			q.Ref = fn.Some(ref)

		case req.Txid != "":
			txid, err := parseTxid(req.Txid)
			if err != nil {
				return nil, err
			}
			q.Txid = fn.Some(txid)

		default:
			q.CreatedFrom, q.CreatedTo = from, to
		}
		return q, nil
	}
}

// stringKey returns the string value of key, or "" when it is absent or
// null.
func stringKey(keys map[string]json.RawMessage, key string) (string, error) {
	raw, ok := keys[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return s, nil
}

// pagedIndex is the index configuration shared by the paged protocols.
func pagedIndex(name, topicName, service string, mode lookup.SpendMode,
	fields ...string) lookup.Config {

	return lookup.Config{
		Name:          name,
		Topic:         topicName,
		Service:       service,
		SpendMode:     mode,
		IndexedFields: fields,
		DefaultLimit:  defaultPageSize,
	}
}
