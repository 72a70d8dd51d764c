// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lookup

import (
	"bytes"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// CreatedAtField is the sort key naming the record creation time.
const CreatedAtField = "createdAt"

// Op is a predicate operator.
type Op uint8

// These constants define the supported predicate operators.
const (
	// OpEqual matches when some value of the field equals Values[0].
	OpEqual Op = iota

	// OpIn matches when some value of the field equals any of Values.
	OpIn

	// OpContains matches when some value of the field contains Values[0],
	// ignoring case.
	OpContains

	// OpSubsequence matches when the characters of Values[0] appear in
	// order, not necessarily adjacent, in some value of the field,
	// ignoring case.
	OpSubsequence
)

var opStrings = map[Op]string{
	OpEqual:       "eq",
	OpIn:          "in",
	OpContains:    "contains",
	OpSubsequence: "subsequence",
}

func (o Op) String() string {
	if s, ok := opStrings[o]; ok {
		return s
	}
	return "unknown"
}

// Predicate restricts a query to records whose field satisfies Op.
type Predicate struct {
	Field  string
	Op     Op
	Values []string
}

// Equal returns an OpEqual predicate.
func Equal(field, value string) Predicate {
	return Predicate{Field: field, Op: OpEqual, Values: []string{value}}
}

// In returns an OpIn predicate.
func In(field string, values ...string) Predicate {
	return Predicate{Field: field, Op: OpIn, Values: values}
}

// Contains returns an OpContains predicate.
func Contains(field, value string) Predicate {
	return Predicate{Field: field, Op: OpContains, Values: []string{value}}
}

// Subsequence returns an OpSubsequence predicate.
func Subsequence(field, value string) Predicate {
	return Predicate{Field: field, Op: OpSubsequence,
		Values: []string{value}}
}

// SubsequencePattern returns the unanchored, case-insensitive regular
// expression matching s as a subsequence: every character escaped and
// joined by ".*".
func SubsequencePattern(s string) string {
	parts := make([]string, 0, len(s))
	for _, c := range s {
		parts = append(parts, regexp.QuoteMeta(string(c)))
	}
	return "(?i)" + strings.Join(parts, ".*")
}

// Match reports whether the record satisfies the predicate.
func (p Predicate) Match(r *Record) bool {
	values := r.Fields[p.Field]
	switch p.Op {
	case OpEqual:
		for _, v := range values {
			if v == p.Values[0] {
				return true
			}
		}

	case OpIn:
		for _, v := range values {
			for _, want := range p.Values {
				if v == want {
					return true
				}
			}
		}

	case OpContains:
		want := strings.ToLower(p.Values[0])
		for _, v := range values {
			if strings.Contains(strings.ToLower(v), want) {
				return true
			}
		}

	case OpSubsequence:
		re, err := regexp.Compile(SubsequencePattern(p.Values[0]))
		if err != nil {
			return false
		}
		for _, v := range values {
			if re.MatchString(v) {
				return true
			}
		}
	}
	return false
}

// SortOrder orders query results.  The zero value is descending.
type SortOrder uint8

const (
	// Descending returns the newest (or greatest) records first.
	Descending SortOrder = iota

	// Ascending returns the oldest (or least) records first.
	Ascending
)

// ParseSortOrder maps "asc" and "desc" to a SortOrder.  Anything else,
// including the empty string, is descending.
func ParseSortOrder(s string) SortOrder {
	if strings.EqualFold(s, "asc") {
		return Ascending
	}
	return Descending
}

// Query selects records from one index.  All set restrictions must hold.
type Query struct {
	Predicates []Predicate

	// Ref restricts the result to one output.
	Ref fn.Option[OutputRef]

	// Txid restricts the result to outputs of one transaction.
	Txid fn.Option[chainhash.Hash]

	// CreatedFrom and CreatedTo bound the creation time, inclusive.
	CreatedFrom fn.Option[time.Time]
	CreatedTo   fn.Option[time.Time]

	// Skip drops the first records of the ordered result.  Limit caps
	// its length; zero selects the index default.
	Skip  int
	Limit int

	Order SortOrder
}

// Match reports whether the record satisfies every restriction.
func (q *Query) Match(r *Record) bool {
	if q.Ref.UnwrapOr(r.Ref) != r.Ref {
		return false
	}
	if q.Txid.UnwrapOr(r.Ref.Txid) != r.Ref.Txid {
		return false
	}
	if from := q.CreatedFrom.UnwrapOr(r.CreatedAt); r.CreatedAt.Before(from) {
		return false
	}
	if to := q.CreatedTo.UnwrapOr(r.CreatedAt); r.CreatedAt.After(to) {
		return false
	}
	for _, p := range q.Predicates {
		if !p.Match(r) {
			return false
		}
	}
	return true
}

// SortRecords orders records by sortField in the given order.  Ties, and
// records missing the field, fall back to creation time and then to the
// output reference so that the order is total.
func SortRecords(records []*Record, sortField string, order SortOrder) {
	less := func(a, b *Record) bool {
		if sortField != "" && sortField != CreatedAtField {
			av, bv := a.Field(sortField), b.Field(sortField)
			if av != bv {
				return av < bv
			}
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return compareRefs(a.Ref, b.Ref) < 0
	}
	sort.SliceStable(records, func(i, j int) bool {
		if order == Ascending {
			return less(records[i], records[j])
		}
		return less(records[j], records[i])
	})
}

// Page applies skip and limit to an ordered result.  A zero limit keeps
// everything after skip.
func Page(records []*Record, skip, limit int) []*Record {
	if skip >= len(records) {
		return nil
	}
	records = records[skip:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}

func compareRefs(a, b OutputRef) int {
	if c := bytes.Compare(a.Txid[:], b.Txid[:]); c != 0 {
		return c
	}
	switch {
	case a.Index < b.Index:
		return -1
	case a.Index > b.Index:
		return 1
	}
	return 0
}
