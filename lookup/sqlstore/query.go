// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sqlstore

import (
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/utxoverlay/overlayd/lookup"
)

// selectBuilder accumulates a parameterized statement.
type selectBuilder struct {
	dialect Dialect
	sql     strings.Builder
	args    []interface{}
}

// arg binds v and returns its placeholder.
func (b *selectBuilder) arg(v interface{}) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// collate returns the clause forcing byte order comparison of text.
func (b *selectBuilder) collate() string {
	if b.dialect == Postgres {
		return ` COLLATE "C"`
	}
	return ""
}

// buildSelect translates a query into SQL selecting txid, output_index,
// created_at, spending_txid and payload, in that order.
func buildSelect(d Dialect, coll string, q *lookup.Query,
	sortField string) (string, []interface{}) {

	b := &selectBuilder{dialect: d}
	b.sql.WriteString(`SELECT r.txid, r.output_index, r.created_at, ` +
		`r.spending_txid, r.payload FROM records r WHERE r.collection = `)
	b.sql.WriteString(b.arg(coll))

	q.Ref.WhenSome(func(ref lookup.OutputRef) {
		b.sql.WriteString(" AND r.txid = " + b.arg(ref.Txid[:]))
		b.sql.WriteString(" AND r.output_index = " +
			b.arg(int64(ref.Index)))
	})
	q.Txid.WhenSome(func(txid chainhash.Hash) {
		b.sql.WriteString(" AND r.txid = " + b.arg(txid[:]))
	})
	q.CreatedFrom.WhenSome(func(t time.Time) {
		b.sql.WriteString(" AND r.created_at >= " +
			b.arg(t.UnixNano()))
	})
	q.CreatedTo.WhenSome(func(t time.Time) {
		b.sql.WriteString(" AND r.created_at <= " +
			b.arg(t.UnixNano()))
	})

	for _, p := range q.Predicates {
		b.sql.WriteString(" AND EXISTS (SELECT 1 FROM record_fields f " +
			"WHERE f.collection = r.collection AND f.txid = r.txid " +
			"AND f.output_index = r.output_index AND f.name = ")
		b.sql.WriteString(b.arg(p.Field))
		b.sql.WriteString(" AND ")
		b.predicate(p)
		b.sql.WriteString(")")
	}

	dir := " DESC"
	if q.Order == lookup.Ascending {
		dir = " ASC"
	}
	b.sql.WriteString(" ORDER BY ")
	if sortField != "" && sortField != lookup.CreatedAtField {
		b.sql.WriteString("COALESCE((SELECT s.value FROM " +
			"record_fields s WHERE s.collection = r.collection " +
			"AND s.txid = r.txid AND s.output_index = " +
			"r.output_index AND s.position = 0 AND s.name = ")
		b.sql.WriteString(b.arg(sortField))
		b.sql.WriteString("), '')" + b.collate() + dir + ", ")
	}
	b.sql.WriteString("r.created_at" + dir + ", r.txid" + dir +
		", r.output_index" + dir)

	switch {
	case q.Limit > 0:
		b.sql.WriteString(" LIMIT " + b.arg(int64(q.Limit)))

	case q.Skip > 0 && d == SQLite:
		// SQLite only accepts OFFSET after a LIMIT.
		b.sql.WriteString(" LIMIT -1")
	}
	if q.Skip > 0 {
		b.sql.WriteString(" OFFSET " + b.arg(int64(q.Skip)))
	}

	return b.sql.String(), b.args
}

// predicate writes the condition on f.value for p.
func (b *selectBuilder) predicate(p lookup.Predicate) {
	switch p.Op {
	case lookup.OpEqual:
		b.sql.WriteString("f.value = " + b.arg(p.Values[0]))

	case lookup.OpIn:
		b.sql.WriteString("f.value IN (")
		for i, v := range p.Values {
			if i > 0 {
				b.sql.WriteString(", ")
			}
			b.sql.WriteString(b.arg(v))
		}
		b.sql.WriteString(")")

	case lookup.OpContains:
		pattern := "%" + escapeLike(strings.ToLower(p.Values[0])) + "%"
		b.sql.WriteString("LOWER(f.value) LIKE " + b.arg(pattern) +
			` ESCAPE '\'`)

	case lookup.OpSubsequence:
		var pattern strings.Builder
		pattern.WriteByte('%')
		for _, c := range strings.ToLower(p.Values[0]) {
			pattern.WriteString(escapeLike(string(c)))
			pattern.WriteByte('%')
		}
		b.sql.WriteString("LOWER(f.value) LIKE " +
			b.arg(pattern.String()) + ` ESCAPE '\'`)

	default:
		b.sql.WriteString("1 = 0")
	}
}

// escapeLike escapes the LIKE wildcards and the escape character.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
