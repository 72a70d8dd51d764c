// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mongostore

import (
	"regexp"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/utxoverlay/overlayd/lookup"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// buildFilter translates a query into a Mongo filter document.
func buildFilter(q *lookup.Query) bson.D {
	filter := bson.D{}

	q.Ref.WhenSome(func(ref lookup.OutputRef) {
		filter = append(filter, refFilter(ref)...)
	})
	q.Txid.WhenSome(func(txid chainhash.Hash) {
		filter = append(filter, bson.E{Key: "txid",
			Value: txid.String()})
	})

	created := bson.D{}
	q.CreatedFrom.WhenSome(func(t time.Time) {
		created = append(created, bson.E{Key: "$gte",
			Value: t.UnixNano()})
	})
	q.CreatedTo.WhenSome(func(t time.Time) {
		created = append(created, bson.E{Key: "$lte",
			Value: t.UnixNano()})
	})
	if len(created) > 0 {
		filter = append(filter, bson.E{Key: "createdNs", Value: created})
	}

	if len(q.Predicates) > 0 {
		conds := make(bson.A, 0, len(q.Predicates))
		for _, p := range q.Predicates {
			conds = append(conds, bson.D{{
				Key: "fields",
				Value: bson.D{{
					Key:   "$elemMatch",
					Value: elemMatch(p),
				}},
			}})
		}
		filter = append(filter, bson.E{Key: "$and", Value: conds})
	}
	return filter
}

// elemMatch returns the condition one fields element must meet for p.
func elemMatch(p lookup.Predicate) bson.D {
	var cond interface{}
	switch p.Op {
	case lookup.OpEqual:
		cond = p.Values[0]

	case lookup.OpIn:
		cond = bson.D{{Key: "$in", Value: p.Values}}

	case lookup.OpContains:
		cond = primitive.Regex{
			Pattern: regexp.QuoteMeta(p.Values[0]),
			Options: "i",
		}

	case lookup.OpSubsequence:
		cond = primitive.Regex{
			Pattern: strings.TrimPrefix(
				lookup.SubsequencePattern(p.Values[0]), "(?i)",
			),
			Options: "i",
		}

	default:
		cond = bson.D{{Key: "$in", Value: bson.A{}}}
	}
	return bson.D{{Key: "n", Value: p.Field}, {Key: "v", Value: cond}}
}

// sortSpec orders by the first value of sortField, then creation time,
// then outpoint, all in the same direction.
func sortSpec(sortField string, order lookup.SortOrder) bson.D {
	dir := -1
	if order == lookup.Ascending {
		dir = 1
	}
	spec := bson.D{}
	if sortField != "" && sortField != lookup.CreatedAtField {
		spec = append(spec, bson.E{Key: "first." + escapeKey(sortField),
			Value: dir})
	}
	return append(spec,
		bson.E{Key: "createdNs", Value: dir},
		bson.E{Key: "txidKey", Value: dir},
		bson.E{Key: "outputIndex", Value: dir},
	)
}
