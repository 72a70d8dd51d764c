// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mongostore implements lookup.Backend on MongoDB, one Mongo
// collection per index.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/utxoverlay/overlayd/lookup"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// DefaultConnectTimeout bounds Connect.
const DefaultConnectTimeout = 10 * time.Second

// fieldValue is one searchable value.  Fields are stored as an array of
// these so that field names may contain dots.
type fieldValue struct {
	Name  string `bson:"n"`
	Value string `bson:"v"`
}

// document is the stored form of a record.  txid and outputIndex keep the
// shape existing deployments query on.
type document struct {
	Txid         string            `bson:"txid"`
	OutputIndex  int64             `bson:"outputIndex"`
	CreatedAt    time.Time         `bson:"createdAt"`
	CreatedNs    int64             `bson:"createdNs"`
	TxidKey      []byte            `bson:"txidKey"`
	SpendingTxid string            `bson:"spendingTxid,omitempty"`
	Fields       []fieldValue      `bson:"fields"`
	First        map[string]string `bson:"first"`
	Payload      []byte            `bson:"payload,omitempty"`
}

func toDocument(r *lookup.Record) *document {
	d := &document{
		Txid:        r.Ref.Txid.String(),
		OutputIndex: int64(r.Ref.Index),
		CreatedAt:   r.CreatedAt,
		CreatedNs:   r.CreatedAt.UnixNano(),
		TxidKey:     append([]byte(nil), r.Ref.Txid[:]...),
		Fields:      []fieldValue{},
		First:       make(map[string]string, len(r.Fields)),
		Payload:     r.Payload,
	}
	r.SpendingTxid.WhenSome(func(h chainhash.Hash) {
		d.SpendingTxid = h.String()
	})
	for name, values := range r.Fields {
		for _, v := range values {
			d.Fields = append(d.Fields, fieldValue{name, v})
		}
		if len(values) > 0 {
			d.First[escapeKey(name)] = values[0]
		}
	}
	return d
}

func (d *document) record() (*lookup.Record, error) {
	txid, err := chainhash.NewHashFromStr(d.Txid)
	if err != nil {
		return nil, err
	}
	if d.OutputIndex < 0 || d.OutputIndex > int64(^uint32(0)) {
		return nil, fmt.Errorf("output index %d out of range",
			d.OutputIndex)
	}
	r := &lookup.Record{
		Ref: lookup.OutputRef{
			Txid:  *txid,
			Index: uint32(d.OutputIndex),
		},
		CreatedAt:    time.Unix(0, d.CreatedNs).UTC(),
		SpendingTxid: fn.None[chainhash.Hash](),
		Fields:       make(map[string][]string),
		Payload:      d.Payload,
	}
	if d.SpendingTxid != "" {
		h, err := chainhash.NewHashFromStr(d.SpendingTxid)
		if err != nil {
			return nil, err
		}
		r.SpendingTxid = fn.Some(*h)
	}
	for _, f := range d.Fields {
		r.Fields[f.Name] = append(r.Fields[f.Name], f.Value)
	}
	return r, nil
}

// escapeKey makes a field name usable as a document key.
func escapeKey(name string) string {
	return strings.NewReplacer("%", "%25", ".", "%2E", "$", "%24").
		Replace(name)
}

// Store is a lookup.Backend over a Mongo database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	// ensured records the collections whose indexes exist.
	ensured sync.Map
}

var _ lookup.Backend = (*Store)(nil)

// Connect dials uri and returns a Store on the named database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	log.Infof("Connected to mongo database %s", database)
	return &Store{client: client, db: client.Database(database)}, nil
}

// New returns a Store on db.  The caller keeps ownership of the client.
func New(db *mongo.Database) *Store {
	return &Store{db: db}
}

// Close disconnects the client if the Store connected it.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(context.Background())
}

// collection returns the named collection, creating its indexes on first
// use.
func (s *Store) collection(ctx context.Context,
	name string) (*mongo.Collection, error) {

	c := s.db.Collection(name)
	if _, ok := s.ensured.Load(name); ok {
		return c, nil
	}

	_, err := c.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "txid", Value: 1},
				{Key: "outputIndex", Value: 1},
			},
			Options: options.Index().SetName("txidIndex").
				SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "fields.n", Value: 1},
				{Key: "fields.v", Value: 1},
			},
			Options: options.Index().SetName("fieldsIndex"),
		},
		{
			Keys:    bson.D{{Key: "createdNs", Value: -1}},
			Options: options.Index().SetName("createdIndex"),
		},
	})
	if err != nil {
		return nil, err
	}
	s.ensured.Store(name, struct{}{})
	return c, nil
}

func refFilter(ref lookup.OutputRef) bson.D {
	return bson.D{
		{Key: "txid", Value: ref.Txid.String()},
		{Key: "outputIndex", Value: int64(ref.Index)},
	}
}

// Put implements lookup.Backend.
func (s *Store) Put(ctx context.Context, coll string, r *lookup.Record) error {
	c, err := s.collection(ctx, coll)
	if err != nil {
		return lookup.BackendError("ensure indexes", err)
	}
	_, err = c.ReplaceOne(ctx, refFilter(r.Ref), toDocument(r),
		options.Replace().SetUpsert(true))
	return lookup.BackendError("put "+r.Ref.String(), err)
}

// Get implements lookup.Backend.
func (s *Store) Get(ctx context.Context, coll string,
	ref lookup.OutputRef) (*lookup.Record, error) {

	var d document
	err := s.db.Collection(coll).FindOne(ctx, refFilter(ref)).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, lookup.NotFound(ref)
	}
	if err != nil {
		return nil, lookup.BackendError("get "+ref.String(), err)
	}
	r, err := d.record()
	if err != nil {
		return nil, lookup.BackendError("decode "+ref.String(), err)
	}
	return r, nil
}

// Delete implements lookup.Backend.
func (s *Store) Delete(ctx context.Context, coll string,
	ref lookup.OutputRef) error {

	_, err := s.db.Collection(coll).DeleteOne(ctx, refFilter(ref))
	return lookup.BackendError("delete "+ref.String(), err)
}

// Annotate implements lookup.Backend.
func (s *Store) Annotate(ctx context.Context, coll string,
	ref lookup.OutputRef, spendingTxid chainhash.Hash) error {

	_, err := s.db.Collection(coll).UpdateOne(ctx, refFilter(ref),
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "spendingTxid", Value: spendingTxid.String()},
		}}})
	return lookup.BackendError("annotate "+ref.String(), err)
}

// FindOne implements lookup.Backend.
func (s *Store) FindOne(ctx context.Context, coll string,
	preds []lookup.Predicate) (fn.Option[lookup.OutputRef], error) {

	filter := buildFilter(&lookup.Query{Predicates: preds})
	opts := options.FindOne().SetProjection(bson.D{
		{Key: "txid", Value: 1}, {Key: "outputIndex", Value: 1},
	})

	var d document
	err := s.db.Collection(coll).FindOne(ctx, filter, opts).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fn.None[lookup.OutputRef](), nil
	}
	if err != nil {
		return fn.None[lookup.OutputRef](),
			lookup.BackendError("find one", err)
	}
	r, err := d.record()
	if err != nil {
		return fn.None[lookup.OutputRef](),
			lookup.BackendError("find one", err)
	}
	return fn.Some(r.Ref), nil
}

// Query implements lookup.Backend.
func (s *Store) Query(ctx context.Context, coll string, q *lookup.Query,
	sortField string) ([]*lookup.Record, error) {

	opts := options.Find().SetSort(sortSpec(sortField, q.Order))
	if q.Skip > 0 {
		opts.SetSkip(int64(q.Skip))
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := s.db.Collection(coll).Find(ctx, buildFilter(q), opts)
	if err != nil {
		return nil, lookup.BackendError("query "+coll, err)
	}

	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, lookup.BackendError("query "+coll, err)
	}

	records := make([]*lookup.Record, 0, len(docs))
	for i := range docs {
		r, err := docs[i].record()
		if err != nil {
			return nil, lookup.BackendError("decode "+coll, err)
		}
		records = append(records, r)
	}
	return records, nil
}
