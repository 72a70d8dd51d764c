// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package overlay dispatches transactions and queries to the configured
// protocols.
//
// A Node owns one admission engine and one index per protocol, all writing
// to a single storage backend.  Submitted transactions are evaluated by the
// engine of their topic; admitted outputs are stored in the protocol's index
// and the previously admitted outputs they consume are marked spent.
// Lookups are routed to the index answering the named service.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/utxoverlay/overlayd/beef"
	"github.com/utxoverlay/overlayd/linkage"
	"github.com/utxoverlay/overlayd/lookup"
	"github.com/utxoverlay/overlayd/protocols"
	"github.com/utxoverlay/overlayd/topic"
)

// ErrUnknownTopic is returned for a topic no configured protocol admits
// to.
var ErrUnknownTopic = errors.New("unknown topic")

// Config configures a Node.
type Config struct {
	// Backend stores every protocol's index.  The node closes it.
	Backend lookup.Backend

	// Protocols are the protocols the node serves.  All known
	// protocols are served when empty.
	Protocols []*protocols.Protocol

	// Verifier is shared by every engine.  A fresh one is used when
	// nil.
	Verifier *linkage.Verifier

	// Registerer, if set, receives the engine and index metrics.
	Registerer prometheus.Registerer

	// Clock stamps new index records.  Defaults to the system clock.
	Clock clock.Clock
}

// service is one protocol wired to its engine and index.
type service struct {
	protocol *protocols.Protocol
	engine   *topic.Engine
	index    *lookup.Index
}

// Node routes submissions, lifecycle events and lookups to the protocols.
// It is safe for concurrent use.
type Node struct {
	backend  lookup.Backend
	verifier *linkage.Verifier
	topics   map[string]*service
	services map[string]*service
}

// New wires every configured protocol to an engine and an index.
func New(cfg Config) (*Node, error) {
	if cfg.Backend == nil {
		return nil, errors.New("backend required")
	}
	if len(cfg.Protocols) == 0 {
		cfg.Protocols = protocols.All()
	}
	if cfg.Verifier == nil {
		cfg.Verifier = linkage.NewVerifier()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	var (
		topicMetrics *topic.Metrics
		indexOpts    = []lookup.Option{lookup.WithClock(cfg.Clock)}
	)
	if cfg.Registerer != nil {
		topicMetrics = topic.NewMetrics(cfg.Registerer)
		indexOpts = append(indexOpts, lookup.WithMetrics(
			lookup.NewMetrics(cfg.Registerer)))
	}

	n := &Node{
		backend:  cfg.Backend,
		verifier: cfg.Verifier,
		topics:   make(map[string]*service, len(cfg.Protocols)),
		services: make(map[string]*service, len(cfg.Protocols)),
	}
	for _, p := range cfg.Protocols {
		topicCfg := p.Topic
		topicCfg.Verifier = cfg.Verifier
		topicCfg.Metrics = topicMetrics

		engine, err := topic.NewEngine(topicCfg)
		if err != nil {
			return nil, fmt.Errorf("protocol %s: %w", p.Name, err)
		}
		index, err := lookup.NewIndex(p.Index, cfg.Backend, indexOpts...)
		if err != nil {
			return nil, fmt.Errorf("protocol %s: %w", p.Name, err)
		}

		s := &service{protocol: p, engine: engine, index: index}
		if _, ok := n.topics[topicCfg.Topic]; ok {
			return nil, fmt.Errorf("protocol %s: topic %s served "+
				"twice", p.Name, topicCfg.Topic)
		}
		if _, ok := n.services[p.Index.Service]; ok {
			return nil, fmt.Errorf("protocol %s: service %s served "+
				"twice", p.Name, p.Index.Service)
		}
		n.topics[topicCfg.Topic] = s
		n.services[p.Index.Service] = s

		log.Debugf("Serving protocol %s (topic %s, service %s)", p.Name,
			topicCfg.Topic, p.Index.Service)
	}

	return n, nil
}

// Topics returns the served topics in sorted order.
func (n *Node) Topics() []string {
	return sortedKeys(n.topics)
}

// Services returns the served lookup services in sorted order.
func (n *Node) Services() []string {
	return sortedKeys(n.services)
}

func sortedKeys(m map[string]*service) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (n *Node) topic(name string) (*service, error) {
	s, ok := n.topics[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, name)
	}
	return s, nil
}

// Admit evaluates a bundle against a topic without touching the index.
func (n *Node) Admit(topicName string, bundle []byte,
	previousCoins []uint32) (*topic.Result, error) {

	s, err := n.topic(topicName)
	if err != nil {
		return nil, err
	}
	return s.engine.Admit(bundle, previousCoins)
}

// Submit evaluates a bundle against a topic and applies the result to the
// topic's index: admitted outputs are stored and every previous topic
// output the transaction consumed is marked spent, whether or not the
// topic retains it.  offChain is handed to the protocol's
// extractor with every admitted output.
//
// Index failures do not undo the admission decision.  They are logged and
// the result is still returned so the host can record it.
func (n *Node) Submit(ctx context.Context, topicName string, bundle []byte,
	previousCoins []uint32, offChain []byte) (*topic.Result, error) {

	s, err := n.topic(topicName)
	if err != nil {
		return nil, err
	}
	b, err := beef.Parse(bundle)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.AdmitBundle(b, previousCoins)
	if err != nil {
		return nil, err
	}

	tx := b.Subject()
	log.Tracef("Topic %s: %v result %v", topicName, tx.Hash,
		newLogClosure(func() string {
			return spew.Sdump(res)
		}))

	for _, i := range topic.ConsumedInputs(previousCoins,
		len(tx.Msg.TxIn)) {

		prev := tx.Msg.TxIn[i].PreviousOutPoint
		ref := lookup.OutputRef{Txid: prev.Hash, Index: prev.Index}
		if err := n.spend(ctx, s, ref, tx.Hash); err != nil {
			log.Errorf("Topic %s: cannot mark %v spent: %v",
				topicName, ref, err)
		}
	}
	for _, i := range res.OutputsToAdmit {
		out := &protocols.Output{
			Ref:      lookup.OutputRef{Txid: tx.Hash, Index: i},
			Script:   tx.Msg.TxOut[i].PkScript,
			OffChain: offChain,
		}
		if err := n.store(ctx, s, out); err != nil {
			log.Errorf("Topic %s: cannot index %v: %v", topicName,
				out.Ref, err)
		}
	}

	return res, nil
}

// OutputAdmitted indexes an output the host admitted to a topic.
func (n *Node) OutputAdmitted(ctx context.Context, topicName string,
	out *protocols.Output) error {

	s, err := n.topic(topicName)
	if err != nil {
		return err
	}
	return n.store(ctx, s, out)
}

func (n *Node) store(ctx context.Context, s *service,
	out *protocols.Output) error {

	withVerifier := *out
	withVerifier.Verifier = n.verifier
	out = &withVerifier

	fields, payload, err := s.protocol.Extract(out)
	if err != nil {
		return fmt.Errorf("%s: extract %v: %w", s.protocol.Name,
			out.Ref, err)
	}
	if err := s.index.Store(ctx, out.Ref, fields, payload); err != nil {
		return err
	}
	log.Debugf("Indexed %v in %s", out.Ref, s.index.Config().Name)
	return nil
}

// OutputSpent applies a spend of a topic's output according to the
// index's spend mode.
func (n *Node) OutputSpent(ctx context.Context, topicName string,
	ref lookup.OutputRef, spendingTxid chainhash.Hash) error {

	s, err := n.topic(topicName)
	if err != nil {
		return err
	}
	return n.spend(ctx, s, ref, spendingTxid)
}

func (n *Node) spend(ctx context.Context, s *service, ref lookup.OutputRef,
	spendingTxid chainhash.Hash) error {

	if err := s.index.Spend(ctx, ref, spendingTxid); err != nil {
		return err
	}
	log.Debugf("Spent %v in %s by %v", ref, s.index.Config().Name,
		spendingTxid)
	return nil
}

// OutputEvicted removes a topic's output from its index.
func (n *Node) OutputEvicted(ctx context.Context, topicName string,
	ref lookup.OutputRef) error {

	s, err := n.topic(topicName)
	if err != nil {
		return err
	}
	return s.index.Evict(ctx, ref)
}

// Lookup answers a client question with the index of the named service.
func (n *Node) Lookup(ctx context.Context,
	q *lookup.Question) ([]lookup.OutputRef, error) {

	if q == nil {
		return nil, lookup.Error{
			ErrorCode:   lookup.ErrCaller,
			Description: "a valid query must be provided",
		}
	}
	s, ok := n.services[q.Service]
	if !ok {
		return nil, lookup.Error{
			ErrorCode: lookup.ErrCaller,
			Description: fmt.Sprintf("lookup service %q not "+
				"supported", q.Service),
		}
	}
	return s.index.Answer(ctx, q, s.protocol.Translate)
}

// Record returns the stored record of an output of a service's index.
func (n *Node) Record(ctx context.Context, service string,
	ref lookup.OutputRef) (*lookup.Record, error) {

	s, ok := n.services[service]
	if !ok {
		return nil, lookup.Error{
			ErrorCode: lookup.ErrCaller,
			Description: fmt.Sprintf("lookup service %q not "+
				"supported", service),
		}
	}
	return s.index.Get(ctx, ref)
}

// Close closes the backend.
func (n *Node) Close() error {
	return n.backend.Close()
}

// logClosure is used to provide a closure over expensive logging operations
// so they don't have to be performed when the logging level doesn't warrant
// it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
