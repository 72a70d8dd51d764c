// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package topic decides which outputs of a transaction belong to an overlay
// protocol.  An Engine pairs a protocol Rule with the shared machinery:
// bundle parsing, concurrent per-output evaluation, the token conservation
// step and the admission result.  Admission is a pure function of the
// bundle bytes and the retained input indices.
package topic

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/utxoverlay/overlayd/beef"
	"github.com/utxoverlay/overlayd/ledger"
	"github.com/utxoverlay/overlayd/linkage"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoOutputs is returned for a transaction without outputs.
	ErrNoOutputs = errors.New("transaction has no outputs")

	// ErrNoInputs is the rejection detail recorded on every output of a
	// transaction without inputs when the topic requires at least one.
	ErrNoInputs = errors.New("transaction has no inputs")

	// ErrRulePanic is the detail recorded on an output whose rule
	// panicked.
	ErrRulePanic = errors.New("rule panicked")
)

// Config parameterizes an Engine.
type Config struct {
	// Topic is the topic identifier, for example "tm_identity".
	Topic string

	// Rule judges each output.
	Rule Rule

	// Verifier is handed to the rule for linkage checks.  A fresh
	// Verifier is used when nil.
	Verifier *linkage.Verifier

	// Ledger, when set, enables the token conservation step.  Retained
	// coins are then the retained inputs whose tokens decode.
	Ledger LedgerRule

	// RetainPrevious reports every in-range retained input as consumed.
	// It is ignored when Ledger is set.
	RetainPrevious bool

	// RequireInputs rejects transactions without inputs.
	RequireInputs bool

	// Metrics, if set, records outcomes.
	Metrics *Metrics
}

// Engine evaluates transactions for one topic.  It holds no mutable state
// and is safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine returns an Engine for cfg.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Topic == "" {
		return nil, errors.New("topic name required")
	}
	if cfg.Rule == nil {
		return nil, fmt.Errorf("topic %s: rule required", cfg.Topic)
	}
	if cfg.Verifier == nil {
		cfg.Verifier = linkage.NewVerifier()
	}
	return &Engine{cfg: cfg}, nil
}

// Topic returns the topic identifier.
func (e *Engine) Topic() string {
	return e.cfg.Topic
}

// Admit parses a transaction bundle and evaluates its subject transaction.
// previousCoins lists the subject's input indices that spend outputs
// previously admitted to this topic.
func (e *Engine) Admit(bundle []byte,
	previousCoins []uint32) (*Result, error) {

	b, err := beef.Parse(bundle)
	if err != nil {
		e.cfg.Metrics.fail(e.cfg.Topic)
		return nil, err
	}
	return e.AdmitBundle(b, previousCoins)
}

// AdmitBundle evaluates the subject of an already parsed bundle.
func (e *Engine) AdmitBundle(b *beef.Bundle,
	previousCoins []uint32) (*Result, error) {

	start := time.Now()
	tx := b.Subject()

	if len(tx.Msg.TxOut) == 0 {
		e.cfg.Metrics.fail(e.cfg.Topic)
		return nil, fmt.Errorf("%s: %v: %w", e.cfg.Topic, tx.Hash,
			ErrNoOutputs)
	}

	var verdicts []Verdict
	if e.cfg.RequireInputs && len(tx.Msg.TxIn) == 0 {
		verdicts = make([]Verdict, len(tx.Msg.TxOut))
		for i := range verdicts {
			verdicts[i] = Reject(ReasonPolicyViolation, ErrNoInputs)
		}
	} else {
		verdicts = e.evaluateOutputs(b, tx)
	}
	retained := ConsumedInputs(previousCoins, len(tx.Msg.TxIn))

	var ledgerErr error
	switch {
	case e.cfg.Ledger != nil:
		retained, ledgerErr = e.applyLedger(b, tx, retained, verdicts)

	case !e.cfg.RetainPrevious:
		retained = nil
	}

	res := &Result{
		OutputsToAdmit: make([]uint32, 0, len(verdicts)),
		CoinsToRetain:  make([]uint32, 0, len(retained)),
		Txid:           tx.Hash,
		Outputs:        make([]OutputVerdict, len(verdicts)),
		LedgerErr:      ledgerErr,
	}
	res.CoinsToRetain = append(res.CoinsToRetain, retained...)
	for i, v := range verdicts {
		res.Outputs[i] = OutputVerdict{
			Index:  uint32(i),
			Reason: v.Reason,
			Err:    v.Err,
		}
		if v.Admitted() {
			res.OutputsToAdmit = append(res.OutputsToAdmit, uint32(i))
			continue
		}
		if v.Reason != ReasonNotCandidate {
			log.Tracef("Topic %s: output %v:%d rejected (%v): %v",
				e.cfg.Topic, tx.Hash, i, v.Reason, v.Err)
		}
	}

	e.cfg.Metrics.observe(e.cfg.Topic, res, time.Since(start))

	if !res.Admitted() {
		log.Debugf("Topic %s: no outputs of %v admitted", e.cfg.Topic,
			tx.Hash)
	} else {
		n := len(res.OutputsToAdmit)
		log.Infof("Topic %s: admitted %d %s of %v", e.cfg.Topic, n,
			pickNoun(n, "output", "outputs"), tx.Hash)
	}
	if n := len(res.CoinsToRetain); n > 0 {
		log.Debugf("Topic %s: %v consumed %d previous %s", e.cfg.Topic,
			tx.Hash, n, pickNoun(n, "coin", "coins"))
	}

	return res, nil
}

// evaluateOutputs runs the rule over every output concurrently.  Wait is
// the join barrier: all verdicts are final when it returns.
func (e *Engine) evaluateOutputs(b *beef.Bundle,
	tx *beef.Transaction) []Verdict {

	verdicts := make([]Verdict, len(tx.Msg.TxOut))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, out := range tx.Msg.TxOut {
		ctx := &OutputContext{
			Bundle:   b,
			Tx:       tx,
			Index:    uint32(i),
			Output:   out,
			Verifier: e.cfg.Verifier,
		}
		g.Go(func() error {
			verdicts[i] = e.evaluate(ctx)
			return nil
		})
	}
	_ = g.Wait()

	return verdicts
}

func (e *Engine) evaluate(ctx *OutputContext) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			v = Rejectf(ReasonMalformedScript, "%w: %v", ErrRulePanic, r)
		}
	}()

	v = e.cfg.Rule.EvaluateOutput(ctx)
	if v.Admitted() {
		v.Err = nil
	}
	return v
}

// applyLedger credits the tokens of retained inputs, debits those of
// admitted outputs and vetoes the transaction if any token is out of
// balance.  It returns the retained inputs whose tokens decoded.
func (e *Engine) applyLedger(b *beef.Bundle, tx *beef.Transaction,
	previous []uint32, verdicts []Verdict) ([]uint32, error) {

	l := ledger.New()

	retained := make([]uint32, 0, len(previous))
	for _, idx := range previous {
		in := tx.Msg.TxIn[idx]
		source, ok := b.SourceOutput(in.PreviousOutPoint)
		if !ok {
			log.Debugf("Topic %s: retained input %d of %v has no "+
				"source in bundle", e.cfg.Topic, idx, tx.Hash)
			continue
		}

		tok, err := e.cfg.Ledger.InputToken(source)
		if err != nil {
			log.Debugf("Topic %s: retained input %d of %v: %v",
				e.cfg.Topic, idx, tx.Hash, err)
			continue
		}

		l.AddInput(tok, in.PreviousOutPoint)
		retained = append(retained, idx)
	}

	for i, v := range verdicts {
		if !v.Admitted() {
			continue
		}
		v.Token.WhenSome(func(tok *ledger.Token) {
			l.AddOutput(tok, tx.Hash, uint32(i))
		})
	}

	if err := l.Check(); err != nil {
		log.Infof("Topic %s: vetoing %v: %v", e.cfg.Topic, tx.Hash, err)
		for i := range verdicts {
			if verdicts[i].Admitted() {
				verdicts[i] = Reject(ReasonUnbalancedLedger, err)
			}
		}
		return nil, err
	}

	return retained, nil
}

// ConsumedInputs returns the sorted, de-duplicated indices of previousCoins
// that name an input of a transaction with numInputs inputs.
func ConsumedInputs(previousCoins []uint32, numInputs int) []uint32 {
	seen := make(map[uint32]struct{}, len(previousCoins))
	out := make([]uint32, 0, len(previousCoins))
	for _, idx := range previousCoins {
		if int(idx) >= numInputs {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
