// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package overlay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/utxoverlay/overlayd/beef"
	"github.com/utxoverlay/overlayd/ledger"
	"github.com/utxoverlay/overlayd/lookup"
	"github.com/utxoverlay/overlayd/overlay"
	"github.com/utxoverlay/overlayd/protocols"
	"github.com/utxoverlay/overlayd/script"
)

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newNode(t *testing.T, ps ...*protocols.Protocol) *overlay.Node {
	t.Helper()

	n, err := overlay.New(overlay.Config{
		Backend:    lookup.NewMemoryBackend(),
		Protocols:  ps,
		Registerer: prometheus.NewRegistry(),
		Clock:      clock.NewTestClock(testEpoch),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, n.Close()) })
	return n
}

func tokenScript(t *testing.T, id string, amount uint64) []byte {
	t.Helper()

	_, pub := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{9}, 32))
	tok := &ledger.Token{ID: id, Amount: amount}
	s, err := script.Lock(tok.Fields(), pub, script.LockBefore)
	require.NoError(t, err)
	return s
}

func newTx(prev wire.OutPoint, scripts ...[]byte) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	for _, s := range scripts {
		tx.AddTxOut(wire.NewTxOut(1, s))
	}
	return tx
}

func bundle(t *testing.T, txs ...*wire.MsgTx) []byte {
	t.Helper()

	raw, err := beef.NewBundle(txs...).Bytes()
	require.NoError(t, err)
	return raw
}

func question(service string, query string) *lookup.Question {
	return &lookup.Question{Service: service,
		Query: json.RawMessage(query)}
}

// TestSubmitMintAndSplit submits a mint and a transaction splitting it, and
// checks that the index follows: the split outputs are stored under the
// minted id and the consumed mint output is gone.
func TestSubmitMintAndSplit(t *testing.T) {
	t.Parallel()

	// Arrange.
	ctx := context.Background()
	n := newNode(t, protocols.TokenDemo())

	mint := newTx(wire.OutPoint{Hash: chainhash.Hash{1}},
		tokenScript(t, ledger.MintSentinel, 100))
	mintRef := lookup.OutputRef{Txid: mint.TxHash(), Index: 0}

	split := newTx(wire.OutPoint{Hash: mintRef.Txid},
		tokenScript(t, mintRef.String(), 30),
		tokenScript(t, mintRef.String(), 70),
		[]byte{txscript.OP_1})

	// Act.
	minted, err := n.Submit(ctx, "tokendemo", bundle(t, mint), nil, nil)
	require.NoError(t, err)
	afterMint, err := n.Lookup(ctx, question("ls_tokendemo",
		`{"tokenId":"`+mintRef.String()+`"}`))
	require.NoError(t, err)

	spent, err := n.Submit(ctx, "tokendemo", bundle(t, mint, split),
		[]uint32{0}, nil)
	require.NoError(t, err)
	afterSplit, err := n.Lookup(ctx, question("ls_tokendemo",
		`{"tokenId":"`+mintRef.String()+`","sortOrder":"asc"}`))
	require.NoError(t, err)

	// Assert.
	require.Equal(t, []uint32{0}, minted.OutputsToAdmit)
	require.Equal(t, []lookup.OutputRef{mintRef}, afterMint)

	require.Equal(t, []uint32{0, 1}, spent.OutputsToAdmit)
	require.Equal(t, []uint32{0}, spent.CoinsToRetain)
	require.ElementsMatch(t, []lookup.OutputRef{
		{Txid: split.TxHash(), Index: 0},
		{Txid: split.TxHash(), Index: 1},
	}, afterSplit)

	_, err = n.Record(ctx, "ls_tokendemo", mintRef)
	require.True(t, lookup.IsError(err, lookup.ErrNotFound), "got %v", err)
}

// TestSubmitSpendsConsumedOutputs spends an output of a topic that retains
// nothing and checks the consumed record is still marked spent.  Indices
// that repeat or name no input are ignored.
func TestSubmitSpendsConsumedOutputs(t *testing.T) {
	t.Parallel()

	// Arrange.
	ctx := context.Background()
	n := newNode(t, protocols.AnyTx())

	first := newTx(wire.OutPoint{Hash: chainhash.Hash{1}},
		[]byte{txscript.OP_1}, []byte{txscript.OP_1})
	consumed := lookup.OutputRef{Txid: first.TxHash(), Index: 0}
	untouched := lookup.OutputRef{Txid: first.TxHash(), Index: 1}
	second := newTx(wire.OutPoint{Hash: consumed.Txid},
		[]byte{txscript.OP_1})

	_, err := n.Submit(ctx, "tm_anytx", bundle(t, first), nil, nil)
	require.NoError(t, err)

	// Act.
	res, err := n.Submit(ctx, "tm_anytx", bundle(t, first, second),
		[]uint32{0, 0, 7}, nil)

	// Assert.
	require.NoError(t, err)
	require.Equal(t, []uint32{0}, res.OutputsToAdmit)
	require.Empty(t, res.CoinsToRetain)

	rec, err := n.Record(ctx, "ls_anytx", consumed)
	require.NoError(t, err)
	require.Equal(t, second.TxHash(),
		rec.SpendingTxid.UnwrapOr(chainhash.Hash{}))

	rec, err = n.Record(ctx, "ls_anytx", untouched)
	require.NoError(t, err)
	require.True(t, rec.SpendingTxid.IsNone())
}

// TestLifecycle drives an annotating index through admission, spend and
// eviction.
func TestLifecycle(t *testing.T) {
	t.Parallel()

	// Arrange.
	ctx := context.Background()
	n := newNode(t, protocols.AnyTx())
	ref := lookup.OutputRef{Txid: chainhash.Hash{5}, Index: 1}
	spender := chainhash.Hash{6}
	byTxid := question("ls_anytx", `{"txid":"`+ref.Txid.String()+`"}`)

	// Act and assert.
	require.NoError(t, n.OutputAdmitted(ctx, "tm_anytx",
		&protocols.Output{Ref: ref, Script: []byte{txscript.OP_1}}))
	found, err := n.Lookup(ctx, byTxid)
	require.NoError(t, err)
	require.Equal(t, []lookup.OutputRef{ref}, found)

	require.NoError(t, n.OutputSpent(ctx, "tm_anytx", ref, spender))
	rec, err := n.Record(ctx, "ls_anytx", ref)
	require.NoError(t, err)
	require.Equal(t, spender, rec.SpendingTxid.UnwrapOr(chainhash.Hash{}))
	require.Equal(t, testEpoch, rec.CreatedAt)

	require.NoError(t, n.OutputEvicted(ctx, "tm_anytx", ref))
	found, err = n.Lookup(ctx, byTxid)
	require.NoError(t, err)
	require.Empty(t, found)
}

// TestSubmitKeepsResultOnIndexFailure admits outputs whose off-chain values
// cannot be indexed: the admission result stands and nothing is stored.
func TestSubmitKeepsResultOnIndexFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	n := newNode(t, protocols.SupplyChain())

	_, pub := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{3}, 32))
	b := txscript.NewScriptBuilder()
	b.AddData([]byte("a")).AddData([]byte("b")).
		AddOp(txscript.OP_2DROP).AddData(pub.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIG)
	s, err := b.Script()
	require.NoError(t, err)
	tx := newTx(wire.OutPoint{Hash: chainhash.Hash{1}}, s)

	res, err := n.Submit(ctx, "tm_supplychain", bundle(t, tx), nil,
		[]byte(`{"step":1}`))
	require.NoError(t, err)
	require.Equal(t, []uint32{0}, res.OutputsToAdmit)

	found, err := n.Lookup(ctx, question("ls_supplychain", `{}`))
	require.NoError(t, err)
	require.Empty(t, found)

	res, err = n.Submit(ctx, "tm_supplychain", bundle(t, tx), nil,
		[]byte(`{"chainId":"c-1"}`))
	require.NoError(t, err)
	require.Equal(t, []uint32{0}, res.OutputsToAdmit)

	found, err = n.Lookup(ctx, question("ls_supplychain",
		`{"chainId":"c-1"}`))
	require.NoError(t, err)
	require.Equal(t, []lookup.OutputRef{
		{Txid: tx.TxHash(), Index: 0},
	}, found)
}

func TestRouting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	n := newNode(t, protocols.AnyTx(), protocols.MessageBox())

	require.Equal(t, []string{"tm_anytx", "tm_messagebox"}, n.Topics())
	require.Equal(t, []string{"ls_anytx", "ls_messagebox"}, n.Services())

	_, err := n.Admit("tm_nope", nil, nil)
	require.ErrorIs(t, err, overlay.ErrUnknownTopic)
	err = n.OutputEvicted(ctx, "tm_nope", lookup.OutputRef{})
	require.ErrorIs(t, err, overlay.ErrUnknownTopic)

	_, err = n.Lookup(ctx, question("ls_nope", `{}`))
	require.True(t, lookup.IsError(err, lookup.ErrCaller), "got %v", err)
	_, err = n.Lookup(ctx, nil)
	require.True(t, lookup.IsError(err, lookup.ErrCaller), "got %v", err)

	// Translator failures are the caller's fault too.
	_, err = n.Lookup(ctx, question("ls_messagebox", `{"host":"h"}`))
	require.True(t, lookup.IsError(err, lookup.ErrCaller), "got %v", err)
}

func TestNewRejectsDuplicateTopics(t *testing.T) {
	t.Parallel()

	_, err := overlay.New(overlay.Config{
		Backend:   lookup.NewMemoryBackend(),
		Protocols: []*protocols.Protocol{
			protocols.AnyTx(), protocols.AnyTx(),
		},
	})
	require.ErrorContains(t, err, "served twice")

	_, err = overlay.New(overlay.Config{})
	require.Error(t, err)
}

// TestServesAllProtocols wires the full protocol set over one backend.
func TestServesAllProtocols(t *testing.T) {
	t.Parallel()

	n, err := overlay.New(overlay.Config{
		Backend: lookup.NewMemoryBackend(),
	})
	require.NoError(t, err)
	require.Len(t, n.Topics(), len(protocols.Names()))
}
