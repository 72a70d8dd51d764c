// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package protocols

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"github.com/utxoverlay/overlayd/beef"
	"github.com/utxoverlay/overlayd/linkage"
	"github.com/utxoverlay/overlayd/lookup"
	"github.com/utxoverlay/overlayd/script"
	"github.com/utxoverlay/overlayd/topic"
)

func testSigner(t *testing.T, seed byte) *linkage.Signer {
	t.Helper()

	priv, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	s := linkage.NewSigner(priv)
	t.Cleanup(s.Zero)
	return s
}

func identityHex(s *linkage.Signer) string {
	return hex.EncodeToString(s.IdentityKey().SerializeCompressed())
}

// linkedKey is the key s locks tokens to under p.
func linkedKey(t *testing.T, s *linkage.Signer,
	p linkage.Protocol) *btcec.PublicKey {

	t.Helper()

	child, err := s.DeriveKey(p, signingKeyID)
	require.NoError(t, err)
	return child.PubKey()
}

// signedScript returns a PushDrop token carrying fields and signer's
// signature over them, locked to lock.
func signedScript(t *testing.T, signer *linkage.Signer, p linkage.Protocol,
	lock *btcec.PublicKey, fields ...[]byte) []byte {

	t.Helper()

	sig, err := signer.Sign(bytes.Join(fields, nil), p, signingKeyID)
	require.NoError(t, err)

	all := make([][]byte, 0, len(fields)+1)
	all = append(all, fields...)
	all = append(all, sig)

	s, err := script.Lock(all, lock, script.LockBefore)
	require.NoError(t, err)
	return s
}

type scriptPart func(b *txscript.ScriptBuilder)

func buildScript(t *testing.T, parts ...scriptPart) []byte {
	t.Helper()

	b := txscript.NewScriptBuilder()
	for _, p := range parts {
		p(b)
	}
	s, err := b.Script()
	require.NoError(t, err)
	return s
}

func inscription(contentType, payload string) scriptPart {
	return func(b *txscript.ScriptBuilder) {
		b.AddOp(txscript.OP_0).AddOp(txscript.OP_IF).
			AddData([]byte("ord")).AddOp(txscript.OP_1).
			AddData([]byte(contentType)).AddOp(txscript.OP_0).
			AddData([]byte(payload)).AddOp(txscript.OP_ENDIF)
	}
}

func multisig(hash []byte) scriptPart {
	return func(b *txscript.ScriptBuilder) {
		b.AddOp(txscript.OP_2DUP).AddOp(txscript.OP_CAT).
			AddOp(txscript.OP_HASH160).AddData(hash).
			AddOp(txscript.OP_EQUALVERIFY).AddOp(txscript.OP_TOALTSTACK).
			AddOp(txscript.OP_TOALTSTACK).AddOp(txscript.OP_1).
			AddOp(txscript.OP_FROMALTSTACK).
			AddOp(txscript.OP_FROMALTSTACK).AddOp(txscript.OP_2).
			AddOp(txscript.OP_CHECKMULTISIG)
	}
}

func p2pkh(hash []byte) scriptPart {
	return func(b *txscript.ScriptBuilder) {
		b.AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).
			AddData(hash).AddOp(txscript.OP_EQUALVERIFY).
			AddOp(txscript.OP_CHECKSIG)
	}
}

func opReturn(data []byte) scriptPart {
	return func(b *txscript.ScriptBuilder) {
		b.AddOp(txscript.OP_RETURN).AddData(data)
	}
}

// evaluate runs p's rule over a single output carrying pkScript.
func evaluate(p *Protocol, pkScript []byte) topic.Verdict {
	return p.Topic.Rule.EvaluateOutput(&topic.OutputContext{
		Output:   wire.NewTxOut(1, pkScript),
		Verifier: linkage.NewVerifier(),
	})
}

// admit runs p's engine over a transaction with one input and an output
// per script.
func admit(t *testing.T, p *Protocol, scripts ...[]byte) *topic.Result {
	t.Helper()

	tx := wire.NewMsgTx(1)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{7}},
		nil, nil))
	for _, s := range scripts {
		tx.AddTxOut(wire.NewTxOut(1, s))
	}
	raw, err := beef.NewBundle(tx).Bytes()
	require.NoError(t, err)

	e, err := topic.NewEngine(p.Topic)
	require.NoError(t, err)

	res, err := e.Admit(raw, nil)
	require.NoError(t, err)
	return res
}

// testRef is an output reference for extractor tests.
var testRef = lookup.OutputRef{Txid: chainhash.Hash{0xaa}, Index: 3}
