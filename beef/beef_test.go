// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package beef

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func testTx(prev chainhash.Hash, scripts ...[]byte) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: prev}, nil, nil))
	for _, s := range scripts {
		tx.AddTxOut(wire.NewTxOut(1000, s))
	}
	return tx
}

// testChain returns a mined parent and an unmined child spending it.
func testChain(t *testing.T) (*wire.MsgTx, *wire.MsgTx, *MerklePath) {
	t.Helper()

	parent := testTx(chainhash.Hash{0x01}, []byte{0x51}, []byte{0x52})
	child := testTx(parent.TxHash(), []byte{0x53})
	child.TxIn[0].PreviousOutPoint.Index = 1

	path := &MerklePath{
		BlockHeight: 800000,
		Path: [][]PathLeaf{{
			{Offset: 0, Hash: parent.TxHash(), Txid: true},
			{Offset: 1, Hash: chainhash.Hash{0xaa}},
		}},
	}
	return parent, child, path
}

func TestBundleRoundTrip(t *testing.T) {
	t.Parallel()

	for _, version := range []Version{V1, V2} {
		t.Run(version.String(), func(t *testing.T) {
			t.Parallel()

			// Arrange.
			parent, child, path := testChain(t)
			b := NewBundle(parent, child)
			b.Version = version
			require.NoError(t, b.Prove(parent.TxHash(), path))

			raw, err := b.Bytes()
			require.NoError(t, err)

			// Act.
			parsed, err := Parse(raw)

			// Assert.
			require.NoError(t, err)
			require.Equal(t, version, parsed.Version)
			require.Len(t, parsed.Transactions, 2)
			require.Equal(t, child.TxHash(), parsed.Subject().Hash)
			require.False(t, parsed.Atomic)

			out, ok := parsed.SourceOutput(child.TxIn[0].PreviousOutPoint)
			require.True(t, ok)
			require.Equal(t, []byte{0x52}, out.PkScript)

			p, ok := parsed.Find(parent.TxHash())
			require.True(t, ok)
			require.True(t, p.Proof.IsSome())

			again, err := parsed.Bytes()
			require.NoError(t, err)
			require.Equal(t, raw, again)
		})
	}
}

func TestBundleVersionMarkers(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0100beef", V1.String())
	require.Equal(t, "0200beef", V2.String())

	_, child, _ := testChain(t)
	raw, err := NewBundle(child).Bytes()
	require.NoError(t, err)
	require.Equal(t, "0100beef", hex.EncodeToString(raw[:4]))
}

func TestAtomicBundle(t *testing.T) {
	t.Parallel()

	parent, child, path := testChain(t)
	b := NewBundle(parent, child)
	require.NoError(t, b.Prove(parent.TxHash(), path))

	// The atomic subject need not be the last transaction.
	require.NoError(t, b.SetAtomic(parent.TxHash()))
	raw, err := b.Bytes()
	require.NoError(t, err)
	require.Equal(t, "01010101", hex.EncodeToString(raw[:4]))

	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.True(t, parsed.Atomic)
	require.Equal(t, parent.TxHash(), parsed.Subject().Hash)

	// A subject that is not in the bundle is rejected.
	raw[4] ^= 0xff
	_, err = Parse(raw)
	require.ErrorIs(t, err, ErrMalformedBundle)
}

func TestTxidOnlyEntries(t *testing.T) {
	t.Parallel()

	parent, child, _ := testChain(t)
	b := NewBundle(child)
	b.Version = V2
	b.Transactions = append([]*Transaction{{Hash: parent.TxHash()}},
		b.Transactions...)
	b.byHash[parent.TxHash()] = b.Transactions[0]

	raw, err := b.Bytes()
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)

	entry, ok := parsed.Find(parent.TxHash())
	require.True(t, ok)
	require.True(t, entry.TxidOnly())

	// Known id, unknown outputs.
	_, ok = parsed.SourceOutput(child.TxIn[0].PreviousOutPoint)
	require.False(t, ok)

	// Version 1 cannot carry a bare txid.
	b.Version = V1
	_, err = b.Bytes()
	require.Error(t, err)
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()

	parent, child, path := testChain(t)
	b := NewBundle(parent, child)
	require.NoError(t, b.Prove(parent.TxHash(), path))
	good, err := b.Bytes()
	require.NoError(t, err)

	tests := []struct {
		name    string
		raw     []byte
		wantErr error
	}{
		{
			name:    "empty",
			raw:     nil,
			wantErr: ErrMalformedBundle,
		},
		{
			name:    "unknown version",
			raw:     []byte{0x03, 0x00, 0xbe, 0xef, 0x00, 0x00},
			wantErr: ErrUnknownVersion,
		},
		{
			name:    "truncated",
			raw:     good[:len(good)-3],
			wantErr: ErrMalformedBundle,
		},
		{
			name:    "trailing bytes",
			raw:     append(append([]byte{}, good...), 0x00),
			wantErr: ErrMalformedBundle,
		},
		{
			name:    "no transactions",
			raw:     []byte{0x01, 0x00, 0xbe, 0xef, 0x00, 0x00},
			wantErr: ErrMalformedBundle,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(tc.raw)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

// TestPathMustContainTransaction makes sure a transaction cannot point at a
// path proving some other transaction.
func TestPathMustContainTransaction(t *testing.T) {
	t.Parallel()

	parent, child, path := testChain(t)
	b := NewBundle(parent, child)
	require.NoError(t, b.Prove(parent.TxHash(), path))

	// Point the child at the parent's path behind Prove's back.
	childEntry, _ := b.Find(child.TxHash())
	parentEntry, _ := b.Find(parent.TxHash())
	childEntry.Proof = parentEntry.Proof

	raw, err := b.Bytes()
	require.NoError(t, err)

	_, err = Parse(raw)
	require.ErrorIs(t, err, ErrMalformedBundle)
}

func TestComputeRoot(t *testing.T) {
	t.Parallel()

	a, b, c := chainhash.Hash{0x0a}, chainhash.Hash{0x0b}, chainhash.Hash{0x0c}

	// Three transactions, the last duplicated to fill the level.  The
	// level one nodes are omitted and must be computed.
	mp := &MerklePath{
		BlockHeight: 1,
		Path: [][]PathLeaf{
			{
				{Offset: 0, Hash: a, Txid: true},
				{Offset: 1, Hash: b, Txid: true},
				{Offset: 2, Hash: c, Txid: true},
				{Offset: 3, Duplicate: true},
			},
			{},
		},
	}

	want := hashPair(hashPair(a, b), hashPair(c, c))
	for _, txid := range []chainhash.Hash{a, b, c} {
		root, err := mp.ComputeRoot(txid)
		require.NoError(t, err)
		require.Equal(t, want, root)
	}

	_, err := mp.ComputeRoot(chainhash.Hash{0x0d})
	require.ErrorIs(t, err, ErrMalformedBundle)

	// The compact form reads back identically.
	parsed, err := readMerklePath(bytes.NewReader(mp.Bytes()))
	require.NoError(t, err)
	require.Equal(t, mp.BlockHeight, parsed.BlockHeight)
	require.Len(t, parsed.Path, 2)
	require.Equal(t, mp.Path[0], parsed.Path[0])
}
