// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package beef parses transaction bundles: a subject transaction together
// with the ancestors and merkle paths needed to validate it without a chain
// lookup.  Version 1, version 2 and atomic bundles are supported.
package beef

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Version is the four byte marker a bundle starts with, read little endian.
type Version uint32

const (
	// V1 bundles carry full transactions, each optionally pointing at a
	// merkle path.  Serialized as 0100beef.
	V1 Version = 0xefbe0001

	// V2 bundles may also carry bare txids for ancestors the receiver is
	// assumed to know.  Serialized as 0200beef.
	V2 Version = 0xefbe0002

	// atomicMarker prefixes a bundle that commits to one subject txid.
	atomicMarker uint32 = 0x01010101
)

// String returns the version as it appears in hex at the start of a
// bundle.
func (v Version) String() string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return fmt.Sprintf("%x", b)
}

// Version 2 transaction entry formats.
const (
	formatRawTx        = 0
	formatRawTxAndPath = 1
	formatTxidOnly     = 2
)

// maxBundleEntries bounds allocation for the path and transaction counts.
const maxBundleEntries = 1 << 20

// Transaction is one entry of a bundle.
type Transaction struct {
	// Hash is the transaction id.
	Hash chainhash.Hash

	// Msg is the decoded transaction.  It is nil for a txid-only entry.
	Msg *wire.MsgTx

	// Proof is the merkle path proving the transaction was mined, if the
	// bundle carries one.
	Proof fn.Option[*MerklePath]
}

// TxidOnly reports whether the bundle carries only the id of the
// transaction.
func (t *Transaction) TxidOnly() bool {
	return t.Msg == nil
}

// Bundle is a parsed transaction bundle.
type Bundle struct {
	Version      Version
	Paths        []*MerklePath
	Transactions []*Transaction

	// Atomic is set when the bundle commits to a single subject
	// transaction up front.
	Atomic bool

	byHash  map[chainhash.Hash]*Transaction
	subject chainhash.Hash
}

// NewBundle returns a version 1 bundle whose subject is the last of txs.
// Paths may be attached afterwards with Prove.
func NewBundle(txs ...*wire.MsgTx) *Bundle {
	b := &Bundle{
		Version: V1,
		byHash:  make(map[chainhash.Hash]*Transaction, len(txs)),
	}
	for _, msg := range txs {
		tx := &Transaction{
			Hash: msg.TxHash(),
			Msg:  msg,
		}
		b.Transactions = append(b.Transactions, tx)
		b.byHash[tx.Hash] = tx
		b.subject = tx.Hash
	}
	return b
}

// Prove attaches path as the proof of the transaction with the given hash.
func (b *Bundle) Prove(hash chainhash.Hash, path *MerklePath) error {
	tx, ok := b.byHash[hash]
	if !ok {
		return fmt.Errorf("transaction %v not in bundle", hash)
	}
	if !path.Contains(hash) {
		return fmt.Errorf("merkle path does not contain %v", hash)
	}

	idx := -1
	for i, p := range b.Paths {
		if p == path {
			idx = i
		}
	}
	if idx < 0 {
		b.Paths = append(b.Paths, path)
	}
	tx.Proof = fn.Some(path)
	return nil
}

// Subject returns the transaction the bundle is about: the atomic subject,
// or otherwise the last transaction.
func (b *Bundle) Subject() *Transaction {
	return b.byHash[b.subject]
}

// Find returns the bundle entry for hash.
func (b *Bundle) Find(hash chainhash.Hash) (*Transaction, bool) {
	tx, ok := b.byHash[hash]
	return tx, ok
}

// SourceOutput resolves the output an input spends against the earlier
// transactions of the bundle.
func (b *Bundle) SourceOutput(op wire.OutPoint) (*wire.TxOut, bool) {
	tx, ok := b.byHash[op.Hash]
	if !ok || tx.TxidOnly() {
		return nil, false
	}
	if op.Index >= uint32(len(tx.Msg.TxOut)) {
		return nil, false
	}
	return tx.Msg.TxOut[op.Index], true
}

// Parse decodes a bundle of any supported version and validates that every
// merkle path agrees on a single root for the transactions that claim it.
func Parse(raw []byte) (*Bundle, error) {
	r := bytes.NewReader(raw)

	var marker uint32
	if err := binary.Read(r, binary.LittleEndian, &marker); err != nil {
		return nil, malformed("version", err)
	}

	atomic := false
	var atomicSubject chainhash.Hash
	if marker == atomicMarker {
		atomic = true

		// The subject is written in display order.
		var display [chainhash.HashSize]byte
		if _, err := io.ReadFull(r, display[:]); err != nil {
			return nil, malformed("atomic subject", err)
		}
		for i := range display {
			atomicSubject[i] = display[chainhash.HashSize-1-i]
		}

		err := binary.Read(r, binary.LittleEndian, &marker)
		if err != nil {
			return nil, malformed("version", err)
		}
	}

	version := Version(marker)
	if version != V1 && version != V2 {
		return nil, fmt.Errorf("%w: %v", ErrUnknownVersion, version)
	}

	b, err := readBody(r, version)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, malformed(fmt.Sprintf("%d trailing bytes", r.Len()),
			nil)
	}

	if atomic {
		b.Atomic = true
		b.subject = atomicSubject
		if _, ok := b.byHash[atomicSubject]; !ok {
			return nil, malformed(fmt.Sprintf("atomic subject %v "+
				"not in bundle", atomicSubject), nil)
		}
	}

	subject := b.Subject()
	if subject == nil || subject.TxidOnly() {
		return nil, malformed("bundle has no subject transaction", nil)
	}

	if err := b.validatePaths(); err != nil {
		return nil, err
	}

	return b, nil
}

func readBody(r *bytes.Reader, version Version) (*Bundle, error) {
	b := &Bundle{
		Version: version,
		byHash:  make(map[chainhash.Hash]*Transaction),
	}

	numPaths, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, malformed("path count", err)
	}
	if numPaths > maxBundleEntries {
		return nil, malformed(fmt.Sprintf("%d merkle paths", numPaths),
			nil)
	}
	for i := uint64(0); i < numPaths; i++ {
		path, err := readMerklePath(r)
		if err != nil {
			return nil, err
		}
		b.Paths = append(b.Paths, path)
	}

	numTxs, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, malformed("transaction count", err)
	}
	if numTxs == 0 || numTxs > maxBundleEntries {
		return nil, malformed(fmt.Sprintf("%d transactions", numTxs),
			nil)
	}

	for i := uint64(0); i < numTxs; i++ {
		tx, err := b.readTransaction(r, version)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		if _, dup := b.byHash[tx.Hash]; dup {
			return nil, malformed(fmt.Sprintf("duplicate "+
				"transaction %v", tx.Hash), nil)
		}
		b.Transactions = append(b.Transactions, tx)
		b.byHash[tx.Hash] = tx
		b.subject = tx.Hash
	}

	return b, nil
}

func (b *Bundle) readTransaction(r *bytes.Reader,
	version Version) (*Transaction, error) {

	format := byte(formatRawTx)
	if version == V2 {
		f, err := r.ReadByte()
		if err != nil {
			return nil, malformed("entry format", err)
		}
		format = f

		if format == formatTxidOnly {
			tx := &Transaction{}
			if _, err := io.ReadFull(r, tx.Hash[:]); err != nil {
				return nil, malformed("txid", err)
			}
			return tx, nil
		}
		if format != formatRawTx && format != formatRawTxAndPath {
			return nil, malformed(fmt.Sprintf("entry format %d",
				format), nil)
		}
	}

	msg := wire.NewMsgTx(wire.TxVersion)
	if err := msg.DeserializeNoWitness(r); err != nil {
		return nil, malformed("raw transaction", err)
	}
	tx := &Transaction{Hash: msg.TxHash(), Msg: msg}

	hasPath := format == formatRawTxAndPath
	if version == V1 {
		flag, err := r.ReadByte()
		if err != nil {
			return nil, malformed("path flag", err)
		}
		hasPath = flag != 0
	}
	if !hasPath {
		return tx, nil
	}

	idx, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, malformed("path index", err)
	}
	if idx >= uint64(len(b.Paths)) {
		return nil, malformed(fmt.Sprintf("path index %d of %d", idx,
			len(b.Paths)), nil)
	}
	path := b.Paths[idx]
	if !path.Contains(tx.Hash) {
		return nil, malformed(fmt.Sprintf("path %d does not contain "+
			"%v", idx, tx.Hash), nil)
	}
	tx.Proof = fn.Some(path)

	return tx, nil
}

// validatePaths checks that all transactions claiming the same path compute
// the same root.
func (b *Bundle) validatePaths() error {
	roots := make(map[*MerklePath]chainhash.Hash, len(b.Paths))
	for _, tx := range b.Transactions {
		var err error
		tx.Proof.WhenSome(func(path *MerklePath) {
			root, rootErr := path.ComputeRoot(tx.Hash)
			if rootErr != nil {
				err = rootErr
				return
			}

			prev, seen := roots[path]
			if seen && prev != root {
				err = malformed(fmt.Sprintf("transaction %v "+
					"computes root %v, path already "+
					"committed to %v", tx.Hash, root, prev),
					nil)
				return
			}
			roots[path] = root
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Bytes serializes the bundle in its version, prefixed with the atomic
// marker when Atomic is set.
func (b *Bundle) Bytes() ([]byte, error) {
	var buf bytes.Buffer

	if b.Atomic {
		err := binary.Write(&buf, binary.LittleEndian, atomicMarker)
		if err != nil {
			return nil, err
		}
		// Display order.
		for i := chainhash.HashSize - 1; i >= 0; i-- {
			buf.WriteByte(b.subject[i])
		}
	}

	err := binary.Write(&buf, binary.LittleEndian, uint32(b.Version))
	if err != nil {
		return nil, err
	}

	pathIndex := make(map[*MerklePath]int, len(b.Paths))
	err = wire.WriteVarInt(&buf, 0, uint64(len(b.Paths)))
	if err != nil {
		return nil, err
	}
	for i, p := range b.Paths {
		pathIndex[p] = i
		if err := p.write(&buf); err != nil {
			return nil, err
		}
	}

	err = wire.WriteVarInt(&buf, 0, uint64(len(b.Transactions)))
	if err != nil {
		return nil, err
	}
	for _, tx := range b.Transactions {
		if err := b.writeTransaction(&buf, tx, pathIndex); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func (b *Bundle) writeTransaction(buf *bytes.Buffer, tx *Transaction,
	pathIndex map[*MerklePath]int) error {

	if tx.TxidOnly() {
		if b.Version != V2 {
			return fmt.Errorf("txid-only entry %v needs a version 2 "+
				"bundle", tx.Hash)
		}
		buf.WriteByte(formatTxidOnly)
		buf.Write(tx.Hash[:])
		return nil
	}

	idx := -1
	tx.Proof.WhenSome(func(p *MerklePath) {
		if i, ok := pathIndex[p]; ok {
			idx = i
		}
	})

	if b.Version == V2 {
		if idx >= 0 {
			buf.WriteByte(formatRawTxAndPath)
		} else {
			buf.WriteByte(formatRawTx)
		}
	}

	if err := tx.Msg.SerializeNoWitness(buf); err != nil {
		return err
	}

	switch {
	case idx >= 0:
		if b.Version == V1 {
			buf.WriteByte(1)
		}
		return wire.WriteVarInt(buf, 0, uint64(idx))

	case b.Version == V1:
		buf.WriteByte(0)
	}
	return nil
}

// SetAtomic marks the bundle atomic with the given subject.
func (b *Bundle) SetAtomic(subject chainhash.Hash) error {
	if _, ok := b.byHash[subject]; !ok {
		return fmt.Errorf("transaction %v not in bundle", subject)
	}
	b.Atomic = true
	b.subject = subject
	return nil
}
