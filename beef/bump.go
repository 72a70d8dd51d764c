// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package beef

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// leafDuplicate marks a leaf whose hash is a copy of its sibling.
	leafDuplicate = 1 << 0

	// leafTxid marks a leaf that is one of the transactions the path
	// proves.
	leafTxid = 1 << 1

	// maxTreeHeight bounds the tree height byte of a merkle path.
	maxTreeHeight = 64

	// maxLeavesPerLevel bounds allocation for a single path level.
	maxLeavesPerLevel = 1 << 20
)

// PathLeaf is one node of a merkle path level.
type PathLeaf struct {
	Offset    uint64
	Hash      chainhash.Hash
	Txid      bool
	Duplicate bool
}

// MerklePath proves the inclusion of one or more transactions in a block.
// Path[0] holds the leaves at the transaction level, Path[i] the hashes
// needed at height i.
type MerklePath struct {
	BlockHeight uint64
	Path        [][]PathLeaf
}

// readMerklePath decodes one merkle path in its compact binary form.
func readMerklePath(r io.Reader) (*MerklePath, error) {
	height, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, malformed("merkle path block height", err)
	}

	var treeHeight [1]byte
	if _, err := io.ReadFull(r, treeHeight[:]); err != nil {
		return nil, malformed("merkle path tree height", err)
	}
	if treeHeight[0] == 0 || treeHeight[0] > maxTreeHeight {
		return nil, malformed(fmt.Sprintf("merkle path tree height %d",
			treeHeight[0]), nil)
	}

	mp := &MerklePath{
		BlockHeight: height,
		Path:        make([][]PathLeaf, treeHeight[0]),
	}
	for level := range mp.Path {
		count, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return nil, malformed("merkle path leaf count", err)
		}
		if count > maxLeavesPerLevel {
			return nil, malformed(fmt.Sprintf("merkle path level %d "+
				"has %d leaves", level, count), nil)
		}

		leaves := make([]PathLeaf, 0, count)
		for i := uint64(0); i < count; i++ {
			leaf, err := readLeaf(r)
			if err != nil {
				return nil, err
			}
			leaves = append(leaves, leaf)
		}
		mp.Path[level] = leaves
	}

	return mp, nil
}

func readLeaf(r io.Reader) (PathLeaf, error) {
	var leaf PathLeaf

	offset, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return leaf, malformed("merkle path leaf offset", err)
	}
	leaf.Offset = offset

	var flags [1]byte
	if _, err := io.ReadFull(r, flags[:]); err != nil {
		return leaf, malformed("merkle path leaf flags", err)
	}
	leaf.Duplicate = flags[0]&leafDuplicate != 0
	leaf.Txid = flags[0]&leafTxid != 0

	if leaf.Duplicate {
		return leaf, nil
	}
	if _, err := io.ReadFull(r, leaf.Hash[:]); err != nil {
		return leaf, malformed("merkle path leaf hash", err)
	}
	return leaf, nil
}

func (mp *MerklePath) write(w io.Writer) error {
	if err := wire.WriteVarInt(w, 0, mp.BlockHeight); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(len(mp.Path))}); err != nil {
		return err
	}
	for _, level := range mp.Path {
		err := wire.WriteVarInt(w, 0, uint64(len(level)))
		if err != nil {
			return err
		}
		for _, leaf := range level {
			err := wire.WriteVarInt(w, 0, leaf.Offset)
			if err != nil {
				return err
			}

			var flags byte
			if leaf.Duplicate {
				flags |= leafDuplicate
			}
			if leaf.Txid {
				flags |= leafTxid
			}
			if _, err := w.Write([]byte{flags}); err != nil {
				return err
			}
			if leaf.Duplicate {
				continue
			}
			if _, err := w.Write(leaf.Hash[:]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (mp *MerklePath) leafAt(level int, offset uint64) (PathLeaf, bool) {
	for _, l := range mp.Path[level] {
		if l.Offset == offset {
			return l, true
		}
	}
	return PathLeaf{}, false
}

// nodeHash returns the hash of the node at level and offset, computing it
// from the level below when the path omits it.  dup is set when the node
// duplicates its sibling.
func (mp *MerklePath) nodeHash(level int,
	offset uint64) (hash chainhash.Hash, dup bool, ok bool) {

	if leaf, found := mp.leafAt(level, offset); found {
		return leaf.Hash, leaf.Duplicate, true
	}
	if level == 0 {
		return chainhash.Hash{}, false, false
	}

	left, leftDup, ok := mp.nodeHash(level-1, offset*2)
	if !ok || leftDup {
		return chainhash.Hash{}, false, false
	}
	right, rightDup, ok := mp.nodeHash(level-1, offset*2+1)
	if !ok {
		return chainhash.Hash{}, false, false
	}
	if rightDup {
		right = left
	}

	return hashPair(left, right), false, true
}

func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:])
}

// Contains reports whether txid is one of the leaves of the path.
func (mp *MerklePath) Contains(txid chainhash.Hash) bool {
	if len(mp.Path) == 0 {
		return false
	}
	for _, l := range mp.Path[0] {
		if !l.Duplicate && l.Hash == txid {
			return true
		}
	}
	return false
}

// ComputeRoot hashes txid up the path and returns the merkle root it
// commits to.
func (mp *MerklePath) ComputeRoot(
	txid chainhash.Hash) (chainhash.Hash, error) {

	var offset uint64
	found := false
	for _, l := range mp.Path[0] {
		if !l.Duplicate && l.Hash == txid {
			offset, found = l.Offset, true
			break
		}
	}
	if !found {
		return chainhash.Hash{}, malformed(fmt.Sprintf("merkle path at "+
			"height %d does not contain %v", mp.BlockHeight, txid), nil)
	}

	// A single transaction block has the txid as its root.
	if len(mp.Path) == 1 && len(mp.Path[0]) == 1 {
		return txid, nil
	}

	working := txid
	for level := range mp.Path {
		siblingHash, dup, ok := mp.nodeHash(level, offset^1)
		if !ok {
			return chainhash.Hash{}, malformed(fmt.Sprintf("merkle "+
				"path at height %d missing sibling at level %d",
				mp.BlockHeight, level), nil)
		}
		if dup {
			siblingHash = working
		}

		if offset%2 == 0 {
			working = hashPair(working, siblingHash)
		} else {
			working = hashPair(siblingHash, working)
		}
		offset >>= 1
	}

	return working, nil
}

// Bytes returns the binary form of the path.
func (mp *MerklePath) Bytes() []byte {
	var buf bytes.Buffer
	_ = mp.write(&buf)
	return buf.Bytes()
}
