// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package script

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// LockPosition says where the key-and-checksig pair sits relative to the
// data fields of a PushDrop script.
type LockPosition uint8

const (
	// LockBefore is `<pubkey> OP_CHECKSIG <fields...> <drops...>`.
	LockBefore LockPosition = iota

	// LockAfter is `<fields...> <drops...> <pubkey> OP_CHECKSIG`.
	LockAfter
)

// String returns the position as a human-readable name.
func (p LockPosition) String() string {
	switch p {
	case LockBefore:
		return "before"
	case LockAfter:
		return "after"
	default:
		return fmt.Sprintf("LockPosition(%d)", uint8(p))
	}
}

// Decoded is the result of decoding a PushDrop locking script.
type Decoded struct {
	// Fields are the data pushes in script order.  When a protocol signs
	// its fields the signature is the last entry.
	Fields [][]byte

	// EmbedderKey is the key the output is locked to.
	EmbedderKey fn.Option[*btcec.PublicKey]

	// Position is where the lock sits in the script.
	Position LockPosition

	// Chunks are the parsed script chunks the fields came from.
	Chunks []Chunk
}

// Signature returns the last field, which signed PushDrop protocols use to
// carry a signature over the others, together with the remaining fields.
func (d *Decoded) Signature() ([]byte, [][]byte, error) {
	if len(d.Fields) < 2 {
		return nil, nil, malformed(fmt.Sprintf("%d fields cannot "+
			"carry a signature", len(d.Fields)), nil)
	}

	last := len(d.Fields) - 1
	return d.Fields[last], d.Fields[:last], nil
}

// Decode parses a PushDrop locking script.  Both lock positions are
// accepted.  Decode never panics; every failure wraps ErrMalformed.
func Decode(pkScript []byte) (*Decoded, error) {
	chunks, err := Parse(pkScript)
	if err != nil {
		return nil, err
	}
	if len(chunks) < 4 {
		return nil, malformed(fmt.Sprintf("pushdrop needs at least "+
			"4 chunks, got %d", len(chunks)), nil)
	}

	// A leading key push followed by OP_CHECKSIG can only be the lock
	// before form; otherwise the lock must close the script.
	if chunks[1].Op == txscript.OP_CHECKSIG {
		return decodeLockBefore(chunks)
	}
	return decodeLockAfter(chunks)
}

func decodeLockBefore(chunks []Chunk) (*Decoded, error) {
	key, err := parseEmbedderKey(chunks[0])
	if err != nil {
		return nil, err
	}

	fields, drops, err := splitFieldsAndDrops(chunks[2:])
	if err != nil {
		return nil, err
	}
	if drops != len(chunks)-2-len(fields) {
		return nil, malformed("unexpected opcode after drops", nil)
	}

	return &Decoded{
		Fields:      fields,
		EmbedderKey: fn.Some(key),
		Position:    LockBefore,
		Chunks:      chunks,
	}, nil
}

func decodeLockAfter(chunks []Chunk) (*Decoded, error) {
	last := len(chunks) - 1
	if chunks[last].Op != txscript.OP_CHECKSIG {
		return nil, malformed("missing OP_CHECKSIG", nil)
	}

	key, err := parseEmbedderKey(chunks[last-1])
	if err != nil {
		return nil, err
	}

	body := chunks[:last-1]
	fields, drops, err := splitFieldsAndDrops(body)
	if err != nil {
		return nil, err
	}
	if drops != len(body)-len(fields) {
		return nil, malformed("unexpected opcode after drops", nil)
	}

	return &Decoded{
		Fields:      fields,
		EmbedderKey: fn.Some(key),
		Position:    LockAfter,
		Chunks:      chunks,
	}, nil
}

// splitFieldsAndDrops reads data fields until the first drop opcode, then
// consumes the run of drops and checks it removes exactly the fields that
// were pushed.  It returns the fields and the number of drop chunks read.
func splitFieldsAndDrops(chunks []Chunk) ([][]byte, int, error) {
	var fields [][]byte

	i := 0
	for ; i < len(chunks); i++ {
		op := chunks[i].Op
		if op == txscript.OP_DROP || op == txscript.OP_2DROP {
			break
		}

		value, ok := chunks[i].PushValue()
		if !ok {
			return nil, 0, malformed(fmt.Sprintf("chunk %d is "+
				"not a data push", i), nil)
		}
		fields = append(fields, value)
	}
	if len(fields) == 0 {
		return nil, 0, malformed("no data fields", nil)
	}

	dropped, drops := 0, 0
scan:
	for ; i < len(chunks); i++ {
		switch chunks[i].Op {
		case txscript.OP_2DROP:
			dropped += 2
		case txscript.OP_DROP:
			dropped++
		default:
			break scan
		}
		drops++
	}

	if dropped != len(fields) {
		return nil, 0, malformed(fmt.Sprintf("drops remove %d "+
			"items but %d fields were pushed", dropped,
			len(fields)), nil)
	}

	return fields, drops, nil
}

func parseEmbedderKey(c Chunk) (*btcec.PublicKey, error) {
	if !c.IsPush() || (len(c.Data) != 33 && len(c.Data) != 65) {
		return nil, malformed("missing embedder public key", nil)
	}

	key, err := btcec.ParsePubKey(c.Data)
	if err != nil {
		return nil, malformed("invalid embedder public key", err)
	}
	return key, nil
}

// Lock builds a PushDrop locking script that embeds fields and is spendable
// by key.  Fields are pushed minimally, so an empty field and a single zero
// byte both encode as OP_0 and both decode as a single zero byte.
func Lock(fields [][]byte, key *btcec.PublicKey,
	position LockPosition) ([]byte, error) {

	if len(fields) == 0 {
		return nil, fmt.Errorf("pushdrop needs at least one field")
	}
	if key == nil {
		return nil, fmt.Errorf("pushdrop needs a locking key")
	}

	b := txscript.NewScriptBuilder()
	if position == LockBefore {
		b.AddData(key.SerializeCompressed()).AddOp(txscript.OP_CHECKSIG)
	}

	for _, field := range fields {
		b.AddFullData(field)
	}
	for remaining := len(fields); remaining > 0; remaining -= 2 {
		if remaining == 1 {
			b.AddOp(txscript.OP_DROP)
			break
		}
		b.AddOp(txscript.OP_2DROP)
	}

	if position == LockAfter {
		b.AddData(key.SerializeCompressed()).AddOp(txscript.OP_CHECKSIG)
	}

	return b.Script()
}
