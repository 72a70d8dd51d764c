// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package script

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

// TemplateID names one of the fixed script shapes Match understands.
type TemplateID uint8

const (
	// ServerToken is a bsv-20 inscription locked to a 1-of-2 multisig
	// built from a concatenated key pair hash, followed by an OP_RETURN
	// naming the original mint.
	ServerToken TemplateID = iota

	// TransferToken is a bsv-20 inscription locked to a P2PKH, followed
	// by an OP_RETURN naming the original mint.
	TransferToken

	// Payment is the bare 1-of-2 multisig used for server payments.
	Payment

	// OrdinalTransfer is a bsv-21 inscription locked to a P2PKH with a
	// trailing OP_RETURN.
	OrdinalTransfer

	// P2PKH is OP_DUP OP_HASH160 <20> OP_EQUALVERIFY OP_CHECKSIG.
	P2PKH

	// SHA256Lock is OP_SHA256 <32> OP_EQUAL.
	SHA256Lock

	// OrderLock matches any script carrying the order-lock contract
	// prefix.
	OrderLock

	// HashCommitment is OP_FALSE OP_RETURN <32>.
	HashCommitment

	// DataPushDrop is <data> <data> OP_2DROP <33> OP_CHECKSIG.
	DataPushDrop

	numTemplates
)

var templateNames = map[TemplateID]string{
	ServerToken:     "server-token",
	TransferToken:   "transfer-token",
	Payment:         "payment",
	OrdinalTransfer: "ordinal-transfer",
	P2PKH:           "p2pkh",
	SHA256Lock:      "sha256-lock",
	OrderLock:       "order-lock",
	HashCommitment:  "hash-commitment",
	DataPushDrop:    "data-pushdrop",
}

// String returns the TemplateID as a human-readable name.
func (t TemplateID) String() string {
	if s := templateNames[t]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown TemplateID (%d)", uint8(t))
}

// ParseTemplateID maps a template name back to its identifier.
func ParseTemplateID(name string) (TemplateID, error) {
	for id, n := range templateNames {
		if n == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown template %q", name)
}

type slotKind uint8

const (
	// slotOp must carry exactly op.
	slotOp slotKind = iota

	// slotLiteral must push exactly data.
	slotLiteral

	// slotFixed is a data push of exactly width bytes whose content is
	// free.
	slotFixed

	// slotAny is a non-empty data push whose content is free.
	slotAny

	// slotReturnData is a top-level OP_RETURN carrying any non-empty
	// remainder.
	slotReturnData

	// slotReturnPush is a top-level OP_RETURN whose remainder is a single
	// push of exactly width bytes.
	slotReturnPush
)

type slot struct {
	kind  slotKind
	op    byte
	data  []byte
	width int
}

func op(o byte) slot {
	return slot{kind: slotOp, op: o}
}

func literal(s string) slot {
	return slot{kind: slotLiteral, data: []byte(s)}
}

func fixed(width int) slot {
	return slot{kind: slotFixed, width: width}
}

func anyPush() slot {
	return slot{kind: slotAny}
}

func returnData() slot {
	return slot{kind: slotReturnData}
}

func returnPush(width int) slot {
	return slot{kind: slotReturnPush, width: width}
}

func ops(o ...byte) []slot {
	s := make([]slot, len(o))
	for i := range o {
		s[i] = op(o[i])
	}
	return s
}

// placeholder is what a slot's chunk is blanked to before comparison.
func (s slot) placeholder() Chunk {
	switch s.kind {
	case slotOp:
		return Chunk{Op: s.op}
	case slotLiteral:
		return Chunk{Op: txscript.OP_DATA_1, Data: s.data}
	case slotFixed:
		return Chunk{Op: txscript.OP_DATA_1, Data: make([]byte, s.width)}
	case slotAny:
		return Chunk{Op: txscript.OP_DATA_1, Data: []byte{0xff}}
	default:
		return Chunk{Op: txscript.OP_RETURN, Data: []byte{0xff}}
	}
}

type template struct {
	id    TemplateID
	slots []slot

	// canonical is the serialization of the slots' placeholders.
	canonical []byte
}

func newTemplate(id TemplateID, parts ...[]slot) *template {
	t := &template{id: id}
	for _, p := range parts {
		t.slots = append(t.slots, p...)
	}

	placeholders := make([]Chunk, len(t.slots))
	for i, s := range t.slots {
		placeholders[i] = s.placeholder()
	}
	t.canonical = Serialize(canonicalize(placeholders))

	return t
}

// inscriptionEnvelope is OP_0 OP_IF "ord" OP_1 <content type> OP_0 <json>
// OP_ENDIF.
func inscriptionEnvelope(contentType string) []slot {
	return []slot{
		op(txscript.OP_0), op(txscript.OP_IF), literal("ord"),
		op(txscript.OP_1), literal(contentType), op(txscript.OP_0),
		anyPush(), op(txscript.OP_ENDIF),
	}
}

// multisigTail is the 1-of-2 check that follows a concatenated key hash.
var multisigTail = ops(
	txscript.OP_EQUALVERIFY, txscript.OP_TOALTSTACK,
	txscript.OP_TOALTSTACK, txscript.OP_1, txscript.OP_FROMALTSTACK,
	txscript.OP_FROMALTSTACK, txscript.OP_2, txscript.OP_CHECKMULTISIG,
)

var catHash = ops(txscript.OP_2DUP, txscript.OP_CAT, txscript.OP_HASH160)

var p2pkh = []slot{
	op(txscript.OP_DUP), op(txscript.OP_HASH160), fixed(20),
	op(txscript.OP_EQUALVERIFY), op(txscript.OP_CHECKSIG),
}

// orderLockPrefix is the fixed head of the order-lock contract.
var orderLockPrefix, _ = hex.DecodeString(
	"2097dfd76851bf465e8f715593b217714858bbe9570ff3bd5e33840a34e20f" +
		"f0262102ba79df5f8ae7604a9830f03c7933028186aede0675a16f025dc4" +
		"f8be8eec0382201008ce7480da41702918d1ec8e6849ba32b4d65b1e40dc" +
		"669c31a1e6306b266c0000",
)

var templates = [numTemplates]*template{
	ServerToken: newTemplate(ServerToken,
		inscriptionEnvelope("application/bsv-20"),
		catHash, []slot{fixed(20)}, multisigTail,
		[]slot{returnData()},
	),
	TransferToken: newTemplate(TransferToken,
		inscriptionEnvelope("application/bsv-20"),
		p2pkh, []slot{returnData()},
	),
	Payment: newTemplate(Payment,
		catHash, []slot{fixed(20)}, multisigTail,
	),
	OrdinalTransfer: newTemplate(OrdinalTransfer,
		inscriptionEnvelope("application/bsv-21"),
		p2pkh, []slot{returnData()},
	),
	P2PKH: newTemplate(P2PKH, p2pkh),
	SHA256Lock: newTemplate(SHA256Lock, []slot{
		op(txscript.OP_SHA256), fixed(32), op(txscript.OP_EQUAL),
	}),
	HashCommitment: newTemplate(HashCommitment, []slot{
		op(txscript.OP_0), returnPush(32),
	}),
	DataPushDrop: newTemplate(DataPushDrop, []slot{
		anyPush(), anyPush(), op(txscript.OP_2DROP), fixed(33),
		op(txscript.OP_CHECKSIG),
	}),
}

// Match reports whether pkScript has the shape of the template.  Every data
// push the template leaves free is blanked to a fixed placeholder, the
// result is re-serialized with minimal pushes, and the bytes are compared
// against the template.  A fixed-width push of the wrong length is a
// malformed script rather than a mismatch.
func Match(pkScript []byte, id TemplateID) (bool, error) {
	chunks, err := Parse(pkScript)
	if err != nil {
		return false, err
	}
	return MatchChunks(chunks, id)
}

// MatchChunks is Match over an already parsed script.
func MatchChunks(chunks []Chunk, id TemplateID) (bool, error) {
	if id == OrderLock {
		prefix, err := Parse(orderLockPrefix)
		if err != nil {
			return false, err
		}
		return ContainsChunks(chunks, prefix), nil
	}
	if id >= numTemplates {
		return false, fmt.Errorf("unknown template %d", id)
	}

	t := templates[id]
	if len(chunks) != len(t.slots) {
		return false, nil
	}

	blanked, err := t.blank(canonicalize(chunks))
	if err != nil {
		return false, err
	}

	return bytes.Equal(Serialize(canonicalize(blanked)), t.canonical), nil
}

// blank replaces the free content of each chunk with the placeholder of its
// slot.  Chunks that cannot fill their slot are left untouched so the final
// comparison fails on them.
func (t *template) blank(chunks []Chunk) ([]Chunk, error) {
	out := make([]Chunk, len(chunks))
	for i, c := range chunks {
		s := t.slots[i]
		out[i] = c

		switch s.kind {
		case slotFixed:
			if !c.IsPush() || c.Op == txscript.OP_0 {
				continue
			}
			if len(c.Data) != s.width {
				return nil, malformed(fmt.Sprintf("%v: chunk %d "+
					"pushes %d bytes, want %d", t.id, i,
					len(c.Data), s.width), nil)
			}
			out[i] = s.placeholder()

		case slotAny:
			_, ok := c.PushValue()
			if ok && c.Op != txscript.OP_0 {
				out[i] = s.placeholder()
			}

		case slotReturnData:
			if c.Op == txscript.OP_RETURN && len(c.Data) > 0 {
				out[i] = s.placeholder()
			}

		case slotReturnPush:
			if c.Op != txscript.OP_RETURN {
				continue
			}
			inner, err := Parse(c.Data)
			if err != nil || len(inner) != 1 || !inner[0].IsPush() {
				continue
			}
			if len(inner[0].Data) != s.width {
				return nil, malformed(fmt.Sprintf("%v: committed "+
					"hash is %d bytes, want %d", t.id,
					len(inner[0].Data), s.width), nil)
			}
			out[i] = s.placeholder()
		}
	}

	return out, nil
}

// InscriptionPayload returns the content pushed inside an ordinal
// inscription envelope, or false if the chunks do not open with one.
func InscriptionPayload(chunks []Chunk) ([]byte, bool) {
	if len(chunks) < 8 || chunks[0].Op != txscript.OP_0 ||
		chunks[1].Op != txscript.OP_IF ||
		!bytes.Equal(chunks[2].Data, []byte("ord")) {

		return nil, false
	}
	if !chunks[6].IsPush() {
		return nil, false
	}
	return chunks[6].Data, true
}

// Category is the structural family of a script, decided by which marker
// opcodes it carries.
type Category uint8

const (
	// Unclassified carries neither an inscription nor a multisig.
	Unclassified Category = iota

	// Inscription carries OP_IF but no OP_CHECKMULTISIG.
	Inscription

	// Multisig carries OP_CHECKMULTISIG but no OP_IF.
	Multisig

	// InscribedMultisig carries both.
	InscribedMultisig
)

// String returns the Category as a human-readable name.
func (c Category) String() string {
	switch c {
	case Unclassified:
		return "unclassified"
	case Inscription:
		return "inscription"
	case Multisig:
		return "multisig"
	case InscribedMultisig:
		return "inscribed-multisig"
	default:
		return fmt.Sprintf("Category(%d)", uint8(c))
	}
}

// Classify places chunks in exactly one Category.
func Classify(chunks []Chunk) Category {
	inscribed := HasOpcode(chunks, txscript.OP_IF)
	multisig := HasOpcode(chunks, txscript.OP_CHECKMULTISIG)

	switch {
	case inscribed && multisig:
		return InscribedMultisig
	case inscribed:
		return Inscription
	case multisig:
		return Multisig
	default:
		return Unclassified
	}
}
