// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package script

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/txscript"
)

// Chunk is a single parsed element of a locking script.  Data is set for
// data pushes and for a top-level OP_RETURN, which carries the remainder of
// the script as its data.
type Chunk struct {
	Op   byte
	Data []byte
}

// IsPush returns true if the chunk is a data push opcode, including OP_0.
func (c Chunk) IsPush() bool {
	return c.Op <= txscript.OP_PUSHDATA4
}

// IsSmallInt returns true if the chunk is one of OP_1NEGATE or OP_1
// through OP_16.
func (c Chunk) IsSmallInt() bool {
	return c.Op == txscript.OP_1NEGATE ||
		(c.Op >= txscript.OP_1 && c.Op <= txscript.OP_16)
}

// PushValue returns the bytes a data-carrying chunk places on the stack.
// Small integer opcodes map to their minimal encoding so that a field
// written as OP_5 reads back as 0x05.
func (c Chunk) PushValue() ([]byte, bool) {
	switch {
	case c.Op == txscript.OP_0:
		return []byte{0}, true

	case c.Op == txscript.OP_1NEGATE:
		return []byte{0x81}, true

	case c.Op >= txscript.OP_1 && c.Op <= txscript.OP_16:
		return []byte{c.Op - (txscript.OP_1 - 1)}, true

	case c.IsPush():
		return c.Data, true
	}

	return nil, false
}

// Parse splits a script into chunks.  Parsing follows the node's rules for
// OP_RETURN: outside of any conditional block it ends execution, so the
// rest of the script is attached to it as opaque data and parsing stops.
func Parse(pkScript []byte) ([]Chunk, error) {
	var (
		chunks    []Chunk
		condDepth int
	)

	tokenizer := txscript.MakeScriptTokenizer(0, pkScript)
	for tokenizer.Next() {
		op := tokenizer.Opcode()

		switch op {
		case txscript.OP_IF, txscript.OP_NOTIF,
			txscript.OP_VERIF, txscript.OP_VERNOTIF:

			condDepth++

		case txscript.OP_ENDIF:
			if condDepth > 0 {
				condDepth--
			}

		case txscript.OP_RETURN:
			if condDepth == 0 {
				rest := pkScript[tokenizer.ByteIndex():]
				chunks = append(chunks, Chunk{
					Op:   op,
					Data: bytes.Clone(rest),
				})
				return chunks, nil
			}
		}

		chunks = append(chunks, Chunk{
			Op:   op,
			Data: tokenizer.Data(),
		})
	}
	if err := tokenizer.Err(); err != nil {
		return nil, malformed("unable to tokenize script", err)
	}

	return chunks, nil
}

// Serialize writes the chunks back out using each chunk's own push opcode.
// Serialize(Parse(s)) == s for any script Parse accepts.
func Serialize(chunks []Chunk) []byte {
	var b bytes.Buffer
	for _, c := range chunks {
		writeChunk(&b, c, c.Op)
	}
	return b.Bytes()
}

// canonicalize returns the chunks with every data push rewritten to its
// minimal encoding.  Two scripts that differ only in push encoding have
// identical canonical forms.
func canonicalize(chunks []Chunk) []Chunk {
	out := make([]Chunk, len(chunks))
	for i, c := range chunks {
		if !c.IsPush() {
			out[i] = c
			continue
		}

		data := c.Data
		switch {
		case len(data) == 0:
			out[i] = Chunk{Op: txscript.OP_0}

		case len(data) == 1 && data[0] >= 1 && data[0] <= 16:
			out[i] = Chunk{Op: txscript.OP_1 + data[0] - 1}

		case len(data) == 1 && data[0] == 0x81:
			out[i] = Chunk{Op: txscript.OP_1NEGATE}

		default:
			out[i] = Chunk{Op: minimalPushOp(len(data)), Data: data}
		}
	}
	return out
}

func minimalPushOp(n int) byte {
	switch {
	case n <= txscript.OP_DATA_75:
		return byte(n)
	case n <= 0xff:
		return txscript.OP_PUSHDATA1
	case n <= 0xffff:
		return txscript.OP_PUSHDATA2
	default:
		return txscript.OP_PUSHDATA4
	}
}

func writeChunk(b *bytes.Buffer, c Chunk, op byte) {
	b.WriteByte(op)

	switch {
	case op == txscript.OP_RETURN:
		b.Write(c.Data)
		return

	case op >= txscript.OP_DATA_1 && op <= txscript.OP_DATA_75:

	case op == txscript.OP_PUSHDATA1:
		b.WriteByte(byte(len(c.Data)))

	case op == txscript.OP_PUSHDATA2:
		var l [2]byte
		binary.LittleEndian.PutUint16(l[:], uint16(len(c.Data)))
		b.Write(l[:])

	case op == txscript.OP_PUSHDATA4:
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(c.Data)))
		b.Write(l[:])

	default:
		return
	}

	b.Write(c.Data)
}

// ASM renders chunks in the conventional space separated assembly form.
func ASM(chunks []Chunk) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		switch {
		case c.Op == txscript.OP_0:
			parts = append(parts, "0")

		case c.IsPush():
			parts = append(parts, hex.EncodeToString(c.Data))

		case c.Op == txscript.OP_RETURN && len(c.Data) > 0:
			parts = append(parts, fmt.Sprintf("OP_RETURN %x", c.Data))

		default:
			parts = append(parts, opcodeName(c.Op))
		}
	}
	return strings.Join(parts, " ")
}

func opcodeName(op byte) string {
	name, err := txscript.DisasmString([]byte{op})
	if err != nil {
		return fmt.Sprintf("OP_UNKNOWN%d", op)
	}
	return name
}

// HasOpcode returns true if any chunk carries op.
func HasOpcode(chunks []Chunk, op byte) bool {
	for _, c := range chunks {
		if c.Op == op {
			return true
		}
	}
	return false
}

// ContainsChunks returns true if needle appears as a contiguous run in
// haystack once both are reduced to canonical push encodings.
func ContainsChunks(haystack, needle []Chunk) bool {
	h := Serialize(canonicalize(haystack))
	n := Serialize(canonicalize(needle))
	return bytes.Contains(h, n)
}
