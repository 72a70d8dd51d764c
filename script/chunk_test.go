// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package script

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// TestParseOpReturn checks that a top-level OP_RETURN swallows the rest of
// the script while one nested in a conditional block does not.
func TestParseOpReturn(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		script     string
		wantOps    []byte
		wantReturn string
	}{
		{
			name:       "top level return",
			script:     "006a20" + "11223344556677889900112233445566778899001122334455667788990011ff",
			wantOps:    []byte{txscript.OP_0, txscript.OP_RETURN},
			wantReturn: "20" + "11223344556677889900112233445566778899001122334455667788990011ff",
		},
		{
			name:   "return inside conditional",
			script: "00636a6876",
			wantOps: []byte{
				txscript.OP_0, txscript.OP_IF, txscript.OP_RETURN,
				txscript.OP_ENDIF, txscript.OP_DUP,
			},
		},
		{
			name:       "return after closed conditional",
			script:     "0063686a0102",
			wantOps:    []byte{txscript.OP_0, txscript.OP_IF, txscript.OP_ENDIF, txscript.OP_RETURN},
			wantReturn: "0102",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			chunks, err := Parse(mustHex(t, tc.script))
			require.NoError(t, err)

			ops := make([]byte, len(chunks))
			for i, c := range chunks {
				ops[i] = c.Op
			}
			require.Equal(t, tc.wantOps, ops)

			last := chunks[len(chunks)-1]
			if tc.wantReturn != "" {
				require.Equal(t, tc.wantReturn, hex.EncodeToString(last.Data))
			}

			// Serialization restores the original bytes.
			require.Equal(t, tc.script, hex.EncodeToString(Serialize(chunks)))
		})
	}
}

// TestParseTruncatedPush makes sure a push that runs past the end of the
// script is reported as malformed instead of panicking.
func TestParseTruncatedPush(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte{txscript.OP_DATA_20, 0x01, 0x02})
	require.ErrorIs(t, err, ErrMalformed)
}

// TestCanonicalizePushes verifies that non-minimal pushes reduce to the same
// form as their minimal equivalents.
func TestCanonicalizePushes(t *testing.T) {
	t.Parallel()

	// PUSHDATA1 of three bytes and a direct push of the same bytes.
	long, err := Parse(mustHex(t, "4c03616263"))
	require.NoError(t, err)
	short, err := Parse(mustHex(t, "03616263"))
	require.NoError(t, err)
	require.Equal(t, Serialize(canonicalize(short)),
		Serialize(canonicalize(long)))

	// A single byte push of 0x05 is OP_5.
	five, err := Parse(mustHex(t, "0105"))
	require.NoError(t, err)
	require.Equal(t, []byte{txscript.OP_5},
		Serialize(canonicalize(five)))
}

func TestASM(t *testing.T) {
	t.Parallel()

	chunks, err := Parse(mustHex(t, "76a914"+
		"0000000000000000000000000000000000000000"+"88ac"))
	require.NoError(t, err)
	require.Equal(t, "OP_DUP OP_HASH160 "+
		"0000000000000000000000000000000000000000 "+
		"OP_EQUALVERIFY OP_CHECKSIG", ASM(chunks))
}
