// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package script

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

type scriptBuild func(b *txscript.ScriptBuilder)

func buildScript(t *testing.T, parts ...scriptBuild) []byte {
	t.Helper()

	b := txscript.NewScriptBuilder()
	for _, p := range parts {
		p(b)
	}
	s, err := b.Script()
	require.NoError(t, err)
	return s
}

func envelope(contentType, payload string) scriptBuild {
	return func(b *txscript.ScriptBuilder) {
		b.AddOp(txscript.OP_0).AddOp(txscript.OP_IF).
			AddData([]byte("ord")).AddOp(txscript.OP_1).
			AddData([]byte(contentType)).AddOp(txscript.OP_0).
			AddData([]byte(payload)).AddOp(txscript.OP_ENDIF)
	}
}

func catHash160(hash []byte) scriptBuild {
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

func payToHash(hash []byte) scriptBuild {
	return func(b *txscript.ScriptBuilder) {
		b.AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).
			AddData(hash).AddOp(txscript.OP_EQUALVERIFY).
			AddOp(txscript.OP_CHECKSIG)
	}
}

func opReturn(data []byte) scriptBuild {
	return func(b *txscript.ScriptBuilder) {
		b.AddOp(txscript.OP_RETURN).AddData(data)
	}
}

// TestMatchTemplates exercises each template with a well formed script and
// the closest near miss.
func TestMatchTemplates(t *testing.T) {
	t.Parallel()

	const transfer = `{"p":"bsv-20","op":"transfer","amt":"1","id":"x_0"}`
	hash := make([]byte, 20)
	mintRef := bytes.Repeat([]byte{0x42}, 32)

	tests := []struct {
		name     string
		template TemplateID
		script   []byte
		want     bool
		wantErr  error
	}{
		{
			name:     "server token",
			template: ServerToken,
			script: buildScript(t,
				envelope("application/bsv-20", transfer),
				catHash160(hash), opReturn(mintRef)),
			want: true,
		},
		{
			name:     "server token without trailing return",
			template: ServerToken,
			script: buildScript(t,
				envelope("application/bsv-20", transfer),
				catHash160(hash)),
			want: false,
		},
		{
			name:     "transfer token",
			template: TransferToken,
			script: buildScript(t,
				envelope("application/bsv-20", transfer),
				payToHash(hash), opReturn(mintRef)),
			want: true,
		},
		{
			name:     "transfer token with wrong content type",
			template: TransferToken,
			script: buildScript(t,
				envelope("application/bsv-21", transfer),
				payToHash(hash), opReturn(mintRef)),
			want: false,
		},
		{
			name:     "ordinal transfer",
			template: OrdinalTransfer,
			script: buildScript(t,
				envelope("application/bsv-21", transfer),
				payToHash(hash), opReturn(mintRef)),
			want: true,
		},
		{
			name:     "payment",
			template: Payment,
			script:   buildScript(t, catHash160(hash)),
			want:     true,
		},
		{
			name:     "payment with short hash",
			template: Payment,
			script:   buildScript(t, catHash160(hash[:19])),
			wantErr:  ErrMalformed,
		},
		{
			name:     "p2pkh zero hash",
			template: P2PKH,
			script:   buildScript(t, payToHash(hash)),
			want:     true,
		},
		{
			name:     "p2pkh 19 byte hash",
			template: P2PKH,
			script:   buildScript(t, payToHash(hash[:19])),
			wantErr:  ErrMalformed,
		},
		{
			name:     "p2pkh checked against payment",
			template: Payment,
			script:   buildScript(t, payToHash(hash)),
			want:     false,
		},
		{
			name:     "sha256 lock",
			template: SHA256Lock,
			script: buildScript(t, func(b *txscript.ScriptBuilder) {
				b.AddOp(txscript.OP_SHA256).AddData(mintRef).
					AddOp(txscript.OP_EQUAL)
			}),
			want: true,
		},
		{
			name:     "sha256 lock with equalverify",
			template: SHA256Lock,
			script: buildScript(t, func(b *txscript.ScriptBuilder) {
				b.AddOp(txscript.OP_SHA256).AddData(mintRef).
					AddOp(txscript.OP_EQUALVERIFY)
			}),
			want: false,
		},
		{
			name:     "hash commitment",
			template: HashCommitment,
			script: buildScript(t, func(b *txscript.ScriptBuilder) {
				b.AddOp(txscript.OP_FALSE).AddOp(txscript.OP_RETURN).
					AddData(mintRef)
			}),
			want: true,
		},
		{
			name:     "hash commitment with two pushes",
			template: HashCommitment,
			script: buildScript(t, func(b *txscript.ScriptBuilder) {
				b.AddOp(txscript.OP_FALSE).AddOp(txscript.OP_RETURN).
					AddData(mintRef).AddData(mintRef)
			}),
			want: false,
		},
		{
			name:     "data pushdrop",
			template: DataPushDrop,
			script: buildScript(t, func(b *txscript.ScriptBuilder) {
				b.AddData([]byte("meta")).AddData([]byte("data")).
					AddOp(txscript.OP_2DROP).
					AddData(testKey(t).SerializeCompressed()).
					AddOp(txscript.OP_CHECKSIG)
			}),
			want: true,
		},
		{
			name:     "data pushdrop with empty field",
			template: DataPushDrop,
			script: buildScript(t, func(b *txscript.ScriptBuilder) {
				b.AddOp(txscript.OP_0).AddData([]byte("data")).
					AddOp(txscript.OP_2DROP).
					AddData(testKey(t).SerializeCompressed()).
					AddOp(txscript.OP_CHECKSIG)
			}),
			want: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := Match(tc.script, tc.template)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

// TestMatchNonMinimalPush makes sure a hash pushed with OP_PUSHDATA1 still
// matches the minimal template.
func TestMatchNonMinimalPush(t *testing.T) {
	t.Parallel()

	s := []byte{txscript.OP_DUP, txscript.OP_HASH160,
		txscript.OP_PUSHDATA1, 20}
	s = append(s, make([]byte, 20)...)
	s = append(s, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG)

	ok, err := Match(s, P2PKH)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMatchOrderLock(t *testing.T) {
	t.Parallel()

	s := append([]byte{}, orderLockPrefix...)
	s = append(s, buildScript(t, payToHash(make([]byte, 20)))...)

	ok, err := Match(s, OrderLock)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Match(buildScript(t, payToHash(make([]byte, 20))), OrderLock)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	const payload = `{"p":"bsv-20","op":"deploy+mint","amt":"10"}`
	hash := make([]byte, 20)

	tests := []struct {
		name   string
		script []byte
		want   Category
	}{
		{
			name: "inscribed multisig",
			script: buildScript(t, envelope("application/bsv-20", payload),
				catHash160(hash), opReturn([]byte{1})),
			want: InscribedMultisig,
		},
		{
			name: "inscription",
			script: buildScript(t, envelope("application/bsv-20", payload),
				payToHash(hash)),
			want: Inscription,
		},
		{
			name:   "multisig",
			script: buildScript(t, catHash160(hash)),
			want:   Multisig,
		},
		{
			name:   "neither",
			script: buildScript(t, payToHash(hash)),
			want:   Unclassified,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			chunks, err := Parse(tc.script)
			require.NoError(t, err)
			require.Equal(t, tc.want, Classify(chunks))
		})
	}
}

func TestTemplateIDNames(t *testing.T) {
	t.Parallel()

	for id := TemplateID(0); id < numTemplates; id++ {
		parsed, err := ParseTemplateID(id.String())
		require.NoError(t, err)
		require.Equal(t, id, parsed)
	}

	_, err := ParseTemplateID("nope")
	require.Error(t, err)
}
