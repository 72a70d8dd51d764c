// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package linkage

import (
	"bytes"
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func testSigner(t *testing.T, seed byte) *Signer {
	t.Helper()

	priv, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	s := NewSigner(priv)
	t.Cleanup(s.Zero)
	return s
}

func TestInvoiceNumber(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		protocol Protocol
		keyID    string
		want     string
		wantErr  error
	}{
		{
			name:     "normalized name",
			protocol: Protocol{1, "  Wallet Config Option "},
			keyID:    "1",
			want:     "1-wallet config option-1",
		},
		{
			name:     "certificate field",
			protocol: CertificateFieldProtocol,
			keyID:    "abc name",
			want:     "2-certificate field encryption-abc name",
		},
		{
			name:     "level too high",
			protocol: Protocol{3, "identity"},
			keyID:    "1",
			wantErr:  ErrInvalidProtocol,
		},
		{
			name:     "name too short",
			protocol: Protocol{1, "abc"},
			keyID:    "1",
			wantErr:  ErrInvalidProtocol,
		},
		{
			name:     "protocol suffix",
			protocol: Protocol{1, "payment protocol"},
			keyID:    "1",
			wantErr:  ErrInvalidProtocol,
		},
		{
			name:     "double space",
			protocol: Protocol{1, "two  spaces"},
			keyID:    "1",
			wantErr:  ErrInvalidProtocol,
		},
		{
			name:     "punctuation",
			protocol: Protocol{1, "bad-name"},
			keyID:    "1",
			wantErr:  ErrInvalidProtocol,
		},
		{
			name:     "empty key id",
			protocol: IdentityProtocol,
			wantErr:  ErrInvalidKeyID,
		},
		{
			name:     "oversized key id",
			protocol: IdentityProtocol,
			keyID:    strings.Repeat("k", 801),
			wantErr:  ErrInvalidKeyID,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := InvoiceNumber(tc.protocol, tc.keyID)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

// TestDeriveKeyMatchesSigner checks that the public key a verifier derives
// for an identity is the public half of the signer's child key.
func TestDeriveKeyMatchesSigner(t *testing.T) {
	t.Parallel()

	signer := testSigner(t, 0x11)
	v := NewVerifier()

	for _, p := range []Protocol{
		IdentityProtocol, WalletConfigProtocol, AppsProtocol,
	} {
		child, err := signer.DeriveKey(p, "1")
		require.NoError(t, err)

		derived, err := v.DeriveKey(p, "1", signer.IdentityKey())
		require.NoError(t, err)
		require.True(t, derived.IsEqual(child.PubKey()), "protocol %v", p)
	}

	// Different key ids give different keys.
	a, err := v.DeriveKey(IdentityProtocol, "1", signer.IdentityKey())
	require.NoError(t, err)
	b, err := v.DeriveKey(IdentityProtocol, "2", signer.IdentityKey())
	require.NoError(t, err)
	require.False(t, a.IsEqual(b))
}

// TestVerifySingleByteChange signs a payload and checks verification fails
// after flipping any one byte of it.
func TestVerifySingleByteChange(t *testing.T) {
	t.Parallel()

	// Arrange.
	signer := testSigner(t, 0x22)
	v := NewVerifier()
	payload := []byte("overlay payload")

	sig, err := signer.Sign(payload, MessageBoxAdvertisementProtocol, "1")
	require.NoError(t, err)

	// Act.
	ok, err := v.Verify(payload, sig, signer.IdentityKey(),
		MessageBoxAdvertisementProtocol, "1")

	// Assert.
	require.NoError(t, err)
	require.True(t, ok)

	for i := range payload {
		altered := bytes.Clone(payload)
		altered[i] ^= 0x01

		ok, err := v.Verify(altered, sig, signer.IdentityKey(),
			MessageBoxAdvertisementProtocol, "1")
		require.NoError(t, err)
		require.False(t, ok, "byte %d", i)
	}

	// Another namespace does not verify either.
	ok, err = v.Verify(payload, sig, signer.IdentityKey(),
		IdentityProtocol, "1")
	require.NoError(t, err)
	require.False(t, ok)

	// Garbage signatures are a false result, not an error.
	ok, err = v.Verify(payload, []byte{0x30, 0x01}, signer.IdentityKey(),
		MessageBoxAdvertisementProtocol, "1")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestVerifyDigest signs with the derived child key directly and checks that
// only a signature over the single SHA-256 digest of the data verifies.
func TestVerifyDigest(t *testing.T) {
	t.Parallel()

	signer := testSigner(t, 0x33)
	data := []byte("wallet config payload")
	single := sha256.Sum256(data)

	tests := []struct {
		name   string
		digest []byte
		want   bool
	}{
		{
			name:   "single sha256",
			digest: single[:],
			want:   true,
		},
		{
			name:   "double sha256",
			digest: chainhash.DoubleHashB(data),
			want:   false,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			// Arrange.
			child, err := signer.DeriveKey(WalletConfigProtocol, "1")
			require.NoError(t, err)
			sig := ecdsa.Sign(child, test.digest).Serialize()
			child.Zero()

			// Act.
			ok, err := NewVerifier().Verify(data, sig,
				signer.IdentityKey(), WalletConfigProtocol, "1")

			// Assert.
			require.NoError(t, err)
			require.Equal(t, test.want, ok)
		})
	}

	// Signer.Sign produces the same digest.
	sig, err := signer.Sign(data, WalletConfigProtocol, "1")
	require.NoError(t, err)
	parsed, err := ecdsa.ParseDERSignature(sig)
	require.NoError(t, err)
	child, err := signer.DeriveKey(WalletConfigProtocol, "1")
	require.NoError(t, err)
	defer child.Zero()
	require.True(t, parsed.Verify(single[:], child.PubKey()))
}

func TestVerifyLinkedField(t *testing.T) {
	t.Parallel()

	signer := testSigner(t, 0x33)
	other := testSigner(t, 0x44)
	v := NewVerifier()

	fields := [][]byte{[]byte("a"), []byte("bc")}
	sig, err := signer.Sign([]byte("abc"), WalletConfigProtocol, "1")
	require.NoError(t, err)

	child, err := signer.DeriveKey(WalletConfigProtocol, "1")
	require.NoError(t, err)
	embedder := child.PubKey()

	err = v.VerifyLinkedField(embedder, fields, sig, signer.IdentityKey(),
		WalletConfigProtocol, "1")
	require.NoError(t, err)

	// The identity key itself is not the linked key.
	err = v.VerifyLinkedField(signer.IdentityKey(), fields, sig,
		signer.IdentityKey(), WalletConfigProtocol, "1")
	require.ErrorIs(t, err, ErrNotLinked)

	// Correct linkage, signature by someone else.
	otherSig, err := other.Sign([]byte("abc"), WalletConfigProtocol, "1")
	require.NoError(t, err)
	err = v.VerifyLinkedField(embedder, fields, otherSig,
		signer.IdentityKey(), WalletConfigProtocol, "1")
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestSymmetricKeyAgreement(t *testing.T) {
	t.Parallel()

	signer := testSigner(t, 0x55)
	v := NewVerifier()

	issued, err := signer.SymmetricKey(CertificateFieldProtocol, "s name")
	require.NoError(t, err)

	derived, err := v.SymmetricKey(CertificateFieldProtocol, "s name",
		signer.IdentityKey())
	require.NoError(t, err)
	require.Equal(t, issued, derived)

	other, err := v.SymmetricKey(CertificateFieldProtocol, "s email",
		signer.IdentityKey())
	require.NoError(t, err)
	require.NotEqual(t, issued, other)
}
