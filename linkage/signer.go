// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package linkage

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Signer is the issuer side of linkage.  It holds an identity private key
// and derives child keys addressed to anyone, so whatever it signs or locks
// can be checked by a Verifier knowing only the identity public key.
//
// A Signer must not be used after Zero has been called.
type Signer struct {
	priv *btcec.PrivateKey
}

// NewSigner returns a Signer for the given identity key.  The Signer keeps
// its own copy of the scalar.
func NewSigner(priv *btcec.PrivateKey) *Signer {
	scalar := priv.Key
	return &Signer{priv: secp256k1.NewPrivateKey(&scalar)}
}

// IdentityKey returns the identity public key.
func (s *Signer) IdentityKey() *btcec.PublicKey {
	return s.priv.PubKey()
}

// childScalar returns the invoice tweak for the signer's own identity.
// Addressing anyone makes the shared point k*G, the identity key itself.
func (s *Signer) childScalar(p Protocol,
	keyID string) (secp256k1.ModNScalar, error) {

	invoice, err := InvoiceNumber(p, keyID)
	if err != nil {
		return secp256k1.ModNScalar{}, err
	}
	return invoiceScalar(s.IdentityKey(), invoice), nil
}

// DeriveKey returns the child private key k + h mod n for the namespace.
// Its public key equals Verifier.DeriveKey for the same namespace and this
// signer's identity.
func (s *Signer) DeriveKey(p Protocol,
	keyID string) (*btcec.PrivateKey, error) {

	h, err := s.childScalar(p, keyID)
	if err != nil {
		return nil, err
	}

	child := s.priv.Key
	child.Add(&h)
	if child.IsZero() {
		return nil, ErrPointAtInfinity
	}
	return secp256k1.NewPrivateKey(&child), nil
}

// Sign returns a DER encoded signature over the SHA-256 digest of data with
// the child key for the namespace.
func (s *Signer) Sign(data []byte, p Protocol, keyID string) ([]byte, error) {
	child, err := s.DeriveKey(p, keyID)
	if err != nil {
		return nil, err
	}
	defer child.Zero()

	digest := sha256.Sum256(data)
	sig := ecdsa.Sign(child, digest[:])
	return sig.Serialize(), nil
}

// SymmetricKey returns the key this signer shares with anyone under the
// namespace.  It equals Verifier.SymmetricKey called with this signer's
// identity as counterparty.
func (s *Signer) SymmetricKey(p Protocol, keyID string) ([32]byte, error) {
	var key [32]byte

	h, err := s.childScalar(p, keyID)
	if err != nil {
		return key, err
	}

	// The child key anyone derives for us is (1 + h)*G.
	anyoneChild := anyoneScalar
	anyoneChild.Add(&h)
	var point secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&anyoneChild, &point)
	if point.Z.IsZero() {
		return key, ErrPointAtInfinity
	}
	point.ToAffine()
	anyonePub := secp256k1.NewPublicKey(&point.X, &point.Y)

	child := s.priv.Key
	child.Add(&h)
	defer child.Zero()

	shared, err := scalarMult(anyonePub, &child)
	if err != nil {
		return key, err
	}

	shared.X().FillBytes(key[:])
	return key, nil
}

// Zero clears the identity private key from memory.
func (s *Signer) Zero() {
	s.priv.Zero()
}
