// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package linkage

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	// ErrPointAtInfinity is returned in the negligible case that a
	// derivation lands on the point at infinity.
	ErrPointAtInfinity = errors.New("derived point at infinity")

	// ErrNotLinked is returned by VerifyLinkedField when the embedder key is
	// not the key derived from the claimed identity.
	ErrNotLinked = errors.New("locking key not linked to identity")

	// ErrBadSignature is returned by VerifyLinkedField when the fields were
	// not signed by the claimed identity.
	ErrBadSignature = errors.New("signature does not verify")
)

// anyoneScalar is the private scalar of the well known "anyone" party.
var anyoneScalar = func() secp256k1.ModNScalar {
	var s secp256k1.ModNScalar
	s.SetInt(1)
	return s
}()

// Verifier checks signature linkage on behalf of the "anyone" party.  It
// holds no key material and no mutable state; the zero value is ready to
// use and a single instance may be shared across goroutines.
type Verifier struct{}

// NewVerifier returns a Verifier.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// invoiceScalar returns HMAC-SHA256 keyed by the compressed shared point over
// the invoice number, reduced to a scalar.
func invoiceScalar(shared *btcec.PublicKey,
	invoice string) secp256k1.ModNScalar {
	mac := hmac.New(sha256.New, shared.SerializeCompressed())
	mac.Write([]byte(invoice))

	var s secp256k1.ModNScalar
	s.SetByteSlice(mac.Sum(nil))
	return s
}

// addScalarBase returns pub + s*G.
func addScalarBase(pub *btcec.PublicKey,
	s *secp256k1.ModNScalar) (*btcec.PublicKey, error) {

	var tweak, point, sum secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(s, &tweak)
	pub.AsJacobian(&point)
	secp256k1.AddNonConst(&point, &tweak, &sum)

	if (sum.X.IsZero() && sum.Y.IsZero()) || sum.Z.IsZero() {
		return nil, ErrPointAtInfinity
	}

	sum.ToAffine()
	return secp256k1.NewPublicKey(&sum.X, &sum.Y), nil
}

// scalarMult returns s*pub.
func scalarMult(pub *btcec.PublicKey,
	s *secp256k1.ModNScalar) (*btcec.PublicKey, error) {

	var point, result secp256k1.JacobianPoint
	pub.AsJacobian(&point)
	secp256k1.ScalarMultNonConst(s, &point, &result)

	if (result.X.IsZero() && result.Y.IsZero()) || result.Z.IsZero() {
		return nil, ErrPointAtInfinity
	}

	result.ToAffine()
	return secp256k1.NewPublicKey(&result.X, &result.Y), nil
}

// DeriveKey returns the public key that identity would have locked an
// output to, or signed with, under the given protocol and key id when
// addressing anyone.
func (v *Verifier) DeriveKey(p Protocol, keyID string,
	identity *btcec.PublicKey) (*btcec.PublicKey, error) {

	invoice, err := InvoiceNumber(p, keyID)
	if err != nil {
		return nil, err
	}

	// The shared point between anyone and identity is identity itself.
	h := invoiceScalar(identity, invoice)
	return addScalarBase(identity, &h)
}

// Verify reports whether sig is a valid DER signature by identity over the
// single SHA-256 digest of data under the given protocol and key id.  A
// malformed signature is reported as false, not as an error; errors are
// reserved for an invalid protocol namespace.
func (v *Verifier) Verify(data, sig []byte, identity *btcec.PublicKey,
	p Protocol, keyID string) (bool, error) {

	key, err := v.DeriveKey(p, keyID, identity)
	if err != nil {
		return false, err
	}

	signature, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false, nil
	}

	digest := sha256.Sum256(data)
	return signature.Verify(digest[:], key), nil
}

// VerifyLinkedField applies both linkage checks used by identity-bearing
// tokens: the output's embedder key must equal the key derived from
// identity, and sig must sign the concatenation of fields.  The returned
// error wraps ErrNotLinked or ErrBadSignature so callers can tell which
// check failed.
func (v *Verifier) VerifyLinkedField(embedder *btcec.PublicKey,
	fields [][]byte, sig []byte, identity *btcec.PublicKey, p Protocol,
	keyID string) error {

	expected, err := v.DeriveKey(p, keyID, identity)
	if err != nil {
		return err
	}
	if !bytes.Equal(expected.SerializeCompressed(),
		embedder.SerializeCompressed()) {

		return fmt.Errorf("%w: protocol %v key %q", ErrNotLinked, p,
			keyID)
	}

	return v.VerifyFields(fields, sig, identity, p, keyID)
}

// VerifyFields checks that sig signs the concatenation of fields.
func (v *Verifier) VerifyFields(fields [][]byte, sig []byte,
	identity *btcec.PublicKey, p Protocol, keyID string) error {

	ok, err := v.Verify(bytes.Join(fields, nil), sig, identity, p, keyID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: protocol %v key %q", ErrBadSignature, p,
			keyID)
	}
	return nil
}

// SymmetricKey returns the 32-byte key anyone shares with counterparty under
// the given protocol and key id.  It is the x coordinate of the product of
// the two derived child keys.
func (v *Verifier) SymmetricKey(p Protocol, keyID string,
	counterparty *btcec.PublicKey) ([32]byte, error) {

	var key [32]byte

	invoice, err := InvoiceNumber(p, keyID)
	if err != nil {
		return key, err
	}

	h := invoiceScalar(counterparty, invoice)
	childPub, err := addScalarBase(counterparty, &h)
	if err != nil {
		return key, err
	}

	childPriv := anyoneScalar
	childPriv.Add(&h)

	shared, err := scalarMult(childPub, &childPriv)
	if err != nil {
		return key, err
	}

	x := shared.X()
	x.FillBytes(key[:])
	return key, nil
}
