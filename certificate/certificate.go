// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package certificate verifies identity certificates and decrypts the
// fields their subjects revealed to anyone.
package certificate

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/utxoverlay/overlayd/internal/zero"
	"github.com/utxoverlay/overlayd/linkage"
)

const (
	// typeLen and serialLen are the decoded sizes of the base64 type and
	// serial number.
	typeLen   = 32
	serialLen = 32

	txidHexLen = 64
)

var (
	// ErrInvalid is wrapped by errors about the certificate's encoding.
	ErrInvalid = errors.New("invalid certificate")

	// ErrBadSignature is returned when the certifier's signature does not
	// verify.
	ErrBadSignature = errors.New("certifier signature does not verify")

	// ErrNoRevealedFields is returned when a certificate reveals nothing
	// to anyone.
	ErrNoRevealedFields = errors.New("no publicly revealed fields")

	// ErrDecrypt is returned when a revealed field cannot be decrypted.
	ErrDecrypt = errors.New("unable to decrypt field")
)

// Certificate is an identity certificate as carried in an identity token.
// Field values are base64 ciphertexts; Keyring maps a field name to the
// base64 field key encrypted for anyone.
type Certificate struct {
	Type               string            `json:"type"`
	SerialNumber       string            `json:"serialNumber"`
	Subject            string            `json:"subject"`
	Certifier          string            `json:"certifier"`
	RevocationOutpoint string            `json:"revocationOutpoint"`
	Fields             map[string]string `json:"fields"`
	Keyring            map[string]string `json:"keyring,omitempty"`
	Signature          string            `json:"signature,omitempty"`

	subjectKey   *btcec.PublicKey
	certifierKey *btcec.PublicKey
}

// Parse decodes a certificate from its JSON form and checks that its keys
// and identifiers are well formed.
func Parse(raw []byte) (*Certificate, error) {
	var c Certificate
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := c.init(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Certificate) init() error {
	var err error
	c.subjectKey, err = parseKey("subject", c.Subject)
	if err != nil {
		return err
	}
	c.certifierKey, err = parseKey("certifier", c.Certifier)
	if err != nil {
		return err
	}

	if _, err := decodeFixed("type", c.Type, typeLen); err != nil {
		return err
	}
	if _, err := decodeFixed("serial number", c.SerialNumber,
		serialLen); err != nil {

		return err
	}
	if _, _, err := splitOutpoint(c.RevocationOutpoint); err != nil {
		return err
	}

	return nil
}

// SubjectKey returns the identity key the certificate is about.
func (c *Certificate) SubjectKey() *btcec.PublicKey {
	return c.subjectKey
}

// CertifierKey returns the key of the party that signed the certificate.
func (c *Certificate) CertifierKey() *btcec.PublicKey {
	return c.certifierKey
}

func parseKey(what, s string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s key: %w", ErrInvalid, what, err)
	}
	key, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s key: %w", ErrInvalid, what, err)
	}
	return key, nil
}

func decodeFixed(what, s string, size int) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, what, err)
	}
	if len(b) != size {
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrInvalid,
			what, len(b), size)
	}
	return b, nil
}

// splitOutpoint parses "<txid>.<index>".  The txid is kept in the byte
// order it is written in.
func splitOutpoint(s string) ([]byte, uint32, error) {
	txidHex, indexStr, ok := strings.Cut(s, ".")
	if !ok || len(txidHex) != txidHexLen {
		return nil, 0, fmt.Errorf("%w: revocation outpoint %q",
			ErrInvalid, s)
	}
	txid, err := hex.DecodeString(txidHex)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: revocation outpoint: %w",
			ErrInvalid, err)
	}
	index, err := strconv.ParseUint(indexStr, 10, 32)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: revocation outpoint: %w",
			ErrInvalid, err)
	}
	return txid, uint32(index), nil
}

// SigningData returns the binary form the certifier signs: the type,
// serial number, subject and certifier keys, the revocation outpoint, and
// the fields sorted by name.
func (c *Certificate) SigningData() ([]byte, error) {
	var buf bytes.Buffer

	certType, err := decodeFixed("type", c.Type, typeLen)
	if err != nil {
		return nil, err
	}
	serial, err := decodeFixed("serial number", c.SerialNumber, serialLen)
	if err != nil {
		return nil, err
	}
	buf.Write(certType)
	buf.Write(serial)
	buf.Write(c.subjectKey.SerializeCompressed())
	buf.Write(c.certifierKey.SerializeCompressed())

	txid, index, err := splitOutpoint(c.RevocationOutpoint)
	if err != nil {
		return nil, err
	}
	buf.Write(txid)
	if err := wire.WriteVarInt(&buf, 0, uint64(index)); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(c.Fields))
	for name := range c.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := wire.WriteVarInt(&buf, 0, uint64(len(names))); err != nil {
		return nil, err
	}
	for _, name := range names {
		if err := wire.WriteVarString(&buf, 0, name); err != nil {
			return nil, err
		}
		err := wire.WriteVarString(&buf, 0, c.Fields[name])
		if err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// signatureKeyID is the key id the certifier signs under.
func (c *Certificate) signatureKeyID() string {
	return c.Type + " " + c.SerialNumber
}

// fieldKeyID is the key id a field's revelation key is encrypted under.
func (c *Certificate) fieldKeyID(field string) string {
	return c.SerialNumber + " " + field
}

// Verify checks the certifier's signature.
func (c *Certificate) Verify(v *linkage.Verifier) error {
	sig, err := hex.DecodeString(c.Signature)
	if err != nil || len(sig) == 0 {
		return fmt.Errorf("%w: signature encoding", ErrBadSignature)
	}

	data, err := c.SigningData()
	if err != nil {
		return err
	}

	ok, err := v.Verify(data, sig, c.certifierKey,
		linkage.CertificateSignatureProtocol, c.signatureKeyID())
	if err != nil {
		return err
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

// DecryptFields returns the plaintext of every field in the keyring.  The
// keyring must be non-empty and every entry in it must decrypt.
func (c *Certificate) DecryptFields(
	v *linkage.Verifier) (map[string]string, error) {

	if len(c.Keyring) == 0 {
		return nil, ErrNoRevealedFields
	}

	plain := make(map[string]string, len(c.Keyring))
	for name, encKey := range c.Keyring {
		value, ok := c.Fields[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q has a key but no value",
				ErrDecrypt, name)
		}

		keyID := c.fieldKeyID(name)
		shared, err := v.SymmetricKey(linkage.CertificateFieldProtocol,
			keyID, c.subjectKey)
		if err != nil {
			return nil, err
		}

		fieldKey, err := decryptBase64(shared[:], encKey)
		zero.Key32(&shared)
		if err != nil {
			return nil, fmt.Errorf("%w: key for %q: %w", ErrDecrypt,
				name, err)
		}

		pt, err := decryptBase64(fieldKey, value)
		zero.Bytes(fieldKey)
		if err != nil {
			return nil, fmt.Errorf("%w: value of %q: %w", ErrDecrypt,
				name, err)
		}
		plain[name] = string(pt)
	}

	return plain, nil
}
