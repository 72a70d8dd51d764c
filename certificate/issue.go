// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package certificate

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/utxoverlay/overlayd/internal/zero"
	"github.com/utxoverlay/overlayd/linkage"
)

// Draft is the plaintext content of a certificate before it is sealed.
type Draft struct {
	Type               string
	SerialNumber       string
	RevocationOutpoint string
	Fields             map[string]string
}

// Issue encrypts the draft's fields, reveals the named fields to anyone
// through a keyring from subject, and has certifier sign the result.
func Issue(d Draft, subject, certifier *linkage.Signer,
	reveal ...string) (*Certificate, error) {

	subjectKey := subject.IdentityKey().SerializeCompressed()
	certifierKey := certifier.IdentityKey().SerializeCompressed()

	c := &Certificate{
		Type:               d.Type,
		SerialNumber:       d.SerialNumber,
		Subject:            hex.EncodeToString(subjectKey),
		Certifier:          hex.EncodeToString(certifierKey),
		RevocationOutpoint: d.RevocationOutpoint,
		Fields:             make(map[string]string, len(d.Fields)),
		Keyring:            make(map[string]string, len(reveal)),
	}
	if err := c.init(); err != nil {
		return nil, err
	}

	fieldKeys := make(map[string][]byte, len(d.Fields))
	defer func() {
		for _, key := range fieldKeys {
			zero.Bytes(key)
		}
	}()
	for name, value := range d.Fields {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		ct, err := encrypt(key, []byte(value))
		if err != nil {
			return nil, err
		}
		fieldKeys[name] = key
		c.Fields[name] = base64.StdEncoding.EncodeToString(ct)
	}

	for _, name := range reveal {
		key, ok := fieldKeys[name]
		if !ok {
			return nil, fmt.Errorf("cannot reveal unknown field %q",
				name)
		}
		shared, err := subject.SymmetricKey(
			linkage.CertificateFieldProtocol, c.fieldKeyID(name))
		if err != nil {
			return nil, err
		}
		enc, err := encrypt(shared[:], key)
		zero.Key32(&shared)
		if err != nil {
			return nil, err
		}
		c.Keyring[name] = base64.StdEncoding.EncodeToString(enc)
	}

	data, err := c.SigningData()
	if err != nil {
		return nil, err
	}
	sig, err := certifier.Sign(data, linkage.CertificateSignatureProtocol,
		c.signatureKeyID())
	if err != nil {
		return nil, err
	}
	c.Signature = hex.EncodeToString(sig)

	return c, nil
}
