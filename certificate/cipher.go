// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package certificate

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// ivLen is the size of the nonce prepended to every ciphertext.
	ivLen = 32

	tagLen = 16
)

var errShortCiphertext = errors.New("ciphertext too short")

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, ivLen)
}

// decrypt opens iv || ciphertext || tag.
func decrypt(key, data []byte) ([]byte, error) {
	if len(data) < ivLen+tagLen {
		return nil, fmt.Errorf("%w: %d bytes", errShortCiphertext,
			len(data))
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, data[:ivLen], data[ivLen:], nil)
}

func decryptBase64(key []byte, s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return decrypt(key, data)
}

// encrypt seals plaintext under key with a fresh random iv.
func encrypt(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, ivLen, ivLen+len(plaintext)+tagLen)
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return gcm.Seal(out, out[:ivLen], plaintext, nil), nil
}
