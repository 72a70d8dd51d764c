// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package zero clears secret key material from memory once it is no
// longer needed.
package zero

// Bytes sets every byte of b to zero.
func Bytes(b []byte) {
	clear(b)
}

// Key32 clears a 32-byte symmetric key.
func Key32(k *[32]byte) {
	*k = [32]byte{}
}
