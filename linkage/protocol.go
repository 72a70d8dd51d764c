// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package linkage

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxSecurityLevel is the highest security level a protocol may
	// declare.
	MaxSecurityLevel = 2

	minProtocolNameLen = 5
	maxProtocolNameLen = 400
	maxKeyIDLen        = 800
)

var (
	// ErrInvalidProtocol is returned when a protocol namespace cannot be
	// turned into an invoice number.
	ErrInvalidProtocol = errors.New("invalid protocol")

	// ErrInvalidKeyID is returned for an empty or oversized key id.
	ErrInvalidKeyID = errors.New("invalid key id")
)

// Protocol is the namespace keys and signatures are derived under.
type Protocol struct {
	// SecurityLevel is 0, 1 or 2.  Overlay protocols use 1 for tokens
	// and 2 for certificates.
	SecurityLevel uint8

	// Name is the protocol's human readable name.
	Name string
}

// String returns the protocol in its "[level, name]" display form.
func (p Protocol) String() string {
	return fmt.Sprintf("[%d, %q]", p.SecurityLevel, p.Name)
}

// Protocols used by the overlay's own topics.
var (
	IdentityProtocol                = Protocol{1, "identity"}
	WalletConfigProtocol            = Protocol{1, "wallet config option"}
	MessageBoxAdvertisementProtocol = Protocol{1, "messagebox advertisement"}
	AppsProtocol                    = Protocol{1, "metanet apps"}
	CertificateSignatureProtocol    = Protocol{2, "certificate signature"}
	CertificateFieldProtocol        = Protocol{2, "certificate field encryption"}
)

// InvoiceNumber returns the string that binds a derived key to a protocol
// and key id: "<level>-<normalized name>-<keyID>".
func InvoiceNumber(p Protocol, keyID string) (string, error) {
	if p.SecurityLevel > MaxSecurityLevel {
		return "", fmt.Errorf("%w: security level %d", ErrInvalidProtocol,
			p.SecurityLevel)
	}

	if len(keyID) < 1 || len(keyID) > maxKeyIDLen {
		return "", fmt.Errorf("%w: length %d", ErrInvalidKeyID, len(keyID))
	}

	name := strings.ToLower(strings.TrimSpace(p.Name))
	switch {
	case len(name) < minProtocolNameLen || len(name) > maxProtocolNameLen:
		return "", fmt.Errorf("%w: name length %d", ErrInvalidProtocol,
			len(name))

	case strings.Contains(name, "  "):
		return "", fmt.Errorf("%w: consecutive spaces in %q",
			ErrInvalidProtocol, name)

	case strings.HasSuffix(name, " protocol"):
		return "", fmt.Errorf("%w: %q must not end with \" protocol\"",
			ErrInvalidProtocol, name)
	}

	for _, r := range name {
		isLetter := r >= 'a' && r <= 'z'
		isDigit := r >= '0' && r <= '9'
		if !isLetter && !isDigit && r != ' ' {
			return "", fmt.Errorf("%w: character %q in %q",
				ErrInvalidProtocol, r, name)
		}
	}

	return fmt.Sprintf("%d-%s-%s", p.SecurityLevel, name, keyID), nil
}
