// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package protocols defines the overlay protocols a node can serve.  Each
// Protocol pairs an admission rule with the index that records what it
// admits: which fields are extracted from an admitted output, how the
// index treats spends, and how client queries map onto index queries.
package protocols

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/utxoverlay/overlayd/linkage"
	"github.com/utxoverlay/overlayd/lookup"
	"github.com/utxoverlay/overlayd/script"
	"github.com/utxoverlay/overlayd/topic"
)

// defaultPageSize is the result limit for queries that do not set one.
const defaultPageSize = 50

var (
	// ErrUnknownProtocol is returned when no protocol has the requested
	// name, topic or service.
	ErrUnknownProtocol = errors.New("unknown protocol")

	// errNoEmbedder is the detail for a PushDrop token that is not
	// locked to a key.
	errNoEmbedder = errors.New("token is not locked to a key")

	// errNoVerifier is returned by extractors that decrypt revealed
	// values when the output carries no verifier.
	errNoVerifier = errors.New("output has no verifier")
)

// Output is an admitted output as handed to an extractor.
type Output struct {
	Ref lookup.OutputRef

	// Script is the output's locking script.
	Script []byte

	// OffChain holds the off-chain values submitted with the
	// transaction, if any.
	OffChain []byte

	// Verifier decrypts publicly revealed values.  The node sets it to
	// the verifier its engines use.
	Verifier *linkage.Verifier
}

// Extractor derives the index fields and payload of an admitted output.
type Extractor func(out *Output) (map[string][]string, []byte, error)

// Protocol is everything a node needs to admit and index one overlay
// protocol.
type Protocol struct {
	// Name is the short name operators use, for example "identity".
	Name string

	// Topic configures the admission engine.  The node fills in the
	// verifier and metrics.
	Topic topic.Config

	// Index configures the protocol's index.
	Index lookup.Config

	// Extract derives index fields from admitted outputs.
	Extract Extractor

	// Translate maps client queries onto the index.
	Translate lookup.Translator
}

// registry holds every protocol by name.
var registry = map[string]func() *Protocol{
	"identity":         Identity,
	"walletconfig":     WalletConfig,
	"apps":             Apps,
	"messagebox":       MessageBox,
	"tokendemo":        TokenDemo,
	"fractionalize":    Fractionalize,
	"monsterbattle":    MonsterBattle,
	"slackthread":      SlackThread,
	"supplychain":      SupplyChain,
	"desktopintegrity": DesktopIntegrity,
	"anytx":            AnyTx,
}

// Names returns the names of all protocols in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns a fresh definition of every protocol, sorted by name.
func All() []*Protocol {
	names := Names()
	all := make([]*Protocol, len(names))
	for i, name := range names {
		all[i] = registry[name]()
	}
	return all
}

// ByName returns the protocol with the given short name.
func ByName(name string) (*Protocol, error) {
	build, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, name)
	}
	return build(), nil
}

// ByTopic returns the protocol admitting to the given topic.
func ByTopic(topicName string) (*Protocol, error) {
	for _, p := range All() {
		if p.Topic.Topic == topicName {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: topic %q", ErrUnknownProtocol, topicName)
}

// ByService returns the protocol answering the given lookup service.
func ByService(service string) (*Protocol, error) {
	for _, p := range All() {
		if p.Index.Service == service {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: service %q", ErrUnknownProtocol, service)
}

// signedToken is a decoded PushDrop token whose last field signs the
// others.
type signedToken struct {
	embedder  *btcec.PublicKey
	fields    [][]byte
	signature []byte
}

// decodeSigned decodes pkScript as a signed PushDrop token.
func decodeSigned(pkScript []byte) (*signedToken, error) {
	d, err := script.Decode(pkScript)
	if err != nil {
		return nil, err
	}
	sig, fields, err := d.Signature()
	if err != nil {
		return nil, err
	}
	return &signedToken{
		embedder:  d.EmbedderKey.UnwrapOr(nil),
		fields:    fields,
		signature: sig,
	}, nil
}

// linkageVerdict maps a linkage failure onto a rejection.
func linkageVerdict(err error) topic.Verdict {
	switch {
	case errors.Is(err, linkage.ErrNotLinked):
		return topic.Reject(topic.ReasonNotLinked, err)

	case errors.Is(err, linkage.ErrBadSignature):
		return topic.Reject(topic.ReasonBadSignature, err)

	default:
		return topic.Reject(topic.ReasonPolicyViolation, err)
	}
}

// parseIdentityKey parses a hex encoded compressed public key.
func parseIdentityKey(what, s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", what, s, err)
	}
	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", what, s, err)
	}
	return key, nil
}
