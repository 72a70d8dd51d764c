// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package protocols

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/utxoverlay/overlayd/linkage"
	"github.com/utxoverlay/overlayd/lookup"
	"github.com/utxoverlay/overlayd/topic"
)

const fieldHost = "host"

var errAdvertisement = errors.New("advertisement needs an identity key " +
	"and a utf8 host")

// MessageBox admits advertisements of the host that relays messages for an
// identity.  Spent advertisements are reported as consumed.
func MessageBox() *Protocol {
	return &Protocol{
		Name: "messagebox",
		Topic: topic.Config{
			Topic:          "tm_messagebox",
			Rule:           topic.RuleFunc(messageBoxRule),
			RetainPrevious: true,
		},
		Index: lookup.Config{
			Name:          "messagebox_advertisement",
			Topic:         "tm_messagebox",
			Service:       "ls_messagebox",
			SpendMode:     lookup.SpendDelete,
			IndexedFields: []string{fieldIdentityKey, fieldHost},
		},
		Extract:   extractAdvertisement,
		Translate: translateMessageBox,
	}
}

// advertisement is a decoded message box advertisement.
type advertisement struct {
	identity *btcec.PublicKey
	host     string
}

func decodeAdvertisement(fields [][]byte) (*advertisement, error) {
	if len(fields) < 2 || len(fields[0]) == 0 || len(fields[1]) == 0 ||
		!utf8.Valid(fields[1]) {

		return nil, errAdvertisement
	}
	identity, err := btcec.ParsePubKey(fields[0])
	if err != nil {
		return nil, err
	}
	return &advertisement{identity: identity, host: string(fields[1])}, nil
}

func messageBoxRule(ctx *topic.OutputContext) topic.Verdict {
	tok, err := decodeSigned(ctx.Output.PkScript)
	if err != nil {
		return topic.Reject(topic.ReasonMalformedScript, err)
	}
	ad, err := decodeAdvertisement(tok.fields)
	if err != nil {
		return topic.Reject(topic.ReasonPolicyViolation, err)
	}

	err = ctx.Verifier.VerifyFields(tok.fields, tok.signature, ad.identity,
		linkage.MessageBoxAdvertisementProtocol, signingKeyID)
	if err != nil {
		return linkageVerdict(err)
	}

	return topic.Admit()
}

func extractAdvertisement(out *Output) (map[string][]string, []byte,
	error) {

	tok, err := decodeSigned(out.Script)
	if err != nil {
		return nil, nil, err
	}
	ad, err := decodeAdvertisement(tok.fields)
	if err != nil {
		return nil, nil, err
	}

	identityKey := hex.EncodeToString(ad.identity.SerializeCompressed())
	return map[string][]string{
		fieldIdentityKey: {identityKey},
		fieldHost:        {ad.host},
	}, nil, nil
}

// messageBoxQuery is the ls_messagebox query document.
type messageBoxQuery struct {
	IdentityKey string  `json:"identityKey"`
	Host        *string `json:"host"`
}

var errNoIdentityKey = errors.New("identityKey query missing")

// translateMessageBox finds the newest advertisements of an identity,
// optionally for one host.
func translateMessageBox(raw json.RawMessage) (*lookup.Query, error) {
	var req messageBoxQuery
	if err := decodeQuery(raw, &req); err != nil {
		return nil, err
	}
	if req.IdentityKey == "" {
		return nil, errNoIdentityKey
	}

	preds := []lookup.Predicate{
		lookup.Equal(fieldIdentityKey, req.IdentityKey),
	}
	if req.Host != nil {
		preds = append(preds, lookup.Equal(fieldHost, *req.Host))
	}
	return &lookup.Query{Predicates: preds, Order: lookup.Descending}, nil
}
