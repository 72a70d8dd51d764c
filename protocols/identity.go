// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package protocols

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/utxoverlay/overlayd/certificate"
	"github.com/utxoverlay/overlayd/linkage"
	"github.com/utxoverlay/overlayd/lookup"
	"github.com/utxoverlay/overlayd/topic"
)

// signingKeyID is the key id every signed token protocol signs under.
const signingKeyID = "1"

// Identity index fields.  Revealed attributes are indexed one field per
// attribute under attrPrefix, and all of them together under searchable.
const (
	fieldSerialNumber = "serialNumber"
	fieldIdentityKey  = "identityKey"
	fieldCertifier    = "certifier"
	fieldCertType     = "type"
	fieldSearchable   = "searchable"
	attrPrefix        = "attr."

	// anyAttribute searches every revealed attribute at once.
	anyAttribute = "any"
)

// Identity admits identity certificates published by their subject with at
// least one publicly revealed field.
func Identity() *Protocol {
	return &Protocol{
		Name: "identity",
		Topic: topic.Config{
			Topic:         "tm_identity",
			Rule:          topic.RuleFunc(identityRule),
			RequireInputs: true,
		},
		Index: lookup.Config{
			Name:      "identityRecords",
			Topic:     "tm_identity",
			Service:   "ls_identity",
			SpendMode: lookup.SpendDelete,
			IndexedFields: []string{
				fieldSerialNumber, fieldIdentityKey, fieldCertifier,
				fieldCertType, fieldSearchable,
			},
			IndexedPrefixes: []string{attrPrefix},
		},
		Extract:   extractIdentity,
		Translate: translateIdentity,
	}
}

func identityRule(ctx *topic.OutputContext) topic.Verdict {
	tok, err := decodeSigned(ctx.Output.PkScript)
	if err != nil {
		return topic.Reject(topic.ReasonMalformedScript, err)
	}

	cert, err := certificate.Parse(tok.fields[0])
	if err != nil {
		return topic.Reject(topic.ReasonPolicyViolation, err)
	}

	err = ctx.Verifier.VerifyFields(tok.fields, tok.signature,
		cert.SubjectKey(), linkage.IdentityProtocol, signingKeyID)
	if err != nil {
		return linkageVerdict(err)
	}

	if err := cert.Verify(ctx.Verifier); err != nil {
		return topic.Reject(topic.ReasonBadSignature, err)
	}

	if _, err := cert.DecryptFields(ctx.Verifier); err != nil {
		return topic.Reject(topic.ReasonPolicyViolation, err)
	}

	return topic.Admit()
}

// extractIdentity indexes a certificate by its identifiers and revealed
// attributes.  The payload is the certificate with its revealed fields in
// plaintext.
func extractIdentity(out *Output) (map[string][]string, []byte, error) {
	tok, err := decodeSigned(out.Script)
	if err != nil {
		return nil, nil, err
	}
	cert, err := certificate.Parse(tok.fields[0])
	if err != nil {
		return nil, nil, err
	}
	if out.Verifier == nil {
		return nil, nil, errNoVerifier
	}
	plain, err := cert.DecryptFields(out.Verifier)
	if err != nil {
		return nil, nil, err
	}

	fields := map[string][]string{
		fieldSerialNumber: {cert.SerialNumber},
		fieldIdentityKey:  {cert.Subject},
		fieldCertifier:    {cert.Certifier},
		fieldCertType:     {cert.Type},
	}

	names := make([]string, 0, len(plain))
	for name := range plain {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]string, 0, len(plain))
	for _, name := range names {
		fields[attrPrefix+name] = []string{plain[name]}
		values = append(values, plain[name])
	}
	fields[fieldSearchable] = []string{strings.Join(values, " ")}

	revealed := *cert
	revealed.Fields = plain
	payload, err := json.Marshal(&revealed)
	if err != nil {
		return nil, nil, err
	}

	return fields, payload, nil
}

// identityQuery is the ls_identity query document.
type identityQuery struct {
	SerialNumber     *string           `json:"serialNumber"`
	Attributes       map[string]string `json:"attributes"`
	Certifiers       []string          `json:"certifiers"`
	IdentityKey      *string           `json:"identityKey"`
	CertificateTypes []string          `json:"certificateTypes"`
}

var errIdentityQuery = errors.New("one of serialNumber, attributes, " +
	"identityKey or certifiers is required")

// translateIdentity picks the most specific search the query allows:
// serial number, then attributes, then identity key with certificate
// types, then identity key, then certifiers alone.  Every search but the
// serial number is restricted to the given certifiers.
func translateIdentity(raw json.RawMessage) (*lookup.Query, error) {
	var req identityQuery
	if err := decodeQuery(raw, &req); err != nil {
		return nil, err
	}

	if req.SerialNumber != nil {
		return &lookup.Query{Predicates: []lookup.Predicate{
			lookup.Equal(fieldSerialNumber, *req.SerialNumber),
		}}, nil
	}

	if req.Certifiers == nil {
		return nil, errIdentityQuery
	}
	certifiers := lookup.In(fieldCertifier, req.Certifiers...)

	switch {
	case req.Attributes != nil:
		preds := []lookup.Predicate{certifiers}
		names := make([]string, 0, len(req.Attributes))
		for name := range req.Attributes {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			field := attrPrefix + name
			if name == anyAttribute {
				field = fieldSearchable
			}
			if name == "" {
				return nil, fmt.Errorf("empty attribute name")
			}
			preds = append(preds, lookup.Subsequence(field,
				req.Attributes[name]))
		}
		return &lookup.Query{Predicates: preds}, nil

	case req.IdentityKey != nil && req.CertificateTypes != nil:
		return &lookup.Query{Predicates: []lookup.Predicate{
			lookup.Equal(fieldIdentityKey, *req.IdentityKey),
			lookup.In(fieldCertType, req.CertificateTypes...),
			certifiers,
		}}, nil

	case req.IdentityKey != nil:
		return &lookup.Query{Predicates: []lookup.Predicate{
			lookup.Equal(fieldIdentityKey, *req.IdentityKey),
			certifiers,
		}}, nil

	default:
		return &lookup.Query{Predicates: []lookup.Predicate{
			certifiers,
		}}, nil
	}
}
