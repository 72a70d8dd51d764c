// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package protocols

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/utxoverlay/overlayd/linkage"
	"github.com/utxoverlay/overlayd/lookup"
	"github.com/utxoverlay/overlayd/topic"
)

// walletConfigFields are the token's fields in order, before the
// signature.
var walletConfigFields = []string{
	"configID", "name", "icon", "wab", "storage", "messagebox", "legal",
	"registryOperator",
}

const fieldRegistryOperator = "registryOperator"

// WalletConfig admits wallet configuration options published by a
// registry operator.
func WalletConfig() *Protocol {
	return &Protocol{
		Name: "walletconfig",
		Topic: topic.Config{
			Topic:         "tm_walletconfig",
			Rule:          topic.RuleFunc(walletConfigRule),
			RequireInputs: true,
		},
		Index: lookup.Config{
			Name:          "walletConfigRecords",
			Topic:         "tm_walletconfig",
			Service:       "ls_walletconfig",
			SpendMode:     lookup.SpendDelete,
			DedupFields:   walletConfigFields,
			IndexedFields: walletConfigFields,
		},
		Extract:   extractWalletConfig,
		Translate: translateWalletConfig,
	}
}

// walletRegistration is a decoded wallet configuration token.
type walletRegistration map[string]string

func decodeWalletConfig(fields [][]byte) (walletRegistration, error) {
	if len(fields) != len(walletConfigFields) {
		return nil, fmt.Errorf("wallet config has %d fields, want %d",
			len(fields), len(walletConfigFields))
	}
	reg := make(walletRegistration, len(fields))
	for i, name := range walletConfigFields {
		if !utf8.Valid(fields[i]) {
			return nil, fmt.Errorf("%s is not utf8", name)
		}
		reg[name] = string(fields[i])
	}
	return reg, nil
}

func walletConfigRule(ctx *topic.OutputContext) topic.Verdict {
	tok, err := decodeSigned(ctx.Output.PkScript)
	if err != nil {
		return topic.Reject(topic.ReasonMalformedScript, err)
	}
	if tok.embedder == nil {
		return topic.Reject(topic.ReasonMalformedScript, errNoEmbedder)
	}

	reg, err := decodeWalletConfig(tok.fields)
	if err != nil {
		return topic.Reject(topic.ReasonPolicyViolation, err)
	}
	operator, err := parseIdentityKey(fieldRegistryOperator,
		reg[fieldRegistryOperator])
	if err != nil {
		return topic.Reject(topic.ReasonPolicyViolation, err)
	}

	err = ctx.Verifier.VerifyLinkedField(tok.embedder, tok.fields,
		tok.signature, operator, linkage.WalletConfigProtocol,
		signingKeyID)
	if err != nil {
		return linkageVerdict(err)
	}

	return topic.Admit()
}

func extractWalletConfig(out *Output) (map[string][]string, []byte, error) {
	tok, err := decodeSigned(out.Script)
	if err != nil {
		return nil, nil, err
	}
	reg, err := decodeWalletConfig(tok.fields)
	if err != nil {
		return nil, nil, err
	}

	fields := make(map[string][]string, len(reg))
	for name, value := range reg {
		fields[name] = []string{value}
	}
	payload, err := json.Marshal(reg)
	if err != nil {
		return nil, nil, err
	}
	return fields, payload, nil
}

// walletConfigQuery is the ls_walletconfig query document.
type walletConfigQuery struct {
	ConfigID          *string  `json:"configID"`
	Name              *string  `json:"name"`
	Wab               *string  `json:"wab"`
	Storage           *string  `json:"storage"`
	Messagebox        *string  `json:"messagebox"`
	RegistryOperators []string `json:"registryOperators"`
}

var errNoOperators = errors.New("registryOperators must be provided")

// translateWalletConfig restricts every search to the given registry
// operators and narrows it by the first of configID, name, wab, storage
// and messagebox present.  Names match as a case-insensitive subsequence.
func translateWalletConfig(raw json.RawMessage) (*lookup.Query, error) {
	var req walletConfigQuery
	if err := decodeQuery(raw, &req); err != nil {
		return nil, err
	}
	if len(req.RegistryOperators) == 0 {
		return nil, errNoOperators
	}

	preds := []lookup.Predicate{
		lookup.In(fieldRegistryOperator, req.RegistryOperators...),
	}
	switch {
	case req.ConfigID != nil:
		preds = append(preds, lookup.Equal("configID", *req.ConfigID))

	case req.Name != nil:
		preds = append(preds, lookup.Subsequence("name", *req.Name))

	case req.Wab != nil:
		preds = append(preds, lookup.Equal("wab", *req.Wab))

	case req.Storage != nil:
		preds = append(preds, lookup.Equal("storage", *req.Storage))

	case req.Messagebox != nil:
		preds = append(preds, lookup.Equal("messagebox",
			*req.Messagebox))
	}

	return &lookup.Query{Predicates: preds}, nil
}
