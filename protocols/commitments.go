// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package protocols

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/txscript"
	"github.com/utxoverlay/overlayd/lookup"
	"github.com/utxoverlay/overlayd/script"
	"github.com/utxoverlay/overlayd/topic"
)

const (
	fieldThreadHash = "threadHash"
	fieldFileHash   = "fileHash"
	fieldChainID    = "chainId"
)

// templateRule admits exactly the outputs matching id.
func templateRule(id script.TemplateID) topic.Rule {
	return topic.RuleFunc(func(ctx *topic.OutputContext) topic.Verdict {
		chunks, err := ctx.Chunks()
		if err != nil {
			return topic.Reject(topic.ReasonMalformedScript, err)
		}
		if v := matchTemplate(chunks, id); v != nil {
			return *v
		}
		return topic.Admit()
	})
}

// SlackThread admits hash locks committing to a thread's content.
func SlackThread() *Protocol {
	return &Protocol{
		Name: "slackthread",
		Topic: topic.Config{
			Topic: "tm_slackthread",
			Rule:  templateRule(script.SHA256Lock),
		},
		Index: pagedIndex("slackThreadRecords", "tm_slackthread",
			"ls_slackthread", lookup.SpendDelete, fieldThreadHash),
		Extract:   extractThreadHash,
		Translate: pagedTranslator(fieldThreadHash, strings.ToLower),
	}
}

func extractThreadHash(out *Output) (map[string][]string, []byte, error) {
	chunks, err := script.Parse(out.Script)
	if err != nil {
		return nil, nil, err
	}
	if len(chunks) != 3 || len(chunks[1].Data) != 32 {
		return nil, nil, errors.New("thread hash must be 32 bytes")
	}
	return map[string][]string{
		fieldThreadHash: {hex.EncodeToString(chunks[1].Data)},
	}, nil, nil
}

// DesktopIntegrity admits data carriers committing to a release file's
// hash.  The off-chain values submitted with the output are kept.
func DesktopIntegrity() *Protocol {
	return &Protocol{
		Name: "desktopintegrity",
		Topic: topic.Config{
			Topic: "tm_desktopintegrity",
			Rule:  templateRule(script.HashCommitment),
		},
		Index: pagedIndex("desktopIntegrityRecords",
			"tm_desktopintegrity", "ls_desktopintegrity",
			lookup.SpendDelete, fieldFileHash),
		Extract:   extractFileHash,
		Translate: pagedTranslator(fieldFileHash, strings.ToLower),
	}
}

func extractFileHash(out *Output) (map[string][]string, []byte, error) {
	chunks, err := script.Parse(out.Script)
	if err != nil {
		return nil, nil, err
	}

	// The OP_RETURN chunk carries the rest of the script: a single
	// 32 byte push.
	if len(chunks) != 2 || chunks[1].Op != txscript.OP_RETURN ||
		len(chunks[1].Data) != 33 ||
		chunks[1].Data[0] != txscript.OP_DATA_32 {

		return nil, nil, errors.New("file hash must be 32 bytes")
	}
	return map[string][]string{
		fieldFileHash: {hex.EncodeToString(chunks[1].Data[1:])},
	}, out.OffChain, nil
}

// SupplyChain admits two-field data tokens tracking goods along a supply
// chain.  Records are indexed by the chain id found in the off-chain
// values and kept after being spent.
func SupplyChain() *Protocol {
	return &Protocol{
		Name: "supplychain",
		Topic: topic.Config{
			Topic: "tm_supplychain",
			Rule:  templateRule(script.DataPushDrop),
		},
		Index: pagedIndex("supplyChainRecords", "tm_supplychain",
			"ls_supplychain", lookup.SpendAnnotate, fieldChainID),
		Extract:   extractChainID,
		Translate: pagedTranslator(fieldChainID, nil),
	}
}

var errNoChainID = errors.New("off-chain values carry no chainId")

func extractChainID(out *Output) (map[string][]string, []byte, error) {
	if len(out.OffChain) == 0 {
		return nil, nil, errors.New("missing off-chain values")
	}

	var values map[string]json.RawMessage
	if err := json.Unmarshal(out.OffChain, &values); err != nil {
		return nil, nil, fmt.Errorf("off-chain values: %w", err)
	}
	chainID, err := stringKey(values, fieldChainID)
	if err != nil {
		return nil, nil, err
	}
	if chainID == "" {
		return nil, nil, errNoChainID
	}

	return map[string][]string{fieldChainID: {chainID}}, out.OffChain, nil
}

// AnyTx admits every output of every transaction.  Spent records are kept
// with their spender.
func AnyTx() *Protocol {
	return &Protocol{
		Name: "anytx",
		Topic: topic.Config{
			Topic: "tm_anytx",
			Rule: topic.RuleFunc(func(*topic.OutputContext) topic.Verdict {
				return topic.Admit()
			}),
		},
		Index: pagedIndex("anyRecords", "tm_anytx", "ls_anytx",
			lookup.SpendAnnotate),
		Extract:   refOnly,
		Translate: pagedTranslator("", nil),
	}
}
