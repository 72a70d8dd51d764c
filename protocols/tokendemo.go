// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package protocols

import (
	"encoding/json"
	"strconv"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/utxoverlay/overlayd/ledger"
	"github.com/utxoverlay/overlayd/lookup"
	"github.com/utxoverlay/overlayd/script"
	"github.com/utxoverlay/overlayd/topic"
)

const fieldTokenID = "tokenId"

// tokenDemoRule admits fungible token outputs and reads the tokens that
// retained inputs spend, so the engine can check conservation.
type tokenDemoRule struct{}

// EvaluateOutput admits an output locked as key OP_CHECKSIG followed by
// token fields.  Other outputs, such as change, are not considered.
func (tokenDemoRule) EvaluateOutput(ctx *topic.OutputContext) topic.Verdict {
	chunks, err := ctx.Chunks()
	if err != nil || len(chunks) < 2 ||
		chunks[1].Op != txscript.OP_CHECKSIG {

		return topic.Reject(topic.ReasonNotCandidate, nil)
	}

	decoded, err := ctx.PushDrop()
	if err != nil {
		return topic.Reject(topic.ReasonMalformedScript, err)
	}
	tok, err := ledger.DecodeToken(decoded.Fields)
	if err != nil {
		return topic.Reject(topic.ReasonPolicyViolation, err)
	}
	return topic.AdmitToken(tok)
}

// InputToken decodes the token a retained input spends.
func (tokenDemoRule) InputToken(source *wire.TxOut) (*ledger.Token, error) {
	decoded, err := script.Decode(source.PkScript)
	if err != nil {
		return nil, err
	}
	return ledger.DecodeToken(decoded.Fields)
}

// TokenDemo admits fungible tokens whose amounts balance across each
// transaction.  A mint output founds a new token whose id is the mint's
// own outpoint.
func TokenDemo() *Protocol {
	return &Protocol{
		Name: "tokendemo",
		Topic: topic.Config{
			Topic:  "tokendemo",
			Rule:   tokenDemoRule{},
			Ledger: tokenDemoRule{},
		},
		Index: pagedIndex("tokenDemoRecords", "tokendemo",
			"ls_tokendemo", lookup.SpendDelete, fieldTokenID),
		Extract:   extractToken,
		Translate: pagedTranslator(fieldTokenID, nil),
	}
}

// tokenRecord is the payload stored for a token output.
type tokenRecord struct {
	TokenID      string          `json:"tokenId"`
	Amount       string          `json:"amount"`
	CustomFields json.RawMessage `json:"customFields"`
}

// extractToken indexes a token under its id.  Mint outputs are indexed
// under the id the tokens they found will carry.
func extractToken(out *Output) (map[string][]string, []byte, error) {
	decoded, err := script.Decode(out.Script)
	if err != nil {
		return nil, nil, err
	}
	tok, err := ledger.DecodeToken(decoded.Fields)
	if err != nil {
		return nil, nil, err
	}

	id := tok.ID
	if tok.IsMint() {
		id = out.Ref.String()
	}

	payload, err := json.Marshal(&tokenRecord{
		TokenID:      id,
		Amount:       strconv.FormatUint(tok.Amount, 10),
		CustomFields: tok.Metadata,
	})
	if err != nil {
		return nil, nil, err
	}
	return map[string][]string{fieldTokenID: {id}}, payload, nil
}
