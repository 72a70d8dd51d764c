// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package protocols

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/utxoverlay/overlayd/lookup"
	"github.com/utxoverlay/overlayd/script"
	"github.com/utxoverlay/overlayd/topic"
)

// errTokenPayload is the detail for an inscription whose JSON is not a
// valid token operation.
var errTokenPayload = errors.New("malformed token payload")

// tokenOp is the JSON an ordinal token inscription carries.
type tokenOp struct {
	P   string          `json:"p"`
	Op  string          `json:"op"`
	Amt json.RawMessage `json:"amt"`
	ID  string          `json:"id"`
}

// checkTokenPayload validates the JSON inside a token inscription: a
// bsv-20 transfer of an existing id or a deploy+mint, with an amount.
func checkTokenPayload(chunks []script.Chunk) error {
	payload, ok := script.InscriptionPayload(chunks)
	if !ok {
		return fmt.Errorf("%w: no inscription", errTokenPayload)
	}

	var op tokenOp
	if err := json.Unmarshal(payload, &op); err != nil {
		return fmt.Errorf("%w: %w", errTokenPayload, err)
	}

	switch {
	case op.P != "bsv-20":
		return fmt.Errorf("%w: protocol %q", errTokenPayload, op.P)

	case op.Op != "transfer" && op.Op != "deploy+mint":
		return fmt.Errorf("%w: operation %q", errTokenPayload, op.Op)

	case len(op.Amt) == 0 || string(op.Amt) == "null":
		return fmt.Errorf("%w: no amount", errTokenPayload)

	case op.Op == "transfer" && op.ID == "":
		return fmt.Errorf("%w: transfer without id", errTokenPayload)
	}
	return nil
}

// matchTemplate maps a template check onto a verdict.  A nil return means
// the chunks match.
func matchTemplate(chunks []script.Chunk, id script.TemplateID) *topic.Verdict {
	ok, err := script.MatchChunks(chunks, id)
	switch {
	case err != nil:
		v := topic.Reject(topic.ReasonMalformedScript, err)
		return &v

	case !ok:
		v := topic.Rejectf(topic.ReasonTemplateMismatch,
			"script is not a %v", id)
		return &v
	}
	return nil
}

// Fractionalize admits the server tokens, transfer tokens and payments of
// fractionalized ownership.  Which shape an output must have is decided by
// the marker opcodes it carries.
func Fractionalize() *Protocol {
	return &Protocol{
		Name: "fractionalize",
		Topic: topic.Config{
			Topic: "fractionalize",
			Rule:  topic.RuleFunc(fractionalizeRule),
		},
		Index: pagedIndex("fractionalizeRecords", "fractionalize",
			"ls_fractionalize", lookup.SpendDelete),
		Extract:   refOnly,
		Translate: pagedTranslator("", nil),
	}
}

func fractionalizeRule(ctx *topic.OutputContext) topic.Verdict {
	chunks, err := ctx.Chunks()
	if err != nil {
		return topic.Reject(topic.ReasonMalformedScript, err)
	}

	var id script.TemplateID
	switch script.Classify(chunks) {
	case script.InscribedMultisig:
		id = script.ServerToken

	case script.Inscription:
		id = script.TransferToken

	case script.Multisig:
		id = script.Payment

	default:
		return topic.Reject(topic.ReasonUnclassified, nil)
	}

	if v := matchTemplate(chunks, id); v != nil {
		return *v
	}
	if id != script.Payment {
		if err := checkTokenPayload(chunks); err != nil {
			return topic.Reject(topic.ReasonPolicyViolation, err)
		}
	}
	return topic.Admit()
}

// MonsterBattle admits order-lock listings and bsv-21 ordinal transfers
// from the game.  Plain P2PKH change is not considered.
func MonsterBattle() *Protocol {
	return &Protocol{
		Name: "monsterbattle",
		Topic: topic.Config{
			Topic: "tm_monsterbattle",
			Rule:  topic.RuleFunc(monsterBattleRule),
		},
		Index: pagedIndex("monsterBattleRecords", "tm_monsterbattle",
			"ls_monsterbattle", lookup.SpendDelete),
		Extract:   refOnly,
		Translate: pagedTranslator("", nil),
	}
}

func monsterBattleRule(ctx *topic.OutputContext) topic.Verdict {
	chunks, err := ctx.Chunks()
	if err != nil {
		return topic.Reject(topic.ReasonMalformedScript, err)
	}

	if ok, _ := script.MatchChunks(chunks, script.OrderLock); ok {
		return topic.Admit()
	}
	if ok, _ := script.MatchChunks(chunks, script.P2PKH); ok {
		return topic.Reject(topic.ReasonNotCandidate, nil)
	}

	if v := matchTemplate(chunks, script.OrdinalTransfer); v != nil {
		return *v
	}
	if err := checkTokenPayload(chunks); err != nil {
		return topic.Reject(topic.ReasonPolicyViolation, err)
	}
	return topic.Admit()
}

// refOnly indexes an output by its reference alone.
func refOnly(*Output) (map[string][]string, []byte, error) {
	return nil, nil, nil
}
