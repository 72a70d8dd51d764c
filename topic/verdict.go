// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package topic

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/utxoverlay/overlayd/beef"
	"github.com/utxoverlay/overlayd/ledger"
	"github.com/utxoverlay/overlayd/linkage"
	"github.com/utxoverlay/overlayd/script"
)

// Reason says why an output was not admitted.
type Reason uint8

// These constants identify the outcome of evaluating one output.
const (
	// ReasonAdmitted is the reason of every admitted output.
	ReasonAdmitted Reason = iota

	// ReasonNotCandidate marks an output the protocol does not consider
	// at all, such as change outputs of a token transaction.
	ReasonNotCandidate

	// ReasonMalformedScript indicates the locking script could not be
	// decoded in the shape the protocol expects.
	ReasonMalformedScript

	// ReasonPolicyViolation indicates a field is missing, has the wrong
	// type, or carries a value the protocol forbids.
	ReasonPolicyViolation

	// ReasonBadSignature indicates the fields were not signed by the
	// identity they claim.
	ReasonBadSignature

	// ReasonNotLinked indicates the locking key is not the key derived
	// from the claimed identity.
	ReasonNotLinked

	// ReasonTemplateMismatch indicates the script does not match the
	// template the protocol requires.
	ReasonTemplateMismatch

	// ReasonUnbalancedLedger indicates the transaction failed the token
	// conservation check, vetoing all of its outputs.
	ReasonUnbalancedLedger

	// ReasonUnclassified indicates the script's shape could not be put
	// into any category the protocol accepts.
	ReasonUnclassified

	numReasons
)

var reasonStrings = [numReasons]string{
	ReasonAdmitted:         "admitted",
	ReasonNotCandidate:     "not_candidate",
	ReasonMalformedScript:  "malformed_script",
	ReasonPolicyViolation:  "policy_violation",
	ReasonBadSignature:     "bad_signature",
	ReasonNotLinked:        "not_linked",
	ReasonTemplateMismatch: "template_mismatch",
	ReasonUnbalancedLedger: "unbalanced_ledger",
	ReasonUnclassified:     "unclassified",
}

// String returns the reason as a metric label friendly name.
func (r Reason) String() string {
	if r < numReasons {
		return reasonStrings[r]
	}
	return fmt.Sprintf("unknown_reason_%d", uint8(r))
}

// Verdict is a rule's decision for one output.
type Verdict struct {
	Reason Reason

	// Err carries detail for a rejection.  It is never set on an
	// admitted output.
	Err error

	// Token is the ledger token an admitted output carries, for rules
	// that take part in conservation.
	Token fn.Option[*ledger.Token]
}

// Admitted reports whether the verdict admits the output.
func (v Verdict) Admitted() bool {
	return v.Reason == ReasonAdmitted
}

// Admit returns an admitting verdict.
func Admit() Verdict {
	return Verdict{Reason: ReasonAdmitted}
}

// AdmitToken returns an admitting verdict for an output carrying tok.
func AdmitToken(tok *ledger.Token) Verdict {
	return Verdict{Reason: ReasonAdmitted, Token: fn.Some(tok)}
}

// Reject returns a rejecting verdict.
func Reject(reason Reason, err error) Verdict {
	return Verdict{Reason: reason, Err: err}
}

// Rejectf returns a rejecting verdict with a formatted detail.
func Rejectf(reason Reason, format string, args ...interface{}) Verdict {
	return Verdict{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// OutputContext is everything a rule may look at to judge one output.
type OutputContext struct {
	// Bundle is the parsed bundle the transaction came in.
	Bundle *beef.Bundle

	// Tx is the subject transaction.
	Tx *beef.Transaction

	// Index is the output's position in Tx.
	Index uint32

	// Output is the output under evaluation.
	Output *wire.TxOut

	// Verifier checks signature linkage.
	Verifier *linkage.Verifier
}

// Chunks parses the output's locking script.
func (c *OutputContext) Chunks() ([]script.Chunk, error) {
	return script.Parse(c.Output.PkScript)
}

// PushDrop decodes the output's locking script as a PushDrop token.
func (c *OutputContext) PushDrop() (*script.Decoded, error) {
	return script.Decode(c.Output.PkScript)
}

// Rule decides, for one protocol, whether a single output belongs to it.
// Implementations must be safe for concurrent use and must not mutate
// anything reachable from the context.
type Rule interface {
	EvaluateOutput(ctx *OutputContext) Verdict
}

// RuleFunc adapts a plain function to the Rule interface.
type RuleFunc func(ctx *OutputContext) Verdict

// EvaluateOutput calls f(ctx).
func (f RuleFunc) EvaluateOutput(ctx *OutputContext) Verdict {
	return f(ctx)
}

// LedgerRule decodes the token a retained input spends.  Engines given a
// LedgerRule run the conservation check over retained inputs and the
// tokens of admitted outputs.
type LedgerRule interface {
	InputToken(source *wire.TxOut) (*ledger.Token, error)
}
