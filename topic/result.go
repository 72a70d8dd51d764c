// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package topic

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// OutputVerdict is the recorded outcome for one output.
type OutputVerdict struct {
	Index  uint32
	Reason Reason
	Err    error
}

// Admitted reports whether the output was admitted.
func (v OutputVerdict) Admitted() bool {
	return v.Reason == ReasonAdmitted
}

// Result is the outcome of one admission call.  It marshals to the
// {outputsToAdmit, coinsToRetain} document the host expects.
type Result struct {
	// OutputsToAdmit lists admitted output indices in ascending order.
	OutputsToAdmit []uint32 `json:"outputsToAdmit"`

	// CoinsToRetain lists previously admitted inputs the transaction
	// legitimately consumed.  They are never re-admitted as outputs.
	CoinsToRetain []uint32 `json:"coinsToRetain"`

	// Txid identifies the evaluated transaction.
	Txid chainhash.Hash `json:"-"`

	// Outputs holds one verdict per output, in output order.
	Outputs []OutputVerdict `json:"-"`

	// LedgerErr is set when the conservation check vetoed the
	// transaction.
	LedgerErr error `json:"-"`
}

// Admitted reports whether at least one output was admitted.
func (r *Result) Admitted() bool {
	return len(r.OutputsToAdmit) > 0
}

// Rejections returns the verdicts of the outputs that were not admitted,
// excluding those the protocol never considered.
func (r *Result) Rejections() []OutputVerdict {
	var out []OutputVerdict
	for _, v := range r.Outputs {
		if v.Admitted() || v.Reason == ReasonNotCandidate {
			continue
		}
		out = append(out, v)
	}
	return out
}
