// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ledger checks that a fungible token transaction conserves the
// amount of every token it moves.  Tokens carry three PushDrop fields: the
// token id, a little endian uint64 amount and a JSON metadata document.  A
// token whose id is the mint sentinel creates supply and is exempt from
// the conservation check.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"unicode/utf8"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// MintSentinel is the token id of an output that mints a new token.  Once
// minted, the token is identified by the mint's outpoint.
const MintSentinel = "___mint___"

const (
	fieldTokenID = iota
	fieldAmount
	fieldMetadata

	numTokenFields
)

var (
	// ErrUnbalanced is wrapped by the error returned when a non-mint token
	// has a non-zero balance after all inputs and outputs are applied.
	ErrUnbalanced = errors.New("unbalanced token amounts")

	// ErrInvalidToken is returned for fields that do not form a token.
	ErrInvalidToken = errors.New("invalid token fields")
)

// Token is the decoded content of a token output.
type Token struct {
	ID       string
	Amount   uint64
	Metadata json.RawMessage
}

// IsMint reports whether the token mints new supply.
func (t *Token) IsMint() bool {
	return t.ID == MintSentinel
}

// DecodeToken decodes the PushDrop fields of a token output.  Fields past
// the metadata, such as a trailing signature, are ignored.
func DecodeToken(fields [][]byte) (*Token, error) {
	if len(fields) < numTokenFields {
		return nil, fmt.Errorf("%w: %d fields", ErrInvalidToken,
			len(fields))
	}

	id := fields[fieldTokenID]
	if !utf8.Valid(id) {
		return nil, fmt.Errorf("%w: token id is not utf8", ErrInvalidToken)
	}

	amount := fields[fieldAmount]
	if len(amount) < 8 {
		return nil, fmt.Errorf("%w: amount is %d bytes", ErrInvalidToken,
			len(amount))
	}

	meta := fields[fieldMetadata]
	if !json.Valid(meta) {
		return nil, fmt.Errorf("%w: metadata is not json",
			ErrInvalidToken)
	}

	return &Token{
		ID:       string(id),
		Amount:   binary.LittleEndian.Uint64(amount[:8]),
		Metadata: json.RawMessage(meta),
	}, nil
}

// Fields encodes the token as PushDrop fields.
func (t *Token) Fields() [][]byte {
	var amount [8]byte
	binary.LittleEndian.PutUint64(amount[:], t.Amount)

	meta := t.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage("{}")
	}
	return [][]byte{[]byte(t.ID), amount[:], meta}
}

// Balance is the running amount of one token within a single transaction.
type Balance struct {
	Amount *big.Int
	IsMint bool
}

// UnbalancedError names the first token found out of balance.
type UnbalancedError struct {
	TokenID string
	Amount  *big.Int
}

// Error implements the error interface.
func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("%v: token %s off by %v", ErrUnbalanced, e.TokenID,
		e.Amount)
}

// Is reports an UnbalancedError as ErrUnbalanced.
func (e *UnbalancedError) Is(target error) bool {
	return target == ErrUnbalanced
}

// Ledger accumulates balances for one transaction.  It is not safe for
// concurrent use.
type Ledger struct {
	balances map[string]*Balance
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{balances: make(map[string]*Balance)}
}

func (l *Ledger) entry(key string, isMint bool) *Balance {
	b, ok := l.balances[key]
	if !ok {
		b = &Balance{Amount: new(big.Int)}
		l.balances[key] = b
	}
	b.IsMint = isMint
	return b
}

// mintKey is the "<txid>.<index>" id a minted token is known by.
func mintKey(txid chainhash.Hash, index uint32) string {
	return fmt.Sprintf("%v.%d", txid, index)
}

// AddInput credits a token consumed from source.  A mint token is keyed
// by the outpoint it was minted at.
func (l *Ledger) AddInput(t *Token, source wire.OutPoint) {
	key := t.ID
	if t.IsMint() {
		key = mintKey(source.Hash, source.Index)
	}
	b := l.entry(key, t.IsMint())
	b.Amount.Add(b.Amount, new(big.Int).SetUint64(t.Amount))
}

// AddOutput debits a token created at index of the transaction txid.
func (l *Ledger) AddOutput(t *Token, txid chainhash.Hash, index uint32) {
	key := t.ID
	if t.IsMint() {
		key = mintKey(txid, index)
	}
	b := l.entry(key, t.IsMint())
	b.Amount.Sub(b.Amount, new(big.Int).SetUint64(t.Amount))
}

// Balance returns the current balance for key.
func (l *Ledger) Balance(key string) (Balance, bool) {
	b, ok := l.balances[key]
	if !ok {
		return Balance{}, false
	}
	return Balance{Amount: new(big.Int).Set(b.Amount), IsMint: b.IsMint},
		true
}

// Check returns an UnbalancedError for the lexically first non-mint token
// whose balance is not zero.
func (l *Ledger) Check() error {
	keys := make([]string, 0, len(l.balances))
	for k := range l.balances {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		b := l.balances[k]
		if b.IsMint || b.Amount.Sign() == 0 {
			continue
		}
		return &UnbalancedError{
			TokenID: k,
			Amount:  new(big.Int).Set(b.Amount),
		}
	}
	return nil
}
