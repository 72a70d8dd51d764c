// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lookup

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// OutputRef names an admitted output.
type OutputRef struct {
	Txid  chainhash.Hash
	Index uint32
}

// String returns the ref as "<txid>.<index>".
func (r OutputRef) String() string {
	return r.Txid.String() + "." + strconv.FormatUint(uint64(r.Index), 10)
}

// ParseOutputRef parses the "<txid>.<index>" form.
func ParseOutputRef(s string) (OutputRef, error) {
	dot := strings.LastIndexByte(s, '.')
	if dot < 0 {
		return OutputRef{}, fmt.Errorf("outpoint %q: missing index", s)
	}
	hash, err := chainhash.NewHashFromStr(s[:dot])
	if err != nil || len(s[:dot]) != 2*chainhash.HashSize {
		return OutputRef{}, fmt.Errorf("outpoint %q: bad txid", s)
	}
	idx, err := strconv.ParseUint(s[dot+1:], 10, 32)
	if err != nil {
		return OutputRef{}, fmt.Errorf("outpoint %q: bad index", s)
	}
	return OutputRef{Txid: *hash, Index: uint32(idx)}, nil
}

type refJSON struct {
	Txid        string `json:"txid"`
	OutputIndex uint32 `json:"outputIndex"`
}

// MarshalJSON encodes the ref as a {txid, outputIndex} document.
func (r OutputRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(refJSON{Txid: r.Txid.String(), OutputIndex: r.Index})
}

// UnmarshalJSON decodes a {txid, outputIndex} document.
func (r *OutputRef) UnmarshalJSON(b []byte) error {
	var v refJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	hash, err := chainhash.NewHashFromStr(v.Txid)
	if err != nil {
		return err
	}
	if len(v.Txid) != 2*chainhash.HashSize {
		return errors.New("txid must be 64 hex characters")
	}
	r.Txid, r.Index = *hash, v.OutputIndex
	return nil
}

// Record is one indexed output.
type Record struct {
	Ref       OutputRef
	CreatedAt time.Time

	// SpendingTxid is set on records of annotating indexes once the
	// output has been spent.
	SpendingTxid fn.Option[chainhash.Hash]

	// Fields holds the searchable values, keyed by field name.  Multi
	// valued fields such as tags carry several values.
	Fields map[string][]string

	// Payload is the opaque protocol document stored with the record.
	Payload []byte
}

// Field returns the first value of the named field, or "".
func (r *Record) Field(name string) string {
	if vs := r.Fields[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Copy returns a deep copy of r.
func (r *Record) Copy() *Record {
	c := *r
	c.Fields = make(map[string][]string, len(r.Fields))
	for k, vs := range r.Fields {
		c.Fields[k] = append([]string(nil), vs...)
	}
	c.Payload = append([]byte(nil), r.Payload...)
	return &c
}
