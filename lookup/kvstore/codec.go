// Copyright (c) 2025 The overlayd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package kvstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/utxoverlay/overlayd/lookup"
)

const (
	typeCreatedAt    tlv.Type = 1
	typeSpendingTxid tlv.Type = 2
	typeFields       tlv.Type = 3
	typePayload      tlv.Type = 4
)

// outpointKeySize is the size of a record key: the txid followed by the
// big endian output index.
const outpointKeySize = chainhash.HashSize + 4

// fieldSep separates a value from the outpoint in field index keys.
const fieldSep = '|'

func outpointKey(ref lookup.OutputRef) []byte {
	k := make([]byte, outpointKeySize)
	copy(k, ref.Txid[:])
	binary.BigEndian.PutUint32(k[chainhash.HashSize:], ref.Index)
	return k
}

func readOutpointKey(k []byte) (lookup.OutputRef, error) {
	var ref lookup.OutputRef
	if len(k) != outpointKeySize {
		return ref, fmt.Errorf("short outpoint key (%d bytes)", len(k))
	}
	copy(ref.Txid[:], k)
	ref.Index = binary.BigEndian.Uint32(k[chainhash.HashSize:])
	return ref, nil
}

// fieldKey returns the index key "<value>|<outpoint>".
func fieldKey(value string, ref lookup.OutputRef) []byte {
	k := make([]byte, 0, len(value)+1+outpointKeySize)
	k = append(k, value...)
	k = append(k, fieldSep)
	return append(k, outpointKey(ref)...)
}

// fieldPrefix returns the prefix shared by the index keys of value.
func fieldPrefix(value string) []byte {
	return append([]byte(value), fieldSep)
}

// encodeRecord serializes everything but the reference, which is the key.
func encodeRecord(r *lookup.Record) ([]byte, error) {
	created := uint64(r.CreatedAt.UnixNano())
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeCreatedAt, &created),
	}

	if r.SpendingTxid.IsSome() {
		spender := [32]byte(r.SpendingTxid.UnwrapOr(chainhash.Hash{}))
		records = append(records, tlv.MakePrimitiveRecord(
			typeSpendingTxid, &spender,
		))
	}

	fields := r.Fields
	records = append(records, tlv.MakeDynamicRecord(
		typeFields, &fields, func() uint64 {
			return recordSize(fieldsEncoder, &fields)
		}, fieldsEncoder, fieldsDecoder,
	))

	payload := r.Payload
	records = append(records, tlv.MakePrimitiveRecord(
		typePayload, &payload,
	))

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(ref lookup.OutputRef, v []byte) (*lookup.Record, error) {
	var (
		created uint64
		spender [32]byte
		fields  map[string][]string
		payload []byte
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeCreatedAt, &created),
		tlv.MakePrimitiveRecord(typeSpendingTxid, &spender),
		tlv.MakeDynamicRecord(
			typeFields, &fields, func() uint64 {
				return recordSize(fieldsEncoder, &fields)
			}, fieldsEncoder, fieldsDecoder,
		),
		tlv.MakePrimitiveRecord(typePayload, &payload),
	)
	if err != nil {
		return nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(bytes.NewReader(v))
	if err != nil {
		return nil, fmt.Errorf("record %v: %w", ref, err)
	}

	r := &lookup.Record{
		Ref:          ref,
		CreatedAt:    time.Unix(0, int64(created)).UTC(),
		SpendingTxid: fn.None[chainhash.Hash](),
		Fields:       fields,
		Payload:      payload,
	}
	if t, ok := parsed[typeSpendingTxid]; ok && t == nil {
		r.SpendingTxid = fn.Some(chainhash.Hash(spender))
	}
	if r.Fields == nil {
		r.Fields = map[string][]string{}
	}
	return r, nil
}

// fieldsEncoder writes the field map in name order as varint counts and
// length prefixed strings.
func fieldsEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	v, ok := val.(*map[string][]string)
	if !ok {
		return tlv.NewTypeForEncodingErr(val, "map[string][]string")
	}

	names := make([]string, 0, len(*v))
	for name := range *v {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := tlv.WriteVarInt(w, uint64(len(names)), buf); err != nil {
		return err
	}
	for _, name := range names {
		if err := writeString(w, name, buf); err != nil {
			return err
		}
		values := (*v)[name]
		err := tlv.WriteVarInt(w, uint64(len(values)), buf)
		if err != nil {
			return err
		}
		for _, value := range values {
			if err := writeString(w, value, buf); err != nil {
				return err
			}
		}
	}
	return nil
}

func fieldsDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	v, ok := val.(*map[string][]string)
	if !ok {
		return tlv.NewTypeForDecodingErr(val, "map[string][]string",
			l, l)
	}

	lr := &io.LimitedReader{R: r, N: int64(l)}
	n, err := tlv.ReadVarInt(lr, buf)
	if err != nil {
		return err
	}
	if n > l {
		return errors.New("field count exceeds record length")
	}

	fields := make(map[string][]string, n)
	for i := uint64(0); i < n; i++ {
		name, err := readString(lr, buf)
		if err != nil {
			return err
		}
		count, err := tlv.ReadVarInt(lr, buf)
		if err != nil {
			return err
		}
		if count > l {
			return errors.New("value count exceeds record length")
		}
		values := make([]string, 0, count)
		for j := uint64(0); j < count; j++ {
			value, err := readString(lr, buf)
			if err != nil {
				return err
			}
			values = append(values, value)
		}
		fields[name] = values
	}
	if lr.N != 0 {
		return errors.New("trailing bytes in field record")
	}

	*v = fields
	return nil
}

func writeString(w io.Writer, s string, buf *[8]byte) error {
	if err := tlv.WriteVarInt(w, uint64(len(s)), buf); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r *io.LimitedReader, buf *[8]byte) (string, error) {
	n, err := tlv.ReadVarInt(r, buf)
	if err != nil {
		return "", err
	}
	if n > uint64(r.N) {
		return "", io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// recordSize returns the number of bytes the encoder writes for v.
func recordSize(encoder tlv.Encoder, v interface{}) uint64 {
	var (
		b   bytes.Buffer
		buf [8]byte
	)
	if err := encoder(&b, v, &buf); err != nil {
		log.Errorf("encoding the record failed: %v", err)
	}
	return uint64(b.Len())
}
