// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

package payments

import (
	"encoding/binary"
	"fmt"
)

// Receipt is the MobileCoin receiver receipt that rides inside a Signal
// payment notification. The wire form is the external.Receipt protobuf:
//
//	1: public_key      (nested: 1: bytes)
//	2: confirmation    (nested: 1: bytes)
//	3: tombstone_block (varint)
//	4: masked_amount   (nested: 1: commitment (nested: 1: bytes),
//	                            2: masked_value (varint),
//	                            3: masked_token_id (bytes))
//
// Only these fields exist, so a full protobuf stack would be dead weight.
type Receipt struct {
	PublicKey      []byte
	Confirmation   []byte
	TombstoneBlock uint64
	Commitment     []byte
	MaskedValue    uint64
	MaskedTokenID  []byte
}

// Marshal encodes the receipt into protobuf wire format.
func (r *Receipt) Marshal() []byte {
	var amount []byte
	amount = appendBytesField(amount, 1, appendBytesField(nil, 1, r.Commitment))
	amount = appendVarintField(amount, 2, r.MaskedValue)
	if len(r.MaskedTokenID) > 0 {
		amount = appendBytesField(amount, 3, r.MaskedTokenID)
	}

	var out []byte
	out = appendBytesField(out, 1, appendBytesField(nil, 1, r.PublicKey))
	out = appendBytesField(out, 2, appendBytesField(nil, 1, r.Confirmation))
	out = appendVarintField(out, 3, r.TombstoneBlock)
	out = appendBytesField(out, 4, amount)
	return out
}

// UnmarshalReceipt decodes protobuf wire bytes back into a Receipt.
func UnmarshalReceipt(data []byte) (*Receipt, error) {
	fields, err := parseFields(data)
	if err != nil {
		return nil, fmt.Errorf("malformed receipt: %w", err)
	}

	r := &Receipt{TombstoneBlock: fields.varints[3]}
	if r.PublicKey, err = unwrapBytes(fields.bytes[1]); err != nil {
		return nil, fmt.Errorf("malformed receipt public_key: %w", err)
	}
	if r.Confirmation, err = unwrapBytes(fields.bytes[2]); err != nil {
		return nil, fmt.Errorf("malformed receipt confirmation: %w", err)
	}

	if amount := fields.bytes[4]; amount != nil {
		af, err := parseFields(amount)
		if err != nil {
			return nil, fmt.Errorf("malformed receipt masked_amount: %w", err)
		}
		if r.Commitment, err = unwrapBytes(af.bytes[1]); err != nil {
			return nil, fmt.Errorf("malformed receipt commitment: %w", err)
		}
		r.MaskedValue = af.varints[2]
		r.MaskedTokenID = af.bytes[3]
	}
	return r, nil
}

// unwrapBytes extracts field 1 of a single-field bytes wrapper message.
func unwrapBytes(wrapped []byte) ([]byte, error) {
	if wrapped == nil {
		return nil, fmt.Errorf("missing field")
	}
	f, err := parseFields(wrapped)
	if err != nil {
		return nil, err
	}
	if f.bytes[1] == nil {
		return nil, fmt.Errorf("empty wrapper")
	}
	return f.bytes[1], nil
}

func appendVarint(b []byte, v uint64) []byte {
	return binary.AppendUvarint(b, v)
}

func appendVarintField(b []byte, field int, v uint64) []byte {
	b = appendVarint(b, uint64(field)<<3) // wire type 0
	return appendVarint(b, v)
}

func appendBytesField(b []byte, field int, data []byte) []byte {
	b = appendVarint(b, uint64(field)<<3|2)
	b = appendVarint(b, uint64(len(data)))
	return append(b, data...)
}

type fieldSet struct {
	varints map[int]uint64
	bytes   map[int][]byte
}

// parseFields walks one level of protobuf wire format. Unknown wire types
// beyond varint and length-delimited are rejected.
func parseFields(data []byte) (*fieldSet, error) {
	out := &fieldSet{varints: map[int]uint64{}, bytes: map[int][]byte{}}
	for len(data) > 0 {
		tag, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("truncated tag")
		}
		data = data[n:]
		field := int(tag >> 3)

		switch tag & 7 {
		case 0:
			v, n := binary.Uvarint(data)
			if n <= 0 {
				return nil, fmt.Errorf("truncated varint in field %d", field)
			}
			data = data[n:]
			out.varints[field] = v
		case 2:
			size, n := binary.Uvarint(data)
			if n <= 0 || uint64(len(data)-n) < size {
				return nil, fmt.Errorf("truncated bytes in field %d", field)
			}
			out.bytes[field] = data[n : n+int(size)]
			data = data[n+int(size):]
		default:
			return nil, fmt.Errorf("unsupported wire type %d in field %d", tag&7, field)
		}
	}
	return out, nil
}
