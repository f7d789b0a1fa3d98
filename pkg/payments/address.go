package payments

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/mr-tron/base58"
)

// B58FromPublicAddress converts a raw PublicAddress protobuf (the base64
// payload Signal profiles carry) into MobileCoin's printable b58 form: the
// address is wrapped in a PrintableWrapper (field 1), prefixed with a
// little-endian CRC32 of the wrapper bytes, and base58-encoded.
func B58FromPublicAddress(addressProto []byte) string {
	wrapper := appendBytesField(nil, 1, addressProto)

	payload := make([]byte, 4, 4+len(wrapper))
	binary.LittleEndian.PutUint32(payload, crc32.ChecksumIEEE(wrapper))
	payload = append(payload, wrapper...)
	return base58.Encode(payload)
}

// PublicAddressFromB58 reverses B58FromPublicAddress, validating the
// checksum.
func PublicAddressFromB58(b58 string) ([]byte, error) {
	payload, err := base58.Decode(b58)
	if err != nil {
		return nil, fmt.Errorf("invalid b58 address: %w", err)
	}
	if len(payload) < 5 {
		return nil, fmt.Errorf("b58 address too short")
	}
	wrapper := payload[4:]
	if binary.LittleEndian.Uint32(payload) != crc32.ChecksumIEEE(wrapper) {
		return nil, fmt.Errorf("b58 address checksum mismatch")
	}

	fields, err := parseFields(wrapper)
	if err != nil || fields.bytes[1] == nil {
		return nil, fmt.Errorf("b58 payload is not a wrapped public address")
	}
	return fields.bytes[1], nil
}
