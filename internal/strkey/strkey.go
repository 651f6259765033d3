// Package strkey encodes and validates Stellar "strkey" identifiers:
// account IDs (G...), contract IDs (C...) and secret seeds (S...).
//
// A strkey is base32(versionByte || payload || crc16-xmodem(versionByte || payload))
// with no padding. Ed25519 keys and contract hashes are 32-byte payloads,
// so every valid identifier handled here is exactly 56 characters.
package strkey

import (
	"bytes"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
)

// VersionByte identifies the kind of key encoded in a strkey.
type VersionByte byte

const (
	VersionAccountID VersionByte = 6 << 3  // G
	VersionContract  VersionByte = 2 << 3  // C
	VersionSeed      VersionByte = 18 << 3 // S
)

// EncodedLength is the length of an encoded 32-byte key.
const EncodedLength = 56

const payloadLength = 32

var (
	ErrInvalidLength   = errors.New("strkey: invalid length")
	ErrInvalidEncoding = errors.New("strkey: invalid base32 encoding")
	ErrInvalidVersion  = errors.New("strkey: unexpected version byte")
	ErrInvalidChecksum = errors.New("strkey: checksum mismatch")
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// String returns the prefix letter for the version.
func (v VersionByte) String() string {
	switch v {
	case VersionAccountID:
		return "G"
	case VersionContract:
		return "C"
	case VersionSeed:
		return "S"
	default:
		return fmt.Sprintf("0x%02x", byte(v))
	}
}

// Encode returns the strkey for a 32-byte payload.
func Encode(version VersionByte, payload []byte) (string, error) {
	if len(payload) != payloadLength {
		return "", ErrInvalidLength
	}
	raw := make([]byte, 0, 1+payloadLength+2)
	raw = append(raw, byte(version))
	raw = append(raw, payload...)
	raw = binary.LittleEndian.AppendUint16(raw, crc16(raw))
	return encoding.EncodeToString(raw), nil
}

// Decode validates s as a strkey of the expected version and returns its payload.
func Decode(expected VersionByte, s string) ([]byte, error) {
	version, payload, err := decode(s)
	if err != nil {
		return nil, err
	}
	if version != expected {
		return nil, ErrInvalidVersion
	}
	return payload, nil
}

// Version reports which kind of key s encodes.
func Version(s string) (VersionByte, error) {
	version, _, err := decode(s)
	return version, err
}

// IsValidAccountID reports whether s is a well-formed G... account ID.
func IsValidAccountID(s string) bool {
	_, err := Decode(VersionAccountID, s)
	return err == nil
}

// IsValidContractID reports whether s is a well-formed C... contract ID.
func IsValidContractID(s string) bool {
	_, err := Decode(VersionContract, s)
	return err == nil
}

// IsValidAddress reports whether s is an account or contract ID.
func IsValidAddress(s string) bool {
	v, err := Version(s)
	return err == nil && (v == VersionAccountID || v == VersionContract)
}

func decode(s string) (VersionByte, []byte, error) {
	if len(s) != EncodedLength {
		return 0, nil, ErrInvalidLength
	}
	raw, err := encoding.DecodeString(s)
	if err != nil {
		return 0, nil, ErrInvalidEncoding
	}
	if len(raw) != 1+payloadLength+2 {
		return 0, nil, ErrInvalidLength
	}
	// Reject non-canonical encodings (trailing bits set in the last quantum).
	if encoding.EncodeToString(raw) != s {
		return 0, nil, ErrInvalidEncoding
	}

	body, sum := raw[:len(raw)-2], raw[len(raw)-2:]
	want := binary.LittleEndian.AppendUint16(nil, crc16(body))
	if !bytes.Equal(sum, want) {
		return 0, nil, ErrInvalidChecksum
	}

	version := VersionByte(body[0])
	switch version {
	case VersionAccountID, VersionContract, VersionSeed:
	default:
		return 0, nil, ErrInvalidVersion
	}
	return version, body[1:], nil
}

// crc16 is CRC-16/XMODEM (poly 0x1021, init 0).
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
