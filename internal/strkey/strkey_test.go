package strkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	zeroAccount  = "GAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAWHF"
	zeroContract = "CAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAABSC4"
	zeroSeed     = "SAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAABSU2"
	seqAccount   = "GAAACAQDAQCQMBYIBEFAWDANBYHRAEISCMKBKFQXDAMRUGY4DUPB7JZX"
	seqContract  = "CAAACAQDAQCQMBYIBEFAWDANBYHRAEISCMKBKFQXDAMRUGY4DUPB6N4O"
)

func seqPayload() []byte {
	b := make([]byte, 32)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestCRC16_XModemCheckValue(t *testing.T) {
	assert.Equal(t, uint16(0x31c3), crc16([]byte("123456789")))
}

func TestEncode_KnownVectors(t *testing.T) {
	tests := []struct {
		name    string
		version VersionByte
		payload []byte
		want    string
	}{
		{"zero account", VersionAccountID, make([]byte, 32), zeroAccount},
		{"zero contract", VersionContract, make([]byte, 32), zeroContract},
		{"zero seed", VersionSeed, make([]byte, 32), zeroSeed},
		{"sequential account", VersionAccountID, seqPayload(), seqAccount},
		{"sequential contract", VersionContract, seqPayload(), seqContract},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.version, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got, EncodedLength)
		})
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	payload, err := Decode(VersionAccountID, seqAccount)
	require.NoError(t, err)
	assert.Equal(t, seqPayload(), payload)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", ErrInvalidLength},
		{"too short", zeroAccount[:55], ErrInvalidLength},
		{"lowercase", "gaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaawhf", ErrInvalidEncoding},
		{"bad checksum", zeroAccount[:55] + "G", ErrInvalidChecksum},
		{"flipped payload", "GAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAABWHF", ErrInvalidChecksum},
		{"wrong version", zeroContract, ErrInvalidVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(VersionAccountID, tt.input)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestIsValidAddress(t *testing.T) {
	assert.True(t, IsValidAddress(zeroAccount))
	assert.True(t, IsValidAddress(seqContract))
	assert.False(t, IsValidAddress(zeroSeed), "secret seeds are not addresses")
	assert.False(t, IsValidAddress("0x1234567890123456789012345678901234567890"))

	assert.True(t, IsValidAccountID(seqAccount))
	assert.False(t, IsValidAccountID(seqContract))
	assert.True(t, IsValidContractID(seqContract))
}

func TestVersion_String(t *testing.T) {
	v, err := Version(zeroSeed)
	require.NoError(t, err)
	assert.Equal(t, "S", v.String())
	assert.Equal(t, "G", VersionAccountID.String())
}
