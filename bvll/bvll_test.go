package bvll

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc, err := Encode(FuncOriginalUnicastNPDU, []byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	got, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, uint8(FuncOriginalUnicastNPDU), got.Function)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got.Payload)
}

func TestDecodeRejectsBadType(t *testing.T) {
	buf := []byte{0x82, 0x0A, 0x00, 0x04}
	_, err := Decode(buf)
	assert.Error(t, err)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	buf := []byte{0x81, 0x0A, 0x00, 0xFF}
	_, err := Decode(buf)
	assert.Error(t, err)
}

func TestForwardedNPDURoundTrip(t *testing.T) {
	var orig [6]byte
	copy(orig[:], []byte{192, 168, 1, 5, 0xBA, 0xC0})
	payload := EncodeForwardedNPDU(orig, []byte{0xAA, 0xBB})
	gotOrig, gotNPDU, err := DecodeForwardedNPDU(payload)
	require.NoError(t, err)
	assert.Equal(t, orig, gotOrig)
	assert.Equal(t, []byte{0xAA, 0xBB}, gotNPDU)
}

func TestResultRoundTrip(t *testing.T) {
	enc := EncodeResult(ResultRegisterForeignDeviceNAK)
	got, err := DecodeResult(enc)
	require.NoError(t, err)
	assert.Equal(t, uint16(ResultRegisterForeignDeviceNAK), got)
}
