package bvll6

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripUnicast(t *testing.T) {
	f := Frame{
		Function:    FuncOriginalUnicastNPDU,
		SourceVMAC:  VMAC{1, 2, 3},
		HasDestVMAC: true,
		DestVMAC:    VMAC{4, 5, 6},
		Payload:     []byte{0xAA, 0xBB},
	}
	enc, err := Encode(f)
	require.NoError(t, err)
	got, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestEncodeDecodeRoundTripBroadcastNoDestVMAC(t *testing.T) {
	f := Frame{
		Function:   FuncOriginalBroadcastNPDU,
		SourceVMAC: VMAC{9, 9, 9},
		Payload:    []byte{0x01},
	}
	enc, err := Encode(f)
	require.NoError(t, err)
	got, err := Decode(enc)
	require.NoError(t, err)
	assert.False(t, got.HasDestVMAC)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestForwardedNPDU6RoundTrip(t *testing.T) {
	var orig [18]byte
	orig[0] = 0xFE
	payload := EncodeForwardedNPDU(orig, []byte{1, 2, 3})
	gotOrig, gotNPDU, err := DecodeForwardedNPDU(payload)
	require.NoError(t, err)
	assert.Equal(t, orig, gotOrig)
	assert.Equal(t, []byte{1, 2, 3}, gotNPDU)
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	_, err := Decode([]byte{0x82, 0x01})
	assert.Error(t, err)
}
