package apdu

import (
	"testing"

	"bacstack/bacerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Invariant 1 (PDU half) from spec.md §8: decode_apdu(encode_apdu(P)) == P.
func TestConfirmedRequestRoundTrip(t *testing.T) {
	c := ConfirmedRequest{
		Segmented:                 false,
		SegmentedResponseAccepted: true,
		MaxSegmentsAccepted:       4,
		MaxAPDULengthAccepted:     1476,
		InvokeID:                  7,
		ServiceChoice:             12,
		ServiceData:               []byte{0x01, 0x02},
	}
	enc, err := c.Encode()
	require.NoError(t, err)
	got, err := DecodeConfirmedRequest(enc)
	require.NoError(t, err)
	assert.Equal(t, c.InvokeID, got.InvokeID)
	assert.Equal(t, c.ServiceChoice, got.ServiceChoice)
	assert.Equal(t, c.ServiceData, got.ServiceData)
	assert.False(t, got.Segmented)
}

func TestSegmentedConfirmedRequestMinLength(t *testing.T) {
	buf := []byte{0x08, 0x00, 0x01, 0x02, 0x03} // segmented bit set, only 5 bytes
	_, err := DecodeConfirmedRequest(buf)
	assert.Error(t, err)
	var ce *bacerr.CodecError
	assert.ErrorAs(t, err, &ce)
}

func TestSegmentedConfirmedRequestRoundTrip(t *testing.T) {
	c := ConfirmedRequest{
		Segmented:          true,
		MoreFollows:        true,
		InvokeID:           3,
		SequenceNumber:     2,
		ProposedWindowSize: 5,
		ServiceChoice:      12,
		ServiceData:        []byte{0xAA},
	}
	enc, err := c.Encode()
	require.NoError(t, err)
	got, err := DecodeConfirmedRequest(enc)
	require.NoError(t, err)
	assert.True(t, got.Segmented)
	assert.True(t, got.MoreFollows)
	assert.Equal(t, uint8(2), got.SequenceNumber)
	assert.Equal(t, uint8(5), got.ProposedWindowSize)
	assert.Equal(t, []byte{0xAA}, got.ServiceData)
}

func TestComplexACKMinLength(t *testing.T) {
	buf := []byte{0x38, 0x01, 0x02, 0x03} // segmented ComplexACK, only 4 bytes
	_, err := DecodeComplexACK(buf)
	assert.Error(t, err)
}

func TestErrorRoundTrip(t *testing.T) {
	e := Error{InvokeID: 9, ServiceChoice: 12, Class: bacerr.ClassProperty, Code: bacerr.CodeUnknownProperty}
	enc, err := e.Encode()
	require.NoError(t, err)
	got, err := DecodeError(enc)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestSegmentACKRoundTrip(t *testing.T) {
	s := SegmentACK{NegativeACK: true, InvokeID: 1, SequenceNumber: 4, ActualWindowSize: 6}
	enc, err := s.Encode()
	require.NoError(t, err)
	got, err := DecodeSegmentACK(enc)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestPeekType(t *testing.T) {
	enc, _ := SimpleACK{InvokeID: 1, ServiceChoice: 2}.Encode()
	pt, err := PeekType(enc)
	require.NoError(t, err)
	assert.Equal(t, TypeSimpleACK, pt)
}
