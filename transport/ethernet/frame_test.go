package ethernet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{
		Dest:    [6]byte{1, 2, 3, 4, 5, 6},
		Source:  [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
		Payload: []byte{0x01, 0x20, 0xFF},
	}
	enc, err := Encode(f)
	require.NoError(t, err)
	assert.Equal(t, byte(llcDSAP), enc[14])
	assert.Equal(t, byte(llcSSAP), enc[15])
	assert.Equal(t, byte(llcControl), enc[16])

	got, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestDecodeRejectsNonBACnetLLC(t *testing.T) {
	f := Frame{Dest: BroadcastMAC, Source: [6]byte{1, 1, 1, 1, 1, 1}, Payload: []byte{0x00}}
	enc, err := Encode(f)
	require.NoError(t, err)
	enc[14] = 0xAA // not BACnet's DSAP
	_, err = Decode(enc)
	assert.Error(t, err)
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}
