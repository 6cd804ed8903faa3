package npdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNPDURoundTripNoRouting(t *testing.T) {
	n := NPDU{Payload: []byte{0x01, 0x02, 0x03}}
	enc, err := n.Encode()
	require.NoError(t, err)
	got, err := Decode(enc)
	require.NoError(t, err)
	assert.False(t, got.HasDNET())
	assert.Equal(t, n.Payload, got.Payload)
}

func TestNPDURoundTripWithRouting(t *testing.T) {
	n := NPDU{
		DNET:     []uint16{42},
		DLen:     3,
		DADR:     []byte{0x01, 0x02, 0x03},
		SNET:     7,
		SLen:     2,
		SADR:     []byte{0xAA, 0xBB},
		HopCount: 255,
		Payload:  []byte{0x10, 0x20},
	}
	enc, err := n.Encode()
	require.NoError(t, err)
	got, err := Decode(enc)
	require.NoError(t, err)
	assert.True(t, got.HasDNET())
	assert.Equal(t, uint16(42), got.DNET[0])
	assert.Equal(t, n.DADR, got.DADR)
	assert.Equal(t, uint16(7), got.SNET)
	assert.Equal(t, n.SADR, got.SADR)
	assert.Equal(t, uint8(255), got.HopCount)
	assert.Equal(t, n.Payload, got.Payload)
}

func TestNPDUNetworkMessage(t *testing.T) {
	n := NPDU{
		IsNetworkMessage:   true,
		NetworkMessageType: MsgWhoIsRouterToNetwork,
		Payload:            EncodeWhoIsRouterToNetwork(42),
	}
	enc, err := n.Encode()
	require.NoError(t, err)
	got, err := Decode(enc)
	require.NoError(t, err)
	assert.True(t, got.IsNetworkMessage)
	assert.Equal(t, uint8(MsgWhoIsRouterToNetwork), got.NetworkMessageType)
	net, err := DecodeWhoIsRouterToNetwork(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), net)
}

func TestDecodeRejectsShortNPDU(t *testing.T) {
	_, err := Decode([]byte{0x01})
	assert.Error(t, err)
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	_, err := Decode([]byte{0x02, 0x00})
	assert.Error(t, err)
}

func TestNetworkListCap(t *testing.T) {
	payload := make([]byte, (MaxNetworkListEntries+1)*2)
	_, err := DecodeNetworkList(payload)
	assert.Error(t, err)

	ok := make([]byte, MaxNetworkListEntries*2)
	_, err = DecodeNetworkList(ok)
	assert.NoError(t, err)
}

func TestInitializeRoutingTableRoundTrip(t *testing.T) {
	entries := []RoutingTableEntry{
		{Network: 1, PortID: 0, PortInfo: []byte{0x01}},
		{Network: 2, PortID: 1, PortInfo: nil},
	}
	enc := EncodeInitializeRoutingTable(entries)
	got, err := DecodeInitializeRoutingTable(enc)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}
