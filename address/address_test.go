package address

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIPv4(t *testing.T) {
	a, err := Parse("192.168.1.5")
	require.NoError(t, err)
	assert.True(t, a.IsLocal())
	s, err := FormatIPv4(a.MAC)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.5:47808", s)

	a2, err := Parse("192.168.1.5:47809")
	require.NoError(t, err)
	s2, _ := FormatIPv4(a2.MAC)
	assert.Equal(t, "192.168.1.5:47809", s2)
}

func TestParseIPv6Bracket(t *testing.T) {
	a, err := Parse("[::1]:47808")
	require.NoError(t, err)
	assert.True(t, a.IsLocal())
	assert.Len(t, a.MAC, 18)
}

func TestParseEthernetMAC(t *testing.T) {
	a, err := Parse("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, a.MAC)
}

func TestParseWildcard(t *testing.T) {
	a, err := Parse("*")
	require.NoError(t, err)
	assert.True(t, a.IsGlobalBroadcast())

	a2, err := Parse("42:*")
	require.NoError(t, err)
	assert.True(t, a2.IsRemoteBroadcast())
}

func TestParseRemoteHexMAC(t *testing.T) {
	a, err := Parse("7:aabbcc")
	require.NoError(t, err)
	require.NotNil(t, a.Network)
	assert.Equal(t, uint16(7), *a.Network)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, a.MAC)
}

func TestParseRejectsInvalidNetworkNumber(t *testing.T) {
	_, err := Parse("70000:aabbcc")
	assert.Error(t, err)
	_, err = Parse("0:aabbcc")
	assert.Error(t, err)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("not-an-address")
	assert.Error(t, err)
}

func TestEncodeIPv4IPv6RoundTrip(t *testing.T) {
	mac, err := EncodeIPv4(net.ParseIP("10.0.0.2"), 47808)
	require.NoError(t, err)
	s, err := FormatIPv4(mac)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:47808", s)

	_, err = EncodeIPv4(net.ParseIP("::1"), 1)
	assert.Error(t, err)
}

func TestAddressPredicates(t *testing.T) {
	assert.True(t, LocalBroadcast().IsBroadcast())
	assert.True(t, LocalBroadcast().IsLocal())

	rb := RemoteBroadcast(42)
	assert.True(t, rb.IsRemoteBroadcast())
	assert.False(t, rb.IsGlobalBroadcast())

	gb := GlobalBroadcast()
	assert.True(t, gb.IsGlobalBroadcast())
	assert.False(t, gb.IsRemoteBroadcast())
}

func TestTextMarshalRoundTrip(t *testing.T) {
	a, err := Parse("7:aabbcc")
	require.NoError(t, err)
	text, err := a.MarshalText()
	require.NoError(t, err)

	var got Address
	require.NoError(t, got.UnmarshalText(text))
	assert.Equal(t, a, got)
}
