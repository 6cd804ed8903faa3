package bbmd

import (
	"testing"
	"time"

	"bacstack/address"
	"bacstack/bvll"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentFrame struct {
	function uint8
	payload  []byte
	dest     address.Address
}

func newTestManager(local [6]byte) (*Manager, *[]sentFrame) {
	return newTestManagerWithCap(local, 0)
}

func newTestManagerWithCap(local [6]byte, maxFDTSize int) (*Manager, *[]sentFrame) {
	var sent []sentFrame
	m := NewManager(address.Local(local[:]), func(function uint8, payload []byte, dest address.Address) error {
		sent = append(sent, sentFrame{function, payload, dest})
		return nil
	}, maxFDTSize)
	return m, &sent
}

func TestOriginalBroadcastForwardsToPeersNotToSelf(t *testing.T) {
	self := [6]byte{127, 0, 0, 1, 0xBA, 0xC0}
	peer := [6]byte{192, 168, 1, 2, 0xBA, 0xC0}
	m, sent := newTestManager(self)
	m.SetBDT([]BDTEntry{
		{Address: self, BroadcastMask: [4]byte{255, 255, 255, 255}},
		{Address: peer, BroadcastMask: [4]byte{255, 255, 255, 0}},
	})

	npdu, handled := m.HandleFrame(bvll.Frame{Function: bvll.FuncOriginalBroadcastNPDU, Payload: []byte{0x01}}, address.Local(self[:]))
	assert.False(t, handled)
	assert.Nil(t, npdu)

	require.Len(t, *sent, 1)
	assert.Equal(t, uint8(bvll.FuncForwardedNPDU), (*sent)[0].function)
	wantDest := peer
	wantDest[3] = 255 // directed broadcast: host | ~mask
	assert.Equal(t, wantDest[:], (*sent)[0].dest.MAC)
}

func TestForwardedNPDUDoesNotReForwardToBDTPeers(t *testing.T) {
	self := [6]byte{10, 0, 0, 1, 0xBA, 0xC0}
	peer := [6]byte{10, 0, 0, 2, 0xBA, 0xC0}
	fd := [6]byte{10, 0, 0, 9, 0xBA, 0xC0}
	m, sent := newTestManager(self)
	m.SetBDT([]BDTEntry{{Address: peer, BroadcastMask: [4]byte{255, 255, 255, 0}}})
	m.HandleFrame(bvll.Frame{Function: bvll.FuncRegisterForeignDevice, Payload: []byte{0x00, 0x3C}}, address.Local(fd[:]))
	*sent = nil // discard the registration ack

	var orig [6]byte
	copy(orig[:], []byte{172, 16, 0, 1, 0xBA, 0xC0})
	payload := bvll.EncodeForwardedNPDU(orig, []byte{0x99})
	npdu, handled := m.HandleFrame(bvll.Frame{Function: bvll.FuncForwardedNPDU, Payload: payload}, address.Local(peer[:]))
	assert.False(t, handled)
	assert.Nil(t, npdu)

	require.Len(t, *sent, 1)
	assert.Equal(t, fd[:], (*sent)[0].dest.MAC)
}

func TestRegisterForeignDeviceThenReadFDT(t *testing.T) {
	self := [6]byte{1, 1, 1, 1, 0xBA, 0xC0}
	fd := [6]byte{2, 2, 2, 2, 0xBA, 0xC0}
	m, sent := newTestManager(self)

	_, handled := m.HandleFrame(bvll.Frame{Function: bvll.FuncRegisterForeignDevice, Payload: []byte{0x00, 0x1E}}, address.Local(fd[:]))
	assert.True(t, handled)
	require.Len(t, *sent, 1)
	code, err := bvll.DecodeResult((*sent)[0].payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(bvll.ResultSuccessfulCompletion), code)

	*sent = nil
	_, handled = m.HandleFrame(bvll.Frame{Function: bvll.FuncReadFDT}, address.Local(self[:]))
	assert.True(t, handled)
	require.Len(t, *sent, 1)
	assert.Equal(t, uint8(bvll.FuncReadFDTAck), (*sent)[0].function)
	assert.Len(t, (*sent)[0].payload, FDTEntrySize)
}

func TestFDTEntryExpiresAfterTTLPlusGracePeriod(t *testing.T) {
	self := [6]byte{1, 1, 1, 1, 0xBA, 0xC0}
	fd := [6]byte{3, 3, 3, 3, 0xBA, 0xC0}
	m, _ := newTestManager(self)
	m.HandleFrame(bvll.Frame{Function: bvll.FuncRegisterForeignDevice, Payload: []byte{0x00, 0x0A}}, address.Local(fd[:]))
	require.Len(t, m.FDT(), 1)

	now := time.Now()
	m.PurgeExpiredFDTEntries(now.Add(5 * time.Second))
	assert.Len(t, m.FDT(), 1, "TTL+grace period has not elapsed yet")

	m.PurgeExpiredFDTEntries(now.Add(10*time.Second + FDTGracePeriod + time.Second))
	assert.Len(t, m.FDT(), 0)
}

func TestDistributeBroadcastRejectsUnregisteredSender(t *testing.T) {
	self := [6]byte{1, 1, 1, 1, 0xBA, 0xC0}
	stranger := [6]byte{9, 9, 9, 9, 0xBA, 0xC0}
	m, sent := newTestManager(self)

	npdu, handled := m.HandleFrame(bvll.Frame{Function: bvll.FuncDistributeBroadcastToNetwork, Payload: []byte{0x01}}, address.Local(stranger[:]))
	assert.True(t, handled)
	assert.Nil(t, npdu)
	require.Len(t, *sent, 1)
	code, err := bvll.DecodeResult((*sent)[0].payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(bvll.ResultDistributeBroadcastToNetworkNAK), code)
}

func TestRegisterForeignDeviceRejectsWhenFDTFull(t *testing.T) {
	self := [6]byte{1, 1, 1, 1, 0xBA, 0xC0}
	fd1 := [6]byte{2, 2, 2, 2, 0xBA, 0xC0}
	fd2 := [6]byte{3, 3, 3, 3, 0xBA, 0xC0}
	m, sent := newTestManagerWithCap(self, 1)

	_, handled := m.HandleFrame(bvll.Frame{Function: bvll.FuncRegisterForeignDevice, Payload: []byte{0x00, 0x3C}}, address.Local(fd1[:]))
	assert.True(t, handled)
	require.Len(t, *sent, 1)
	code, err := bvll.DecodeResult((*sent)[0].payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(bvll.ResultSuccessfulCompletion), code)

	*sent = nil
	_, handled = m.HandleFrame(bvll.Frame{Function: bvll.FuncRegisterForeignDevice, Payload: []byte{0x00, 0x3C}}, address.Local(fd2[:]))
	assert.True(t, handled)
	require.Len(t, *sent, 1)
	code, err = bvll.DecodeResult((*sent)[0].payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(bvll.ResultRegisterForeignDeviceNAK), code)
	assert.Len(t, m.FDT(), 1)

	*sent = nil
	_, handled = m.HandleFrame(bvll.Frame{Function: bvll.FuncRegisterForeignDevice, Payload: []byte{0x00, 0x78}}, address.Local(fd1[:]))
	assert.True(t, handled)
	require.Len(t, *sent, 1)
	code, err = bvll.DecodeResult((*sent)[0].payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(bvll.ResultSuccessfulCompletion), code, "re-registering an existing entry must not be rejected as full")
}

func TestDistributeBroadcastFromRegisteredFDDeliversLocally(t *testing.T) {
	self := [6]byte{1, 1, 1, 1, 0xBA, 0xC0}
	fd := [6]byte{4, 4, 4, 4, 0xBA, 0xC0}
	m, sent := newTestManager(self)
	m.HandleFrame(bvll.Frame{Function: bvll.FuncRegisterForeignDevice, Payload: []byte{0x00, 0x3C}}, address.Local(fd[:]))
	*sent = nil

	npdu, handled := m.HandleFrame(bvll.Frame{Function: bvll.FuncDistributeBroadcastToNetwork, Payload: []byte{0xAB}}, address.Local(fd[:]))
	assert.True(t, handled)
	assert.Equal(t, []byte{0xAB}, npdu)
}
