package network

import (
	"context"
	"testing"
	"time"

	"bacstack/address"
	"bacstack/npdu"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	unicasts   [][2]any
	broadcasts [][]byte
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }
func (f *fakeTransport) Stop() error                     { return nil }
func (f *fakeTransport) OnReceive(fn func([]byte, address.Address)) {}
func (f *fakeTransport) SendUnicast(npduBytes []byte, dest address.Address) error {
	f.unicasts = append(f.unicasts, [2]any{npduBytes, dest})
	return nil
}
func (f *fakeTransport) SendBroadcast(npduBytes []byte) error {
	f.broadcasts = append(f.broadcasts, npduBytes)
	return nil
}
func (f *fakeTransport) LocalAddress() address.Address { return address.Local([]byte{1, 1, 1, 1, 0xBA, 0xC0}) }
func (f *fakeTransport) MaxNPDULength() int             { return 1497 }

func TestSendLocalUnicastHasNoDNET(t *testing.T) {
	tr := &fakeTransport{}
	l := NewLayer(tr, nil, 16)
	dest := address.Local([]byte{192, 168, 1, 5, 0xBA, 0xC0})
	require.NoError(t, l.Send(dest, []byte{0xAA}, false, npdu.PriorityNormal))

	require.Len(t, tr.unicasts, 1)
	n, err := npdu.Decode(tr.unicasts[0][0].([]byte))
	require.NoError(t, err)
	assert.False(t, n.HasDNET())
	assert.Equal(t, []byte{0xAA}, n.Payload)
}

func TestSendGlobalBroadcastSetsDNET65535(t *testing.T) {
	tr := &fakeTransport{}
	l := NewLayer(tr, nil, 16)
	require.NoError(t, l.Send(address.GlobalBroadcast(), []byte{0x01}, false, npdu.PriorityNormal))

	require.Len(t, tr.broadcasts, 1)
	n, err := npdu.Decode(tr.broadcasts[0])
	require.NoError(t, err)
	require.True(t, n.HasDNET())
	assert.Equal(t, uint16(65535), n.DNET[0])
}

func TestSendRemoteUnicastWithEmptyCacheQueuesAndBroadcastsWhoIsRouter(t *testing.T) {
	tr := &fakeTransport{}
	l := NewLayer(tr, nil, 16)
	dest := address.Remote(42, []byte{0x01})
	require.NoError(t, l.Send(dest, []byte{0x02}, false, npdu.PriorityNormal))

	require.Len(t, tr.broadcasts, 1)
	n, err := npdu.Decode(tr.broadcasts[0])
	require.NoError(t, err)
	assert.True(t, n.IsNetworkMessage)
	assert.Equal(t, uint8(npdu.MsgWhoIsRouterToNetwork), n.NetworkMessageType)
	net, err := npdu.DecodeWhoIsRouterToNetwork(n.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), net)

	require.Len(t, l.pending[42], 1)
}

func TestIAmRouterToNetworkDrainsPendingQueue(t *testing.T) {
	tr := &fakeTransport{}
	l := NewLayer(tr, nil, 16)
	dest := address.Remote(42, []byte{0x01})
	require.NoError(t, l.Send(dest, []byte{0x02}, false, npdu.PriorityNormal))
	tr.broadcasts = nil

	routerMAC := []byte{10, 0, 0, 9, 0xBA, 0xC0}
	reply := npdu.NPDU{
		IsNetworkMessage:   true,
		NetworkMessageType: npdu.MsgIAmRouterToNetwork,
		Payload:            npdu.EncodeNetworkList([]uint16{42}),
	}
	raw, err := reply.Encode()
	require.NoError(t, err)
	l.HandleInbound(raw, address.Local(routerMAC))

	mac, ok := l.cache.Get(42)
	require.True(t, ok)
	assert.Equal(t, routerMAC, mac)

	require.Len(t, tr.unicasts, 1)
	assert.Equal(t, routerMAC, tr.unicasts[0][1].(address.Address).MAC)
	assert.Empty(t, l.pending[42])
}

func TestTickDropsExpiredPendingSends(t *testing.T) {
	tr := &fakeTransport{}
	l := NewLayer(tr, nil, 16)
	dest := address.Remote(7, []byte{0x01})
	require.NoError(t, l.Send(dest, []byte{0x02}, false, npdu.PriorityNormal))
	require.Len(t, l.pending[7], 1)

	l.Tick(time.Now().Add(RouterResolutionTimeout + time.Second))
	assert.Empty(t, l.pending[7])
}

func TestHandleInboundDeliversLocalAPDU(t *testing.T) {
	tr := &fakeTransport{}
	net := uint16(100)
	l := NewLayer(tr, &net, 16)
	var gotPayload []byte
	l.OnDeliver(func(payload []byte, source address.Address) { gotPayload = payload })

	n := npdu.NPDU{Payload: []byte{0x11, 0x22}}
	raw, err := n.Encode()
	require.NoError(t, err)
	l.HandleInbound(raw, address.Local([]byte{1, 2, 3, 4, 5, 6}))
	assert.Equal(t, []byte{0x11, 0x22}, gotPayload)
}

func TestWhoIsRouterToNetworkRepliesWhenRouting(t *testing.T) {
	tr := &fakeTransport{}
	l := NewLayer(tr, nil, 16)
	l.EnableRouting([]uint16{10, 20})

	query := npdu.NPDU{IsNetworkMessage: true, NetworkMessageType: npdu.MsgWhoIsRouterToNetwork}
	raw, err := query.Encode()
	require.NoError(t, err)
	l.HandleInbound(raw, address.Local([]byte{9, 9, 9, 9, 0xBA, 0xC0}))

	require.Len(t, tr.unicasts, 1)
	reply, err := npdu.Decode(tr.unicasts[0][0].([]byte))
	require.NoError(t, err)
	networks, err := npdu.DecodeNetworkList(reply.Payload)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint16{10, 20}, networks)
}
