package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bacstack/address"
	"bacstack/config"
	"bacstack/cov"
	"bacstack/objects"
	"bacstack/primitive"
	"bacstack/service"
)

// loopbackTransport delivers every sent NPDU directly to a peer
// transport's receive callback, synchronously, mirroring
// tsm.loopbackSender's zero-latency-wire style one layer up the stack.
type loopbackTransport struct {
	self address.Address
	peer *loopbackTransport
	recv func(npdu []byte, source address.Address)
}

func (l *loopbackTransport) Start(ctx context.Context) error { return nil }
func (l *loopbackTransport) Stop() error                     { return nil }
func (l *loopbackTransport) OnReceive(fn func(npdu []byte, source address.Address)) {
	l.recv = fn
}
func (l *loopbackTransport) SendUnicast(npdu []byte, dest address.Address) error {
	if l.peer.recv != nil {
		l.peer.recv(npdu, l.self)
	}
	return nil
}
func (l *loopbackTransport) SendBroadcast(npdu []byte) error {
	if l.peer.recv != nil {
		l.peer.recv(npdu, l.self)
	}
	return nil
}
func (l *loopbackTransport) LocalAddress() address.Address { return l.self }
func (l *loopbackTransport) MaxNPDULength() int             { return 1497 }

func newLinkedApps(t *testing.T) (*Application, *Application, func()) {
	t.Helper()

	addrA := address.Local([]byte{10, 0, 0, 1, 0xBA, 0xC0})
	addrB := address.Local([]byte{10, 0, 0, 2, 0xBA, 0xC0})

	ta := &loopbackTransport{self: addrA}
	tb := &loopbackTransport{self: addrB}
	ta.peer, tb.peer = tb, ta

	deviceA := objects.NewDevice(1, "DeviceA")
	dbA := objects.NewObjectDatabase(deviceA)
	avA := objects.NewAnalogValue(1, "AV1", 72.0)
	require.NoError(t, dbA.Add(avA))

	deviceB := objects.NewDevice(2, "DeviceB")
	dbB := objects.NewObjectDatabase(deviceB)

	cfgA := &config.DeviceConfig{
		TransportConfig: config.TransportConfig{IPv4: &config.IPv4Config{BindAddress: "0.0.0.0:47808"}},
		DeviceInstance:  1,
		DeviceName:      "DeviceA",
	}
	cfgB := &config.DeviceConfig{
		TransportConfig: config.TransportConfig{IPv4: &config.IPv4Config{BindAddress: "0.0.0.0:47809"}},
		DeviceInstance:  2,
		DeviceName:      "DeviceB",
	}

	appA, err := New(cfgA, ta, dbA)
	require.NoError(t, err)
	appB, err := New(cfgB, tb, dbB)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, appA.Start(ctx))
	require.NoError(t, appB.Start(ctx))

	return appA, appB, func() {
		appA.Stop()
		appB.Stop()
	}
}

func TestReadPropertyOverLoopback(t *testing.T) {
	appA, appB, stop := newLinkedApps(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ack, err := appB.Client.ReadProperty(ctx, appA.transport.LocalAddress(),
		primitive.ObjectIdentifier{Type: objects.TypeAnalogValue, Instance: 1}, objects.PropPresentValue, nil)
	require.NoError(t, err)
	assert.Equal(t, float32(72.0), ack.Value.Real)
}

func TestWritePropertyOverLoopback(t *testing.T) {
	appA, appB, stop := newLinkedApps(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	objID := primitive.ObjectIdentifier{Type: objects.TypeAnalogValue, Instance: 1}
	prio := uint8(8)
	err := appB.Client.WriteProperty(ctx, appA.transport.LocalAddress(), objID, objects.PropPresentValue, nil, primitive.Real(50.0), &prio)
	require.NoError(t, err)

	ack, err := appB.Client.ReadProperty(ctx, appA.transport.LocalAddress(), objID, objects.PropPresentValue, nil)
	require.NoError(t, err)
	assert.Equal(t, float32(50.0), ack.Value.Real)
}

func TestSubscribeCOVDeliversInitialAndOnWriteNotifications(t *testing.T) {
	appA, appB, stop := newLinkedApps(t)
	defer stop()

	notifications := make(chan cov.Notification, 4)
	appB.OnNotification(func(n cov.Notification, source address.Address) {
		notifications <- n
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	objID := primitive.ObjectIdentifier{Type: objects.TypeAnalogValue, Instance: 1}
	err := appB.Client.SubscribeCOV(ctx, appA.transport.LocalAddress(), 7, objID, true, false, true, 3600)
	require.NoError(t, err)

	select {
	case n := <-notifications:
		assert.Equal(t, objID, n.MonitoredObject)
	case <-time.After(time.Second):
		t.Fatal("did not receive initial COV notification")
	}

	prio := uint8(8)
	require.NoError(t, appB.Client.WriteProperty(ctx, appA.transport.LocalAddress(), objID, objects.PropPresentValue, nil, primitive.Real(99.0), &prio))

	select {
	case n := <-notifications:
		assert.Equal(t, objID, n.MonitoredObject)
	case <-time.After(time.Second):
		t.Fatal("did not receive on-write COV notification")
	}
}

func TestWhoIsElicitsIAm(t *testing.T) {
	_, appB, stop := newLinkedApps(t)
	defer stop()

	tb := appB.transport.(*loopbackTransport)
	orig := tb.recv
	received := make(chan struct{}, 1)
	tb.recv = func(npdu []byte, source address.Address) {
		if orig != nil {
			orig(npdu, source)
		}
		select {
		case received <- struct{}{}:
		default:
		}
	}

	require.NoError(t, appB.Client.WhoIs(service.WhoIs{}))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("did not observe an I-Am after broadcasting Who-Is")
	}
}
