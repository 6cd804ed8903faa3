package ipv4

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"bacstack/address"
	"bacstack/bvll"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackTransport(t *testing.T) *Transport {
	t.Helper()
	tr, err := New("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Stop() })
	return tr
}

func TestUnicastRoundTrip(t *testing.T) {
	a := newLoopbackTransport(t)
	b := newLoopbackTransport(t)

	var mu sync.Mutex
	var gotNPDU []byte
	var gotSource address.Address
	done := make(chan struct{})
	b.OnReceive(func(npdu []byte, source address.Address) {
		mu.Lock()
		defer mu.Unlock()
		gotNPDU = npdu
		gotSource = source
		close(done)
	})

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	bAddr := localUDPAddr(t, b)
	dest := address.Local(mustEncodeMAC(t, bAddr))

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	require.NoError(t, a.SendUnicast(payload, dest))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, payload, gotNPDU)
	assert.False(t, gotSource.IsBroadcast())
}

func TestHandleDatagramDropsMalformedFrame(t *testing.T) {
	tr := newLoopbackTransport(t)
	called := false
	tr.OnReceive(func(npdu []byte, source address.Address) { called = true })
	tr.handleDatagram([]byte{0xFF}, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234})
	assert.False(t, called)
}

func TestHandleDatagramForwardedNPDUExtractsOriginatingAddress(t *testing.T) {
	tr := newLoopbackTransport(t)
	var gotSource address.Address
	done := make(chan struct{})
	tr.OnReceive(func(npdu []byte, source address.Address) {
		gotSource = source
		close(done)
	})

	origMAC := []byte{192, 0, 2, 55, 0xBA, 0xC0}
	npduBytes := []byte{0x01, 0x02}
	payload := append(append([]byte(nil), origMAC...), npduBytes...)
	frame, err := bvll.Encode(bvll.FuncForwardedNPDU, payload)
	require.NoError(t, err)

	tr.handleDatagram(frame, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 47808})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	s, err := address.FormatIPv4(origMAC)
	require.NoError(t, err)
	assert.Equal(t, s, gotSource.String())
}

func localUDPAddr(t *testing.T, tr *Transport) *net.UDPAddr {
	t.Helper()
	return tr.conn.LocalAddr().(*net.UDPAddr)
}

func mustEncodeMAC(t *testing.T, addr *net.UDPAddr) []byte {
	t.Helper()
	mac, err := address.EncodeIPv4(addr.IP.To4(), uint16(addr.Port))
	require.NoError(t, err)
	return mac
}
