package ipv6

import (
	"net"
	"testing"
	"time"

	"bacstack/address"
	"bacstack/bvll6"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverLearnAndLookup(t *testing.T) {
	r := newResolver(time.Minute)
	vmac := bvll6.VMAC{1, 2, 3}
	_, ok := r.lookup(vmac)
	assert.False(t, ok)

	addr := &net.UDPAddr{IP: net.ParseIP("fe80::1"), Port: bvll6.DefaultPort}
	r.learn(vmac, addr)

	got, ok := r.lookup(vmac)
	require.True(t, ok)
	assert.Equal(t, addr, got)
}

func TestResolverEntryExpiresAfterTTL(t *testing.T) {
	r := newResolver(time.Millisecond)
	vmac := bvll6.VMAC{9, 9, 9}
	r.learn(vmac, &net.UDPAddr{IP: net.ParseIP("fe80::2"), Port: 1})
	time.Sleep(5 * time.Millisecond)
	_, ok := r.lookup(vmac)
	assert.False(t, ok)
}

func TestResolverAwaitWakesOnLearn(t *testing.T) {
	r := newResolver(time.Minute)
	vmac := bvll6.VMAC{4, 5, 6}
	ch := r.await(vmac)
	addr := &net.UDPAddr{IP: net.ParseIP("fe80::3"), Port: 2}
	r.learn(vmac, addr)

	select {
	case got := <-ch:
		assert.Equal(t, addr, got)
	case <-time.After(time.Second):
		t.Fatal("await never woke up")
	}
}

func TestHandleDatagramForwardedNPDUSelfOriginatedIsDropped(t *testing.T) {
	tr := &Transport{resolver: newResolver(time.Minute), localVMAC: bvll6.VMAC{7, 7, 7}}
	called := false
	tr.OnReceive(func(npdu []byte, source address.Address) { called = true })

	var originating [18]byte
	payload := bvll6.EncodeForwardedNPDU(originating, []byte{0x01})
	frame, err := bvll6.Encode(bvll6.Frame{
		Function:   bvll6.FuncForwardedNPDU,
		SourceVMAC: tr.localVMAC,
		Payload:    payload,
	})
	require.NoError(t, err)

	tr.handleDatagram(frame, &net.UDPAddr{IP: net.ParseIP("fe80::4"), Port: bvll6.DefaultPort})
	assert.False(t, called)
}

func TestHandleDatagramOriginalUnicastDelivers(t *testing.T) {
	tr := &Transport{resolver: newResolver(time.Minute), localVMAC: bvll6.VMAC{1, 1, 1}}
	var gotNPDU []byte
	done := make(chan struct{})
	tr.OnReceive(func(npdu []byte, source address.Address) {
		gotNPDU = npdu
		close(done)
	})

	src := bvll6.VMAC{2, 2, 2}
	frame, err := bvll6.Encode(bvll6.Frame{
		Function:    bvll6.FuncOriginalUnicastNPDU,
		SourceVMAC:  src,
		HasDestVMAC: true,
		DestVMAC:    tr.localVMAC,
		Payload:     []byte{0xAB, 0xCD},
	})
	require.NoError(t, err)

	tr.handleDatagram(frame, &net.UDPAddr{IP: net.ParseIP("fe80::5"), Port: bvll6.DefaultPort})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	assert.Equal(t, []byte{0xAB, 0xCD}, gotNPDU)
}
