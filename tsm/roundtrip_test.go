package tsm

import (
	"bytes"
	"context"
	"testing"
	"time"

	"bacstack/address"
	"bacstack/bacerr"
	"bacstack/npdu"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackSender delivers every "sent" APDU directly to the peer's
// HandleAPDU, synchronously, as if the network and transport layers
// below were a zero-latency wire.
type loopbackSender struct {
	deliverTo func(apdu []byte, from address.Address)
	self      address.Address
}

func (l *loopbackSender) Send(dest address.Address, apdu []byte, expectingReply bool, priority npdu.Priority) error {
	l.deliverTo(apdu, l.self)
	return nil
}

var clientAddr = address.Local([]byte{10, 0, 0, 1, 0xBA, 0xC0})
var serverAddr = address.Local([]byte{10, 0, 0, 2, 0xBA, 0xC0})

func newLinkedTSMs(handler Handler) (*ClientTSM, *ServerTSM) {
	var client *ClientTSM
	var server *ServerTSM

	clientSend := &loopbackSender{self: clientAddr}
	serverSend := &loopbackSender{self: serverAddr}

	client = NewClientTSM(clientSend)
	server = NewServerTSM(serverSend, handler)

	clientSend.deliverTo = func(apdu []byte, from address.Address) { server.HandleAPDU(apdu, from) }
	serverSend.deliverTo = func(apdu []byte, from address.Address) { client.HandleAPDU(apdu, from) }
	return client, server
}

func TestUnsegmentedRequestSimpleACK(t *testing.T) {
	client, _ := newLinkedTSMs(func(serviceChoice uint8, serviceData []byte, source address.Address) ([]byte, bool, error) {
		assert.Equal(t, []byte{0x01, 0x02}, serviceData)
		return nil, false, nil
	})
	data, err := client.Request(context.Background(), serverAddr, 5, []byte{0x01, 0x02}, false)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestUnsegmentedRequestComplexACK(t *testing.T) {
	client, _ := newLinkedTSMs(func(serviceChoice uint8, serviceData []byte, source address.Address) ([]byte, bool, error) {
		return []byte{0xAA, 0xBB, 0xCC}, true, nil
	})
	data, err := client.Request(context.Background(), serverAddr, 12, []byte{0x01}, false)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, data)
}

func TestRequestSurfacesBACnetError(t *testing.T) {
	client, _ := newLinkedTSMs(func(serviceChoice uint8, serviceData []byte, source address.Address) ([]byte, bool, error) {
		return nil, false, bacerr.New(bacerr.ClassProperty, bacerr.CodeUnknownProperty)
	})
	_, err := client.Request(context.Background(), serverAddr, 12, []byte{0x01}, false)
	require.Error(t, err)
	var be *bacerr.BACnetError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, bacerr.CodeUnknownProperty, be.Code)
}

func TestSegmentedRequestReassemblesAtServer(t *testing.T) {
	bigRequest := bytes.Repeat([]byte{0x42}, 5000)
	var gotAtServer []byte
	client, _ := newLinkedTSMs(func(serviceChoice uint8, serviceData []byte, source address.Address) ([]byte, bool, error) {
		gotAtServer = append([]byte(nil), serviceData...)
		return nil, false, nil
	})
	_, err := client.Request(context.Background(), serverAddr, 15, bigRequest, false)
	require.NoError(t, err)
	assert.Equal(t, bigRequest, gotAtServer)
}

func TestSegmentedResponseReassemblesAtClient(t *testing.T) {
	bigResponse := bytes.Repeat([]byte{0x99}, 5000)
	client, _ := newLinkedTSMs(func(serviceChoice uint8, serviceData []byte, source address.Address) ([]byte, bool, error) {
		return bigResponse, true, nil
	})
	data, err := client.Request(context.Background(), serverAddr, 15, []byte{0x01}, true)
	require.NoError(t, err)
	assert.Equal(t, bigResponse, data)
}

func TestSegmentedBroadcastIsRejected(t *testing.T) {
	client, _ := newLinkedTSMs(func(serviceChoice uint8, serviceData []byte, source address.Address) ([]byte, bool, error) {
		return nil, false, nil
	})
	bigRequest := bytes.Repeat([]byte{0x42}, 5000)
	_, err := client.Request(context.Background(), address.GlobalBroadcast(), 8, bigRequest, false)
	assert.Equal(t, bacerr.ErrSegmentedBroadcast, err)
}

func TestRequestTimesOutWhenServerNeverReplies(t *testing.T) {
	clientSend := &loopbackSender{self: clientAddr}
	clientSend.deliverTo = func(apdu []byte, from address.Address) {} // black hole
	client := NewClientTSM(clientSend)
	client.apduTimeout = 10 * time.Millisecond
	client.apduRetries = 1

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.Request(ctx, serverAddr, 1, []byte{0x01}, false)
	require.Error(t, err)
	var timeout *bacerr.Timeout
	require.ErrorAs(t, err, &timeout)
}
