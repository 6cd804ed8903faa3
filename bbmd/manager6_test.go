package bbmd

import (
	"testing"
	"time"

	"bacstack/address"
	"bacstack/bvll6"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager6RegisterAndPurge(t *testing.T) {
	var sent []address.Address
	m := NewManager6(bvll6.VMAC{1, 1, 1}, func(frame bvll6.Frame, dest address.Address) error {
		sent = append(sent, dest)
		return nil
	})

	fdVMAC := bvll6.VMAC{2, 2, 2}
	fdAddr := address.Local(append(append([]byte(nil), make([]byte, 15)...), fdVMAC[:]...))
	_, handled := m.HandleFrame(bvll6.Frame{Function: bvll6.FuncRegisterForeignDevice, SourceVMAC: fdVMAC, Payload: []byte{0x00, 0x0A}}, fdAddr)
	assert.True(t, handled)
	require.Len(t, m.FDT(), 1)

	m.PurgeExpiredFDTEntries(time.Now().Add(time.Hour))
	assert.Len(t, m.FDT(), 0)
}

func TestManager6OriginalBroadcastRelaysToFDs(t *testing.T) {
	var sent []address.Address
	m := NewManager6(bvll6.VMAC{9, 9, 9}, func(frame bvll6.Frame, dest address.Address) error {
		sent = append(sent, dest)
		return nil
	})

	fdVMAC := bvll6.VMAC{3, 3, 3}
	fdAddr := address.Local(append(append([]byte(nil), make([]byte, 15)...), fdVMAC[:]...))
	m.HandleFrame(bvll6.Frame{Function: bvll6.FuncRegisterForeignDevice, SourceVMAC: fdVMAC, Payload: []byte{0x00, 0x3C}}, fdAddr)
	sent = nil

	npdu, handled := m.HandleFrame(bvll6.Frame{Function: bvll6.FuncOriginalBroadcastNPDU, SourceVMAC: bvll6.VMAC{5, 5, 5}, Payload: []byte{0x01}}, address.Local([]byte{5, 5, 5}))
	assert.False(t, handled)
	assert.Nil(t, npdu)
	require.Len(t, sent, 1)
	assert.Equal(t, fdAddr.MAC, sent[0].MAC)
}
