package npdu

import (
	"fmt"

	"bacstack/bacerr"
)

// Network-layer message types, Clause 6.4.
const (
	MsgWhoIsRouterToNetwork   = 0x00
	MsgIAmRouterToNetwork     = 0x01
	MsgICouldBeRouterToNetwork = 0x02
	MsgRejectMessageToNetwork = 0x03
	MsgRouterBusyToNetwork    = 0x04
	MsgRouterAvailableToNetwork = 0x05
	MsgInitializeRoutingTable = 0x06
	MsgInitializeRoutingTableAck = 0x07
	MsgEstablishConnectionToNetwork = 0x08
	MsgDisconnectConnectionToNetwork = 0x09
	MsgWhatIsNetworkNumber    = 0x12
	MsgNetworkNumberIs        = 0x13
)

// MaxNetworkListEntries bounds decode-time allocation for
// I-Am-Router-To-Network / Initialize-Routing-Table network lists, per
// spec.md §4.5's "enforce a decode-time cap to bound memory against
// crafted I-Am-Router floods".
const MaxNetworkListEntries = 4096

// RejectReason, Clause 6.4.1.3.
type RejectReason uint8

const (
	RejectOtherError RejectReason = iota + 1
	RejectUnknownNetwork
	RejectRouterBusy
	RejectUnknownMessageType
	RejectMessageTooLong
	RejectSecurityError
	RejectAddressingError
)

// EncodeWhoIsRouterToNetwork encodes the optional single-network query.
// net == 0 means "any network" (the parameter is omitted on the wire).
func EncodeWhoIsRouterToNetwork(net uint16) []byte {
	if net == 0 {
		return nil
	}
	return []byte{byte(net >> 8), byte(net)}
}

func DecodeWhoIsRouterToNetwork(payload []byte) (uint16, error) {
	if len(payload) == 0 {
		return 0, nil
	}
	if len(payload) != 2 {
		return 0, &bacerr.CodecError{Op: "DecodeWhoIsRouterToNetwork", Err: fmt.Errorf("expected 0 or 2 bytes, got %d", len(payload))}
	}
	return uint16(payload[0])<<8 | uint16(payload[1]), nil
}

// EncodeNetworkList encodes a list of 2-byte network numbers, used by
// I-Am-Router-To-Network, Initialize-Routing-Table's per-port entries
// (network part), and Network-Number-Is.
func EncodeNetworkList(networks []uint16) []byte {
	out := make([]byte, 0, len(networks)*2)
	for _, n := range networks {
		out = append(out, byte(n>>8), byte(n))
	}
	return out
}

func DecodeNetworkList(payload []byte) ([]uint16, error) {
	if len(payload)%2 != 0 {
		return nil, &bacerr.CodecError{Op: "DecodeNetworkList", Err: fmt.Errorf("odd-length network list: %d bytes", len(payload))}
	}
	count := len(payload) / 2
	if count > MaxNetworkListEntries {
		return nil, &bacerr.CodecError{Op: "DecodeNetworkList", Err: fmt.Errorf("network list has %d entries, exceeds cap %d", count, MaxNetworkListEntries)}
	}
	out := make([]uint16, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, uint16(payload[2*i])<<8|uint16(payload[2*i+1]))
	}
	return out, nil
}

// RejectMessageToNetwork payload: 1-byte reason + 2-byte network number.
type RejectMessageToNetworkMsg struct {
	Reason  RejectReason
	Network uint16
}

func (m RejectMessageToNetworkMsg) Encode() []byte {
	return []byte{byte(m.Reason), byte(m.Network >> 8), byte(m.Network)}
}

func DecodeRejectMessageToNetwork(payload []byte) (RejectMessageToNetworkMsg, error) {
	if len(payload) != 3 {
		return RejectMessageToNetworkMsg{}, &bacerr.CodecError{Op: "DecodeRejectMessageToNetwork", Err: fmt.Errorf("expected 3 bytes, got %d", len(payload))}
	}
	return RejectMessageToNetworkMsg{
		Reason:  RejectReason(payload[0]),
		Network: uint16(payload[1])<<8 | uint16(payload[2]),
	}, nil
}

// InitializeRoutingTable port entry, Clause 6.4.3: network number, port
// id, port info length, port info.
type RoutingTableEntry struct {
	Network  uint16
	PortID   uint8
	PortInfo []byte
}

func EncodeInitializeRoutingTable(entries []RoutingTableEntry) []byte {
	out := []byte{byte(len(entries))}
	for _, e := range entries {
		out = append(out, byte(e.Network>>8), byte(e.Network), e.PortID, byte(len(e.PortInfo)))
		out = append(out, e.PortInfo...)
	}
	return out
}

func DecodeInitializeRoutingTable(payload []byte) ([]RoutingTableEntry, error) {
	if len(payload) < 1 {
		return nil, &bacerr.CodecError{Op: "DecodeInitializeRoutingTable", Err: fmt.Errorf("empty payload")}
	}
	count := int(payload[0])
	if count > MaxNetworkListEntries {
		return nil, &bacerr.CodecError{Op: "DecodeInitializeRoutingTable", Err: fmt.Errorf("%d entries exceeds cap %d", count, MaxNetworkListEntries)}
	}
	pos := 1
	out := make([]RoutingTableEntry, 0, count)
	for i := 0; i < count; i++ {
		if pos+4 > len(payload) {
			return nil, &bacerr.CodecError{Op: "DecodeInitializeRoutingTable", Err: fmt.Errorf("truncated entry %d", i)}
		}
		net := uint16(payload[pos])<<8 | uint16(payload[pos+1])
		port := payload[pos+2]
		infoLen := int(payload[pos+3])
		pos += 4
		if pos+infoLen > len(payload) {
			return nil, &bacerr.CodecError{Op: "DecodeInitializeRoutingTable", Err: fmt.Errorf("truncated port info for entry %d", i)}
		}
		out = append(out, RoutingTableEntry{Network: net, PortID: port, PortInfo: append([]byte(nil), payload[pos:pos+infoLen]...)})
		pos += infoLen
	}
	return out, nil
}
