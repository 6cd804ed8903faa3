// Package npdu implements the Network Protocol Data Unit envelope (ASHRAE
// 135 Clause 6): version byte, control byte, optional routing fields, hop
// count, and either an APDU or a network-layer message. Its header-plus-
// variable-extension shape is grounded on the teacher's encoding/gtp
// package, the smallest self-contained envelope codec in the corpus.
package npdu

import (
	"fmt"

	"bacstack/bacerr"
)

const ProtocolVersion = 1

// Control-byte bits, Clause 6.2.2.
const (
	ctrlNetworkMessage  = 0x80
	ctrlDestPresent     = 0x20
	ctrlSrcPresent      = 0x08
	ctrlExpectingReply  = 0x04
	ctrlPriorityMask    = 0x03
)

// Priority levels, Clause 6.2.2.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityUrgent
	PriorityCritical
	PriorityLifeSafety
)

// NPDU is the decoded network-layer envelope.
type NPDU struct {
	IsNetworkMessage  bool
	ExpectingReply    bool
	Priority          Priority

	DNET []uint16 // present only when routing; length 0 or 1 in this stack (no source-routing lists)
	DLen uint8
	DADR []byte

	SNET uint16
	SLen uint8
	SADR []byte

	HopCount uint8 // present iff DNET is set

	// Exactly one of NetworkMessageType/APDU is meaningful, gated by
	// IsNetworkMessage.
	NetworkMessageType uint8
	VendorID           uint16 // present only for vendor-proprietary message types (>= 0x80)
	Payload            []byte // network-message parameters, or the raw APDU
}

// HasDNET reports whether this NPDU carries destination routing fields.
func (n NPDU) HasDNET() bool { return len(n.DNET) == 1 }

// HasSNET reports whether this NPDU carries source routing fields.
func (n NPDU) HasSNET() bool { return n.SNET != 0 }

// Encode produces the wire bytes for this NPDU.
func (n NPDU) Encode() ([]byte, error) {
	control := byte(0)
	if n.IsNetworkMessage {
		control |= ctrlNetworkMessage
	}
	if n.HasDNET() {
		control |= ctrlDestPresent
	}
	if n.HasSNET() {
		control |= ctrlSrcPresent
	}
	if n.ExpectingReply {
		control |= ctrlExpectingReply
	}
	control |= byte(n.Priority) & ctrlPriorityMask

	out := []byte{ProtocolVersion, control}

	if n.HasDNET() {
		dnet := n.DNET[0]
		out = append(out, byte(dnet>>8), byte(dnet))
		out = append(out, n.DLen)
		out = append(out, n.DADR...)
	}
	if n.HasSNET() {
		out = append(out, byte(n.SNET>>8), byte(n.SNET))
		out = append(out, n.SLen)
		out = append(out, n.SADR...)
	}
	if n.HasDNET() {
		out = append(out, n.HopCount)
	}

	if n.IsNetworkMessage {
		out = append(out, n.NetworkMessageType)
		if n.NetworkMessageType >= 0x80 {
			out = append(out, byte(n.VendorID>>8), byte(n.VendorID))
		}
	}
	out = append(out, n.Payload...)
	return out, nil
}

// Decode parses an NPDU from the front of buf.
func Decode(buf []byte) (NPDU, error) {
	if len(buf) < 2 {
		return NPDU{}, &bacerr.CodecError{Op: "npdu.Decode", Err: fmt.Errorf("short NPDU: %d bytes", len(buf))}
	}
	if buf[0] != ProtocolVersion {
		return NPDU{}, &bacerr.CodecError{Op: "npdu.Decode", Err: fmt.Errorf("unsupported NPDU version %d", buf[0])}
	}
	control := buf[1]
	n := NPDU{
		IsNetworkMessage: control&ctrlNetworkMessage != 0,
		ExpectingReply:   control&ctrlExpectingReply != 0,
		Priority:         Priority(control & ctrlPriorityMask),
	}
	pos := 2

	hasDNET := control&ctrlDestPresent != 0
	hasSNET := control&ctrlSrcPresent != 0

	if hasDNET {
		if pos+3 > len(buf) {
			return NPDU{}, &bacerr.CodecError{Op: "npdu.Decode", Err: fmt.Errorf("truncated DNET/DLEN")}
		}
		dnet := uint16(buf[pos])<<8 | uint16(buf[pos+1])
		dlen := buf[pos+2]
		pos += 3
		if pos+int(dlen) > len(buf) {
			return NPDU{}, &bacerr.CodecError{Op: "npdu.Decode", Err: fmt.Errorf("truncated DADR")}
		}
		n.DNET = []uint16{dnet}
		n.DLen = dlen
		n.DADR = append([]byte(nil), buf[pos:pos+int(dlen)]...)
		pos += int(dlen)
	}

	if hasSNET {
		if pos+3 > len(buf) {
			return NPDU{}, &bacerr.CodecError{Op: "npdu.Decode", Err: fmt.Errorf("truncated SNET/SLEN")}
		}
		n.SNET = uint16(buf[pos])<<8 | uint16(buf[pos+1])
		n.SLen = buf[pos+2]
		pos += 3
		if pos+int(n.SLen) > len(buf) {
			return NPDU{}, &bacerr.CodecError{Op: "npdu.Decode", Err: fmt.Errorf("truncated SADR")}
		}
		n.SADR = append([]byte(nil), buf[pos:pos+int(n.SLen)]...)
		pos += int(n.SLen)
	}

	if hasDNET {
		if pos >= len(buf) {
			return NPDU{}, &bacerr.CodecError{Op: "npdu.Decode", Err: fmt.Errorf("truncated hop count")}
		}
		n.HopCount = buf[pos]
		pos++
	}

	if n.IsNetworkMessage {
		if pos >= len(buf) {
			return NPDU{}, &bacerr.CodecError{Op: "npdu.Decode", Err: fmt.Errorf("truncated network message type")}
		}
		n.NetworkMessageType = buf[pos]
		pos++
		if n.NetworkMessageType >= 0x80 {
			if pos+2 > len(buf) {
				return NPDU{}, &bacerr.CodecError{Op: "npdu.Decode", Err: fmt.Errorf("truncated vendor id")}
			}
			n.VendorID = uint16(buf[pos])<<8 | uint16(buf[pos+1])
			pos += 2
		}
	}

	n.Payload = append([]byte(nil), buf[pos:]...)
	return n, nil
}
