// Package bvll6 implements the BACnet/IPv6 virtual link layer framing
// (ASHRAE 135 Annex U): 1-byte type, 1-byte function, 2-byte length,
// always-present 3-byte source VMAC, and an optional destination VMAC /
// originating address depending on function.
package bvll6

import (
	"encoding/binary"
	"fmt"

	"bacstack/bacerr"
)

const bvlcType = 0x82

// DefaultMulticastGroup is the link-local BACnet/IPv6 multicast address,
// Annex U.2.2.1.
const DefaultMulticastGroup = "ff02::bac0"

// DefaultPort mirrors the IPv4 well-known port, Annex U.1.
const DefaultPort = 0xBAC0

// Function codes, Annex U.2.
const (
	FuncResult                       = 0x00
	FuncOriginalUnicastNPDU          = 0x01
	FuncOriginalBroadcastNPDU        = 0x02
	FuncAddressResolution            = 0x03
	FuncAddressResolutionAck         = 0x04
	FuncVirtualAddressResolution     = 0x05
	FuncVirtualAddressResolutionAck  = 0x06
	FuncForwardedNPDU                = 0x07
	FuncRegisterForeignDevice        = 0x08
	FuncDeleteForeignDeviceTableEntry = 0x09
	FuncDistributeBroadcastToNetwork = 0x0A
)

// VMAC is the 3-byte BACnet/IPv6 virtual MAC address, Annex U.1.
type VMAC [3]byte

// Frame is a decoded BVLL6 datagram.
type Frame struct {
	Function    uint8
	SourceVMAC  VMAC
	HasDestVMAC bool
	DestVMAC    VMAC
	Payload     []byte
}

// Encode produces the full BVLL6 datagram.
func Encode(f Frame) ([]byte, error) {
	out := []byte{bvlcType, f.Function, 0, 0}
	out = append(out, f.SourceVMAC[:]...)
	if f.HasDestVMAC {
		out = append(out, f.DestVMAC[:]...)
	}
	out = append(out, f.Payload...)
	if len(out) > 0xFFFF {
		return nil, fmt.Errorf("bvll6: frame too large: %d bytes", len(out))
	}
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))
	return out, nil
}

// Decode parses a BVLL6 datagram. destVMACPresent tells the decoder whether
// function implies a destination VMAC is present, since unlike BVLL the
// function set mixes unicast/broadcast/management frames with different
// shapes.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < 8 {
		return Frame{}, &bacerr.CodecError{Op: "bvll6.Decode", Err: fmt.Errorf("short frame: %d bytes", len(buf))}
	}
	if buf[0] != bvlcType {
		return Frame{}, &bacerr.CodecError{Op: "bvll6.Decode", Err: fmt.Errorf("bad BVLC type 0x%02x", buf[0])}
	}
	total := binary.BigEndian.Uint16(buf[2:4])
	if int(total) != len(buf) {
		return Frame{}, &bacerr.CodecError{Op: "bvll6.Decode", Err: fmt.Errorf("length field %d does not match datagram size %d", total, len(buf))}
	}
	f := Frame{Function: buf[1]}
	copy(f.SourceVMAC[:], buf[4:7])
	pos := 7

	if destVMACPresent(f.Function) {
		if pos+3 > len(buf) {
			return Frame{}, &bacerr.CodecError{Op: "bvll6.Decode", Err: fmt.Errorf("truncated destination VMAC")}
		}
		f.HasDestVMAC = true
		copy(f.DestVMAC[:], buf[pos:pos+3])
		pos += 3
	}
	f.Payload = append([]byte(nil), buf[pos:]...)
	return f, nil
}

func destVMACPresent(function uint8) bool {
	switch function {
	case FuncOriginalUnicastNPDU:
		return true
	default:
		return false
	}
}

// EncodeForwardedNPDU wraps an NPDU with the 18-byte originating B/IPv6
// address, per Annex U.2.2.8.
func EncodeForwardedNPDU(originating [18]byte, npduBytes []byte) []byte {
	out := make([]byte, 0, 18+len(npduBytes))
	out = append(out, originating[:]...)
	out = append(out, npduBytes...)
	return out
}

func DecodeForwardedNPDU(payload []byte) (originating [18]byte, npduBytes []byte, err error) {
	if len(payload) < 18 {
		return originating, nil, &bacerr.CodecError{Op: "bvll6.DecodeForwardedNPDU", Err: fmt.Errorf("short payload: %d bytes", len(payload))}
	}
	copy(originating[:], payload[0:18])
	return originating, append([]byte(nil), payload[18:]...), nil
}

// EncodeAddressResolutionAck carries the 16-byte IPv6 address + 2-byte
// port matching a queried VMAC, Annex U.2.2.5.
func EncodeAddressResolutionAck(ip [16]byte, port uint16) []byte {
	out := make([]byte, 18)
	copy(out[0:16], ip[:])
	binary.BigEndian.PutUint16(out[16:18], port)
	return out
}

func DecodeAddressResolutionAck(payload []byte) (ip [16]byte, port uint16, err error) {
	if len(payload) != 18 {
		return ip, 0, &bacerr.CodecError{Op: "bvll6.DecodeAddressResolutionAck", Err: fmt.Errorf("expected 18 bytes, got %d", len(payload))}
	}
	copy(ip[:], payload[0:16])
	port = uint16(payload[16])<<8 | uint16(payload[17])
	return ip, port, nil
}
