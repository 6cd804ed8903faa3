// Package bvll implements the BACnet Virtual Link Layer framing used over
// UDP on IPv4 (ASHRAE 135 Annex J): a 1-byte BVLC type, 1-byte function,
// 2-byte big-endian total length, and a function-specific payload. Shaped
// after the teacher's encoding/gtp envelope (fixed header, variable tail)
// the same way package npdu is.
package bvll

import (
	"encoding/binary"
	"fmt"

	"bacstack/bacerr"
)

// DefaultPort is the well-known BACnet/IP UDP port, 0xBAC0.
const DefaultPort = 0xBAC0

const bvlcType = 0x81

// Function codes, Annex J.2.
const (
	FuncResult                       = 0x00
	FuncWriteBDT                     = 0x01
	FuncReadBDT                      = 0x02
	FuncReadBDTAck                   = 0x03
	FuncForwardedNPDU                = 0x04
	FuncRegisterForeignDevice        = 0x05
	FuncReadFDT                      = 0x06
	FuncReadFDTAck                   = 0x07
	FuncDeleteFDTEntry               = 0x08
	FuncDistributeBroadcastToNetwork = 0x09
	FuncOriginalUnicastNPDU          = 0x0A
	FuncOriginalBroadcastNPDU        = 0x0B
)

// Result codes, Annex J.2.9 (BVLC-Result).
const (
	ResultSuccessfulCompletion         = 0x0000
	ResultWriteBDTNAK                  = 0x0010
	ResultReadBDTNAK                   = 0x0020
	ResultRegisterForeignDeviceNAK     = 0x0030
	ResultReadFDTNAK                   = 0x0040
	ResultDeleteFDTEntryNAK            = 0x0050
	ResultDistributeBroadcastToNetworkNAK = 0x0060
)

// Frame is a decoded BVLL datagram.
type Frame struct {
	Function uint8
	Payload  []byte
}

// Encode produces the full BVLL datagram (header + payload).
func Encode(function uint8, payload []byte) ([]byte, error) {
	total := 4 + len(payload)
	if total > 0xFFFF {
		return nil, fmt.Errorf("bvll: frame too large: %d bytes", total)
	}
	out := make([]byte, 4, total)
	out[0] = bvlcType
	out[1] = function
	binary.BigEndian.PutUint16(out[2:4], uint16(total))
	out = append(out, payload...)
	return out, nil
}

// Decode parses a BVLL datagram, rejecting anything malformed. Callers
// must treat a decode error as "drop the frame, log once" per spec.md §7
// — CodecError is never surfaced to a peer.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < 4 {
		return Frame{}, &bacerr.CodecError{Op: "bvll.Decode", Err: fmt.Errorf("short frame: %d bytes", len(buf))}
	}
	if buf[0] != bvlcType {
		return Frame{}, &bacerr.CodecError{Op: "bvll.Decode", Err: fmt.Errorf("bad BVLC type 0x%02x", buf[0])}
	}
	total := binary.BigEndian.Uint16(buf[2:4])
	if int(total) != len(buf) {
		return Frame{}, &bacerr.CodecError{Op: "bvll.Decode", Err: fmt.Errorf("length field %d does not match datagram size %d", total, len(buf))}
	}
	return Frame{Function: buf[1], Payload: append([]byte(nil), buf[4:]...)}, nil
}

// EncodeForwardedNPDU wraps an NPDU with the 6-byte originating B/IP
// address ahead of it, per Annex J.4.3.1.
func EncodeForwardedNPDU(originating [6]byte, npduBytes []byte) []byte {
	out := make([]byte, 0, 6+len(npduBytes))
	out = append(out, originating[:]...)
	out = append(out, npduBytes...)
	return out
}

// DecodeForwardedNPDU splits a Forwarded-NPDU payload into the originating
// address and the NPDU bytes.
func DecodeForwardedNPDU(payload []byte) (originating [6]byte, npduBytes []byte, err error) {
	if len(payload) < 6 {
		return originating, nil, &bacerr.CodecError{Op: "bvll.DecodeForwardedNPDU", Err: fmt.Errorf("short payload: %d bytes", len(payload))}
	}
	copy(originating[:], payload[0:6])
	return originating, append([]byte(nil), payload[6:]...), nil
}

// EncodeResult encodes a BVLC-Result payload (a single 2-byte result
// code).
func EncodeResult(code uint16) []byte {
	return []byte{byte(code >> 8), byte(code)}
}

func DecodeResult(payload []byte) (uint16, error) {
	if len(payload) != 2 {
		return 0, &bacerr.CodecError{Op: "bvll.DecodeResult", Err: fmt.Errorf("expected 2 bytes, got %d", len(payload))}
	}
	return uint16(payload[0])<<8 | uint16(payload[1]), nil
}

// EncodeRegisterForeignDevice encodes the 2-byte TTL parameter.
func EncodeRegisterForeignDevice(ttlSeconds uint16) []byte {
	return []byte{byte(ttlSeconds >> 8), byte(ttlSeconds)}
}

func DecodeRegisterForeignDevice(payload []byte) (uint16, error) {
	if len(payload) != 2 {
		return 0, &bacerr.CodecError{Op: "bvll.DecodeRegisterForeignDevice", Err: fmt.Errorf("expected 2 bytes, got %d", len(payload))}
	}
	return uint16(payload[0])<<8 | uint16(payload[1]), nil
}

// EncodeDeleteFDTEntry encodes the 6-byte B/IP address of the entry to
// remove.
func EncodeDeleteFDTEntry(addr [6]byte) []byte { return addr[:] }

func DecodeDeleteFDTEntry(payload []byte) ([6]byte, error) {
	var addr [6]byte
	if len(payload) != 6 {
		return addr, &bacerr.CodecError{Op: "bvll.DecodeDeleteFDTEntry", Err: fmt.Errorf("expected 6 bytes, got %d", len(payload))}
	}
	copy(addr[:], payload)
	return addr, nil
}
