// Package bvlcsc implements the BVLC-SC wire format carried inside
// WebSocket binary frames for BACnet/SC (ASHRAE 135 Annex AB.1): a 1-byte
// function, 1-byte control-flags, 2-byte big-endian message-id, optional
// 6-byte originating/destination VMACs, chained header options, and a
// payload.
package bvlcsc

import (
	"encoding/binary"
	"fmt"

	"bacstack/bacerr"
)

// Function codes, Annex AB.2.3.
const (
	FuncBVLCResult                = 0x00
	FuncEncapsulatedNPDU          = 0x01
	FuncAddressResolution         = 0x02
	FuncAddressResolutionACK      = 0x03
	FuncAdvertisiement            = 0x04
	FuncAdvertisementSolicitation = 0x05
	FuncConnectRequest            = 0x06
	FuncConnectAccept             = 0x07
	FuncDisconnectRequest         = 0x08
	FuncDisconnectACK             = 0x09
	FuncHeartbeatRequest          = 0x0A
	FuncHeartbeatACK              = 0x0B
	FuncProprietaryMessage        = 0x0C
)

// Control-flag bits, Annex AB.2.2.2.
const (
	ctrlDataOptions    = 0x01
	ctrlDestOptions    = 0x02
	ctrlDestVMAC       = 0x04
	ctrlOrigVMAC       = 0x08
)

// VMAC is the 6-byte BACnet/SC virtual MAC address.
type VMAC [6]byte

// BroadcastVMAC is the reserved all-ones broadcast destination.
var BroadcastVMAC = VMAC{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// HeaderOption is one entry of a chained header-option list, Annex
// AB.2.2.5.
type HeaderOption struct {
	Type          uint8
	MustUnderstand bool
	Data          []byte // nil if the option carries no length+data
}

// Message is a decoded BVLC-SC frame.
type Message struct {
	Function      uint8
	MessageID     uint16
	HasOrigVMAC   bool
	OrigVMAC      VMAC
	HasDestVMAC   bool
	DestVMAC      VMAC
	DestOptions   []HeaderOption
	DataOptions   []HeaderOption
	Payload       []byte
}

// Encode produces the wire bytes for m.
func Encode(m Message) ([]byte, error) {
	control := byte(0)
	if m.HasOrigVMAC {
		control |= ctrlOrigVMAC
	}
	if m.HasDestVMAC {
		control |= ctrlDestVMAC
	}
	if len(m.DestOptions) > 0 {
		control |= ctrlDestOptions
	}
	if len(m.DataOptions) > 0 {
		control |= ctrlDataOptions
	}

	out := []byte{m.Function, control, byte(m.MessageID >> 8), byte(m.MessageID)}
	if m.HasOrigVMAC {
		out = append(out, m.OrigVMAC[:]...)
	}
	if m.HasDestVMAC {
		out = append(out, m.DestVMAC[:]...)
	}
	if len(m.DestOptions) > 0 {
		out = append(out, encodeOptions(m.DestOptions)...)
	}
	if len(m.DataOptions) > 0 {
		out = append(out, encodeOptions(m.DataOptions)...)
	}
	out = append(out, m.Payload...)
	return out, nil
}

func encodeOptions(opts []HeaderOption) []byte {
	var out []byte
	for i, o := range opts {
		b0 := o.Type & 0x1F
		if o.MustUnderstand {
			b0 |= 0x20
		}
		more := i < len(opts)-1
		if more {
			b0 |= 0x40
		}
		if o.Data != nil {
			b0 |= 0x80
			out = append(out, b0)
			out = append(out, byte(len(o.Data)>>8), byte(len(o.Data)))
			out = append(out, o.Data...)
		} else {
			out = append(out, b0)
		}
	}
	return out
}

func decodeOptions(buf []byte) ([]HeaderOption, []byte, error) {
	var out []HeaderOption
	pos := 0
	for {
		if pos >= len(buf) {
			return nil, nil, &bacerr.CodecError{Op: "bvlcsc.decodeOptions", Err: fmt.Errorf("truncated header option list")}
		}
		b0 := buf[pos]
		pos++
		opt := HeaderOption{Type: b0 & 0x1F, MustUnderstand: b0&0x20 != 0}
		hasData := b0&0x80 != 0
		more := b0&0x40 != 0
		if hasData {
			if pos+2 > len(buf) {
				return nil, nil, &bacerr.CodecError{Op: "bvlcsc.decodeOptions", Err: fmt.Errorf("truncated option length")}
			}
			length := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
			pos += 2
			if pos+length > len(buf) {
				return nil, nil, &bacerr.CodecError{Op: "bvlcsc.decodeOptions", Err: fmt.Errorf("truncated option data")}
			}
			opt.Data = append([]byte(nil), buf[pos:pos+length]...)
			pos += length
		}
		out = append(out, opt)
		if !more {
			break
		}
	}
	return out, buf[pos:], nil
}

// Decode parses a BVLC-SC message from a single WebSocket binary frame.
func Decode(buf []byte) (Message, error) {
	if len(buf) < 4 {
		return Message{}, &bacerr.CodecError{Op: "bvlcsc.Decode", Err: fmt.Errorf("short message: %d bytes", len(buf))}
	}
	m := Message{Function: buf[0]}
	control := buf[1]
	m.MessageID = binary.BigEndian.Uint16(buf[2:4])
	pos := 4

	if control&ctrlOrigVMAC != 0 {
		if pos+6 > len(buf) {
			return Message{}, &bacerr.CodecError{Op: "bvlcsc.Decode", Err: fmt.Errorf("truncated originating VMAC")}
		}
		m.HasOrigVMAC = true
		copy(m.OrigVMAC[:], buf[pos:pos+6])
		pos += 6
	}
	if control&ctrlDestVMAC != 0 {
		if pos+6 > len(buf) {
			return Message{}, &bacerr.CodecError{Op: "bvlcsc.Decode", Err: fmt.Errorf("truncated destination VMAC")}
		}
		m.HasDestVMAC = true
		copy(m.DestVMAC[:], buf[pos:pos+6])
		pos += 6
	}
	if control&ctrlDestOptions != 0 {
		opts, rest, err := decodeOptions(buf[pos:])
		if err != nil {
			return Message{}, err
		}
		m.DestOptions = opts
		pos = len(buf) - len(rest)
	}
	if control&ctrlDataOptions != 0 {
		opts, rest, err := decodeOptions(buf[pos:])
		if err != nil {
			return Message{}, err
		}
		m.DataOptions = opts
		pos = len(buf) - len(rest)
	}
	m.Payload = append([]byte(nil), buf[pos:]...)
	return m, nil
}

// IsBroadcast reports whether m targets every hub peer: no destination
// VMAC, or an explicit broadcast VMAC.
func (m Message) IsBroadcast() bool {
	return !m.HasDestVMAC || m.DestVMAC == BroadcastVMAC
}

// NAK reason codes used in Connect-Accept/BVLC-Result, Annex AB.2.3.1.
const (
	ResultSuccess              = 0x0000
	ResultNodeDuplicateVMAC    = 0x0002
)

// ConnectRequest payload, Annex AB.2.3.8.
type ConnectRequest struct {
	VMAC     VMAC
	UUID     [16]byte
	MaxBVLC  uint16
	MaxNPDU  uint16
}

func (c ConnectRequest) Encode() []byte {
	out := make([]byte, 0, 26)
	out = append(out, c.VMAC[:]...)
	out = append(out, c.UUID[:]...)
	out = append(out, byte(c.MaxBVLC>>8), byte(c.MaxBVLC))
	out = append(out, byte(c.MaxNPDU>>8), byte(c.MaxNPDU))
	return out
}

func DecodeConnectRequest(payload []byte) (ConnectRequest, error) {
	if len(payload) != 26 {
		return ConnectRequest{}, &bacerr.CodecError{Op: "DecodeConnectRequest", Err: fmt.Errorf("expected 26 bytes, got %d", len(payload))}
	}
	var c ConnectRequest
	copy(c.VMAC[:], payload[0:6])
	copy(c.UUID[:], payload[6:22])
	c.MaxBVLC = binary.BigEndian.Uint16(payload[22:24])
	c.MaxNPDU = binary.BigEndian.Uint16(payload[24:26])
	return c, nil
}

// ConnectAccept has the identical shape to ConnectRequest (it echoes the
// acceptor's own identity back), Annex AB.2.3.9.
type ConnectAccept = ConnectRequest

func EncodeConnectAccept(a ConnectAccept) []byte       { return a.Encode() }
func DecodeConnectAccept(payload []byte) (ConnectAccept, error) { return DecodeConnectRequest(payload) }

// Result is the BVLC-Result payload, Annex AB.2.3.1: the function code
// being NAK'd (or acked) and a 2-byte result code.
type Result struct {
	Function uint8
	Code     uint16
}

func (r Result) Encode() []byte {
	return []byte{r.Function, byte(r.Code >> 8), byte(r.Code)}
}

func DecodeResult(payload []byte) (Result, error) {
	if len(payload) != 3 {
		return Result{}, &bacerr.CodecError{Op: "DecodeResult", Err: fmt.Errorf("expected 3 bytes, got %d", len(payload))}
	}
	return Result{Function: payload[0], Code: binary.BigEndian.Uint16(payload[1:3])}, nil
}
