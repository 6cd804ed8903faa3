// Package apdu implements APDU framing (ASHRAE 135 Clause 20.1): the eight
// PDU types distinguished by the high nibble of byte 0, confirmed-request
// and complex-ACK segmentation fields, and the typed outcomes (Error,
// Reject, Abort) that cross into bacerr at the transaction-manager
// boundary. The per-PDU struct-plus-Encode/Decode shape mirrors the
// teacher's encoding/gtp package: one small envelope type per message kind
// sharing a common header.
package apdu

import (
	"fmt"

	"bacstack/bacerr"
)

// PDUType is the high nibble of APDU byte 0.
type PDUType uint8

const (
	TypeConfirmedRequest PDUType = iota
	TypeUnconfirmedRequest
	TypeSimpleACK
	TypeComplexACK
	TypeSegmentACK
	TypeError
	TypeReject
	TypeAbort
)

func (p PDUType) String() string {
	names := [...]string{
		"ConfirmedRequest", "UnconfirmedRequest", "SimpleACK", "ComplexACK",
		"SegmentACK", "Error", "Reject", "Abort",
	}
	if int(p) < len(names) {
		return names[p]
	}
	return "Unknown"
}

// ConfirmedRequest is the PDU used for every service the requester expects
// a reply to, carrying the segmentation/invoke-id/service fields.
type ConfirmedRequest struct {
	Segmented        bool
	MoreFollows      bool
	SegmentedResponseAccepted bool
	MaxSegmentsAccepted uint8 // segment count; Encode maps it to the 3-bit code via maxSegmentsCode
	MaxAPDULengthAccepted uint16
	InvokeID         uint8
	SequenceNumber   uint8 // valid only if Segmented
	ProposedWindowSize uint8 // valid only if Segmented
	ServiceChoice    uint8
	ServiceData      []byte
}

// Encode produces the wire bytes for a ConfirmedRequest.
func (c ConfirmedRequest) Encode() ([]byte, error) {
	b0 := byte(TypeConfirmedRequest) << 4
	if c.Segmented {
		b0 |= 0x08
	}
	if c.MoreFollows {
		b0 |= 0x04
	}
	if c.SegmentedResponseAccepted {
		b0 |= 0x02
	}
	b1 := (maxSegmentsCode(c.MaxSegmentsAccepted) << 4) | maxAPDULengthCode(c.MaxAPDULengthAccepted)

	out := []byte{b0, b1, c.InvokeID}
	if c.Segmented {
		out = append(out, c.SequenceNumber, c.ProposedWindowSize)
	}
	out = append(out, c.ServiceChoice)
	out = append(out, c.ServiceData...)
	return out, nil
}

// DecodeConfirmedRequest decodes byte 0 onward. Enforces "segmented ⇒ ≥6
// bytes" per spec.md §4.1.
func DecodeConfirmedRequest(buf []byte) (ConfirmedRequest, error) {
	if len(buf) < 3 {
		return ConfirmedRequest{}, &bacerr.CodecError{Op: "DecodeConfirmedRequest", Err: fmt.Errorf("short PDU: %d bytes", len(buf))}
	}
	if PDUType(buf[0]>>4) != TypeConfirmedRequest {
		return ConfirmedRequest{}, &bacerr.CodecError{Op: "DecodeConfirmedRequest", Err: fmt.Errorf("not a ConfirmedRequest PDU")}
	}
	c := ConfirmedRequest{
		Segmented:                 buf[0]&0x08 != 0,
		MoreFollows:               buf[0]&0x04 != 0,
		SegmentedResponseAccepted: buf[0]&0x02 != 0,
	}
	c.MaxSegmentsAccepted = maxSegmentsFromCode(buf[1] >> 4)
	c.MaxAPDULengthAccepted = maxAPDULengthFromCode(buf[1] & 0x0F)
	c.InvokeID = buf[2]

	if c.Segmented {
		if len(buf) < 6 {
			return ConfirmedRequest{}, &bacerr.CodecError{Op: "DecodeConfirmedRequest", Err: fmt.Errorf("segmented PDU requires >= 6 bytes, got %d", len(buf))}
		}
		c.SequenceNumber = buf[3]
		c.ProposedWindowSize = buf[4]
		c.ServiceChoice = buf[5]
		c.ServiceData = append([]byte(nil), buf[6:]...)
		return c, nil
	}
	c.ServiceChoice = buf[3]
	c.ServiceData = append([]byte(nil), buf[4:]...)
	return c, nil
}

// UnconfirmedRequest carries no invoke-id and never segments.
type UnconfirmedRequest struct {
	ServiceChoice uint8
	ServiceData   []byte
}

func (u UnconfirmedRequest) Encode() ([]byte, error) {
	b0 := byte(TypeUnconfirmedRequest) << 4
	out := []byte{b0, u.ServiceChoice}
	out = append(out, u.ServiceData...)
	return out, nil
}

func DecodeUnconfirmedRequest(buf []byte) (UnconfirmedRequest, error) {
	if len(buf) < 2 {
		return UnconfirmedRequest{}, &bacerr.CodecError{Op: "DecodeUnconfirmedRequest", Err: fmt.Errorf("short PDU")}
	}
	return UnconfirmedRequest{ServiceChoice: buf[1], ServiceData: append([]byte(nil), buf[2:]...)}, nil
}

// SimpleACK acknowledges a confirmed request with no data payload.
type SimpleACK struct {
	InvokeID      uint8
	ServiceChoice uint8
}

func (s SimpleACK) Encode() ([]byte, error) {
	return []byte{byte(TypeSimpleACK) << 4, s.InvokeID, s.ServiceChoice}, nil
}

func DecodeSimpleACK(buf []byte) (SimpleACK, error) {
	if len(buf) < 3 {
		return SimpleACK{}, &bacerr.CodecError{Op: "DecodeSimpleACK", Err: fmt.Errorf("short PDU")}
	}
	return SimpleACK{InvokeID: buf[1], ServiceChoice: buf[2]}, nil
}

// ComplexACK carries a data payload and may itself be segmented.
type ComplexACK struct {
	Segmented          bool
	MoreFollows        bool
	InvokeID           uint8
	SequenceNumber     uint8
	ProposedWindowSize uint8
	ServiceChoice      uint8
	ServiceData        []byte
}

func (c ComplexACK) Encode() ([]byte, error) {
	b0 := byte(TypeComplexACK) << 4
	if c.Segmented {
		b0 |= 0x08
	}
	if c.MoreFollows {
		b0 |= 0x04
	}
	out := []byte{b0, c.InvokeID}
	if c.Segmented {
		out = append(out, c.SequenceNumber, c.ProposedWindowSize)
	}
	out = append(out, c.ServiceChoice)
	out = append(out, c.ServiceData...)
	return out, nil
}

// DecodeComplexACK enforces "segmented ⇒ ≥5 bytes" per spec.md §4.1.
func DecodeComplexACK(buf []byte) (ComplexACK, error) {
	if len(buf) < 2 {
		return ComplexACK{}, &bacerr.CodecError{Op: "DecodeComplexACK", Err: fmt.Errorf("short PDU")}
	}
	c := ComplexACK{
		Segmented:   buf[0]&0x08 != 0,
		MoreFollows: buf[0]&0x04 != 0,
		InvokeID:    buf[1],
	}
	if c.Segmented {
		if len(buf) < 5 {
			return ComplexACK{}, &bacerr.CodecError{Op: "DecodeComplexACK", Err: fmt.Errorf("segmented ComplexACK requires >= 5 bytes, got %d", len(buf))}
		}
		c.SequenceNumber = buf[2]
		c.ProposedWindowSize = buf[3]
		c.ServiceChoice = buf[4]
		c.ServiceData = append([]byte(nil), buf[5:]...)
		return c, nil
	}
	c.ServiceChoice = buf[2]
	c.ServiceData = append([]byte(nil), buf[3:]...)
	return c, nil
}

// SegmentACK acknowledges receipt of a window of segments, positively or
// negatively (a gap in sequence numbers, spec.md §4.6).
type SegmentACK struct {
	NegativeACK        bool
	Server             bool // set when sent by the server (responder) side
	InvokeID           uint8
	SequenceNumber     uint8
	ActualWindowSize   uint8
}

func (s SegmentACK) Encode() ([]byte, error) {
	b0 := byte(TypeSegmentACK) << 4
	if s.NegativeACK {
		b0 |= 0x02
	}
	if s.Server {
		b0 |= 0x01
	}
	return []byte{b0, s.InvokeID, s.SequenceNumber, s.ActualWindowSize}, nil
}

func DecodeSegmentACK(buf []byte) (SegmentACK, error) {
	if len(buf) < 4 {
		return SegmentACK{}, &bacerr.CodecError{Op: "DecodeSegmentACK", Err: fmt.Errorf("short PDU")}
	}
	return SegmentACK{
		NegativeACK:      buf[0]&0x02 != 0,
		Server:           buf[0]&0x01 != 0,
		InvokeID:         buf[1],
		SequenceNumber:   buf[2],
		ActualWindowSize: buf[3],
	}, nil
}

// Error mirrors a wire Error-PDU: the (class, code) pair plus the choice
// of the service that failed.
type Error struct {
	InvokeID      uint8
	ServiceChoice uint8
	Class         bacerr.ErrorClass
	Code          bacerr.ErrorCode
}

func (e Error) Encode() ([]byte, error) {
	return []byte{byte(TypeError) << 4, e.InvokeID, e.ServiceChoice, byte(e.Class), byte(e.Code)}, nil
}

func DecodeError(buf []byte) (Error, error) {
	if len(buf) < 5 {
		return Error{}, &bacerr.CodecError{Op: "DecodeError", Err: fmt.Errorf("short PDU")}
	}
	return Error{
		InvokeID:      buf[1],
		ServiceChoice: buf[2],
		Class:         bacerr.ErrorClass(buf[3]),
		Code:          bacerr.ErrorCode(buf[4]),
	}, nil
}

// Reject carries a reason code, Clause 20.1.6.
type Reject struct {
	InvokeID uint8
	Reason   uint8
}

func (r Reject) Encode() ([]byte, error) {
	return []byte{byte(TypeReject) << 4, r.InvokeID, r.Reason}, nil
}

func DecodeReject(buf []byte) (Reject, error) {
	if len(buf) < 3 {
		return Reject{}, &bacerr.CodecError{Op: "DecodeReject", Err: fmt.Errorf("short PDU")}
	}
	return Reject{InvokeID: buf[1], Reason: buf[2]}, nil
}

// Abort carries a reason code and which side originated it, Clause 20.1.7.
type Abort struct {
	ByServer bool
	InvokeID uint8
	Reason   uint8
}

func (a Abort) Encode() ([]byte, error) {
	b0 := byte(TypeAbort) << 4
	if a.ByServer {
		b0 |= 0x01
	}
	return []byte{b0, a.InvokeID, a.Reason}, nil
}

func DecodeAbort(buf []byte) (Abort, error) {
	if len(buf) < 3 {
		return Abort{}, &bacerr.CodecError{Op: "DecodeAbort", Err: fmt.Errorf("short PDU")}
	}
	return Abort{ByServer: buf[0]&0x01 != 0, InvokeID: buf[1], Reason: buf[2]}, nil
}

// PeekType returns the PDU type of an encoded APDU without fully decoding
// it, letting the transaction manager dispatch to the right decoder.
func PeekType(buf []byte) (PDUType, error) {
	if len(buf) == 0 {
		return 0, &bacerr.CodecError{Op: "PeekType", Err: fmt.Errorf("empty APDU")}
	}
	return PDUType(buf[0] >> 4), nil
}

// maxSegmentsCode/maxAPDULengthCode implement the 3-/4-bit enumerations of
// Clause 20.1.2.4/20.1.2.5. Only the values the stack actually negotiates
// are mapped; others round up to the next supported value.
func maxSegmentsCode(n uint8) byte {
	switch {
	case n == 0:
		return 0
	case n <= 2:
		return 1
	case n <= 4:
		return 2
	case n <= 8:
		return 3
	case n <= 16:
		return 4
	case n <= 32:
		return 5
	case n <= 64:
		return 6
	default:
		return 7 // "greater than 64" / unspecified
	}
}

func maxSegmentsFromCode(code byte) uint8 {
	table := [...]uint8{0, 2, 4, 8, 16, 32, 64, 255}
	if int(code) < len(table) {
		return table[code]
	}
	return 255
}

func maxAPDULengthCode(n uint16) byte {
	switch {
	case n <= 50:
		return 0
	case n <= 128:
		return 1
	case n <= 206:
		return 2
	case n <= 480:
		return 3
	case n <= 1024:
		return 4
	default:
		return 5 // 1476 upper bound used by this stack's transports
	}
}

func maxAPDULengthFromCode(code byte) uint16 {
	table := [...]uint16{50, 128, 206, 480, 1024, 1476}
	if int(code) < len(table) {
		return table[code]
	}
	return 1476
}
