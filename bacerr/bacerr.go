// Package bacerr is the shared error taxonomy crossing every layer of the
// stack: protocol errors mirroring the wire Error PDU, Reject/Abort/Timeout
// outcomes of the transaction manager, and the two purely-local failure
// modes (TransportError, CodecError) that never cross the wire.
package bacerr

import "fmt"

// ErrorClass is the class half of a BACnetError (class, code) pair.
type ErrorClass int

const (
	ClassDevice ErrorClass = iota
	ClassObject
	ClassProperty
	ClassResources
	ClassSecurity
	ClassServices
	ClassVT
	ClassCommunication
)

func (c ErrorClass) String() string {
	switch c {
	case ClassDevice:
		return "DEVICE"
	case ClassObject:
		return "OBJECT"
	case ClassProperty:
		return "PROPERTY"
	case ClassResources:
		return "RESOURCES"
	case ClassSecurity:
		return "SECURITY"
	case ClassServices:
		return "SERVICES"
	case ClassVT:
		return "VT"
	case ClassCommunication:
		return "COMMUNICATION"
	default:
		return "UNKNOWN"
	}
}

// ErrorCode is the code half of a BACnetError (class, code) pair. Only the
// codes exercised by the object/property model and the framework's own
// service handlers are named; a full implementation follows ASHRAE 135
// Clause 18 for the rest.
type ErrorCode int

const (
	CodeOther ErrorCode = iota
	CodeInvalidArrayIndex
	CodePropertyIsNotAnArray
	CodeUnknownProperty
	CodeWriteAccessDenied
	CodeValueOutOfRange
	CodeDuplicateName
	CodeObjectIdentifierAlreadyExists
	CodeObjectDeletionNotPermitted
	CodeResourcesOther
	CodeInvalidTag
	CodeMissingRequiredParameter
	CodeDistributeBroadcastToNetworkNAK
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidArrayIndex:
		return "INVALID_ARRAY_INDEX"
	case CodePropertyIsNotAnArray:
		return "PROPERTY_IS_NOT_AN_ARRAY"
	case CodeUnknownProperty:
		return "UNKNOWN_PROPERTY"
	case CodeWriteAccessDenied:
		return "WRITE_ACCESS_DENIED"
	case CodeValueOutOfRange:
		return "VALUE_OUT_OF_RANGE"
	case CodeDuplicateName:
		return "DUPLICATE_NAME"
	case CodeObjectIdentifierAlreadyExists:
		return "OBJECT_IDENTIFIER_ALREADY_EXISTS"
	case CodeObjectDeletionNotPermitted:
		return "OBJECT_DELETION_NOT_PERMITTED"
	case CodeResourcesOther:
		return "RESOURCES_OTHER"
	case CodeInvalidTag:
		return "INVALID_TAG"
	case CodeMissingRequiredParameter:
		return "MISSING_REQUIRED_PARAMETER"
	case CodeDistributeBroadcastToNetworkNAK:
		return "DISTRIBUTE_BROADCAST_TO_NETWORK_NAK"
	default:
		return "OTHER"
	}
}

// BACnetError is a protocol-level error: it mirrors a wire Error PDU
// verbatim and is the only error type service handlers should return for
// domain failures (bad property, bad range, duplicate name, ...).
type BACnetError struct {
	Class ErrorClass
	Code  ErrorCode
}

func New(class ErrorClass, code ErrorCode) *BACnetError {
	return &BACnetError{Class: class, Code: code}
}

func (e *BACnetError) Error() string {
	return fmt.Sprintf("bacnet-error(%s, %s)", e.Class, e.Code)
}

// Reject is returned when a peer's request is malformed enough to warrant a
// Reject-PDU reply rather than a protocol error. Never retriable.
type Reject struct {
	Reason string
}

func (r *Reject) Error() string { return fmt.Sprintf("reject(%s)", r.Reason) }

// Abort terminates a transaction outright. ByServer records which side
// originated the abort, since that changes whether the local TSM retries.
type Abort struct {
	Reason   string
	ByServer bool
}

func (a *Abort) Error() string {
	return fmt.Sprintf("abort(%s, by_server=%v)", a.Reason, a.ByServer)
}

// Timeout is a purely local failure: every retry was exhausted without a
// matching reply.
type Timeout struct {
	InvokeID uint8
	Peer     string
}

func (t *Timeout) Error() string {
	return fmt.Sprintf("timeout waiting for invoke-id %d from %s", t.InvokeID, t.Peer)
}

// TransportError wraps an unrecoverable socket/WebSocket failure. It is
// never turned into a wire reply; it tears down the connection that
// produced it.
type TransportError struct {
	Op  string
	Err error
}

func (t *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", t.Op, t.Err) }
func (t *TransportError) Unwrap() error { return t.Err }

// CodecError marks malformed input. Per policy it is always swallowed at
// the point a frame is decoded — logged once, never surfaced as a protocol
// response — because it is either a bug or an attack, not a peer's
// considered request.
type CodecError struct {
	Op  string
	Err error
}

func (c *CodecError) Error() string { return fmt.Sprintf("codec %s: %v", c.Op, c.Err) }
func (c *CodecError) Unwrap() error { return c.Err }

// ErrSegmentedBroadcast is returned by the transaction manager when asked
// to segment an APDU addressed to a broadcast address. BACnet deprecates
// segmented broadcasts; this framework refuses to attempt one instead of
// guessing at interoperable behavior.
var ErrSegmentedBroadcast = &Reject{Reason: "segmentation of a broadcast request is not supported"}
