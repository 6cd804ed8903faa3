// Package cov implements change-of-value subscriptions and notification
// delivery (ASHRAE 135 Clause 13.1), grounded on
// original_source/src/bac_py/services and generalized from the teacher's
// session-struct-plus-map shape (cmd/gnbsim_sctp.go's per-peer session
// map, here per-subscriber).
package cov

import (
	"fmt"

	"bacstack/bacerr"
	"bacstack/objects"
	"bacstack/primitive"
	"bacstack/tag"
)

// PropertyValue is one (property, value) pair inside a notification's
// list-of-values, Clause 13.1.1's BACnetPropertyValue.
type PropertyValue struct {
	Property objects.PropertyIdentifier
	Value    primitive.Value
}

// Notification is the service-data payload shared by ConfirmedCOVNotification
// and UnconfirmedCOVNotification (they differ only in the enclosing APDU
// type, not in parameter layout).
type Notification struct {
	ProcessID         uint32
	InitiatingDevice  primitive.ObjectIdentifier
	MonitoredObject   primitive.ObjectIdentifier
	TimeRemaining     uint32
	Values            []PropertyValue
}

// Encode produces the context-tagged parameter sequence, Clause 13.1.1's
// parameter list 0..4.
func (n Notification) Encode() ([]byte, error) {
	var out []byte

	b, err := primitive.EncodeContext(0, primitive.Unsigned(uint64(n.ProcessID)))
	if err != nil {
		return nil, err
	}
	out = append(out, b...)

	b, err = primitive.EncodeContext(1, primitive.ObjectID(n.InitiatingDevice.Type, n.InitiatingDevice.Instance))
	if err != nil {
		return nil, err
	}
	out = append(out, b...)

	b, err = primitive.EncodeContext(2, primitive.ObjectID(n.MonitoredObject.Type, n.MonitoredObject.Instance))
	if err != nil {
		return nil, err
	}
	out = append(out, b...)

	b, err = primitive.EncodeContext(3, primitive.Unsigned(uint64(n.TimeRemaining)))
	if err != nil {
		return nil, err
	}
	out = append(out, b...)

	open, err := tag.EncodeTag(4, tag.ClassContext, tag.MarkerOpening, 0)
	if err != nil {
		return nil, err
	}
	out = append(out, open...)
	for _, pv := range n.Values {
		propTag, err := primitive.EncodeContext(0, primitive.Enumerated(uint64(pv.Property)))
		if err != nil {
			return nil, err
		}
		out = append(out, propTag...)

		valOpen, err := tag.EncodeTag(2, tag.ClassContext, tag.MarkerOpening, 0)
		if err != nil {
			return nil, err
		}
		valBody, err := primitive.Encode(pv.Value)
		if err != nil {
			return nil, err
		}
		valClose, err := tag.EncodeTag(2, tag.ClassContext, tag.MarkerClosing, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, valOpen...)
		out = append(out, valBody...)
		out = append(out, valClose...)
	}
	close, err := tag.EncodeTag(4, tag.ClassContext, tag.MarkerClosing, 0)
	if err != nil {
		return nil, err
	}
	out = append(out, close...)
	return out, nil
}

// DecodeNotification parses the parameter sequence Encode produces.
func DecodeNotification(buf []byte) (Notification, error) {
	var n Notification
	offset := 0

	v, next, err := primitive.DecodeContext(buf, offset, 0, primitive.KindUnsigned)
	if err != nil {
		return n, &bacerr.CodecError{Op: "DecodeNotification", Err: err}
	}
	n.ProcessID = uint32(v.Unsigned)
	offset = next

	v, next, err = primitive.DecodeContext(buf, offset, 1, primitive.KindObjectIdentifier)
	if err != nil {
		return n, &bacerr.CodecError{Op: "DecodeNotification", Err: err}
	}
	n.InitiatingDevice = v.ObjectID
	offset = next

	v, next, err = primitive.DecodeContext(buf, offset, 2, primitive.KindObjectIdentifier)
	if err != nil {
		return n, &bacerr.CodecError{Op: "DecodeNotification", Err: err}
	}
	n.MonitoredObject = v.ObjectID
	offset = next

	v, next, err = primitive.DecodeContext(buf, offset, 3, primitive.KindUnsigned)
	if err != nil {
		return n, &bacerr.CodecError{Op: "DecodeNotification", Err: err}
	}
	n.TimeRemaining = uint32(v.Unsigned)
	offset = next

	listBody, next, err := tag.ExtractContextValue(buf, offset, 4)
	if err != nil {
		return n, &bacerr.CodecError{Op: "DecodeNotification", Err: err}
	}
	offset = next

	pos := 0
	for pos < len(listBody) {
		prop, propNext, err := primitive.DecodeContext(listBody, pos, 0, primitive.KindEnumerated)
		if err != nil {
			return n, &bacerr.CodecError{Op: "DecodeNotification", Err: err}
		}
		pos = propNext

		valBody, valNext, err := tag.ExtractContextValue(listBody, pos, 2)
		if err != nil {
			return n, &bacerr.CodecError{Op: "DecodeNotification", Err: err}
		}
		pos = valNext

		val, _, err := primitive.Decode(valBody, 0)
		if err != nil {
			return n, &bacerr.CodecError{Op: "DecodeNotification", Err: err}
		}
		n.Values = append(n.Values, PropertyValue{Property: objects.PropertyIdentifier(prop.Unsigned), Value: val})
	}

	if offset != len(buf) {
		return n, &bacerr.CodecError{Op: "DecodeNotification", Err: fmt.Errorf("trailing %d bytes", len(buf)-offset)}
	}
	return n, nil
}
