// Package service encodes and decodes the service-data payloads for the
// handful of confirmed and unconfirmed services this stack exposes end
// to end: Who-Is/I-Am, ReadProperty, WriteProperty, and SubscribeCOV
// (spec.md §6's "a handful needed to illustrate the encoding contract").
// Each type mirrors cov.Notification's shape: a plain Go struct plus
// Encode/Decode methods built directly on tag/primitive, grounded on
// ASHRAE 135 Clause 15 (WhoIs/IAm are Clause 16.9/16.10).
package service

import (
	"fmt"

	"bacstack/bacerr"
	"bacstack/objects"
	"bacstack/primitive"
	"bacstack/tag"
)

// WhoIs is the Unconfirmed-Who-Is service parameter list, Clause 16.10.
// Both limits are optional; either both are present or both are absent.
type WhoIs struct {
	HasRange bool
	LowLimit uint32
	HighLimit uint32
}

func (w WhoIs) Encode() ([]byte, error) {
	if !w.HasRange {
		return nil, nil
	}
	var out []byte
	b, err := primitive.EncodeContext(0, primitive.Unsigned(uint64(w.LowLimit)))
	if err != nil {
		return nil, err
	}
	out = append(out, b...)
	b, err = primitive.EncodeContext(1, primitive.Unsigned(uint64(w.HighLimit)))
	if err != nil {
		return nil, err
	}
	return append(out, b...), nil
}

func DecodeWhoIs(buf []byte) (WhoIs, error) {
	if len(buf) == 0 {
		return WhoIs{}, nil
	}
	lo, next, err := primitive.DecodeContext(buf, 0, 0, primitive.KindUnsigned)
	if err != nil {
		return WhoIs{}, &bacerr.CodecError{Op: "DecodeWhoIs", Err: err}
	}
	hi, next2, err := primitive.DecodeContext(buf, next, 1, primitive.KindUnsigned)
	if err != nil {
		return WhoIs{}, &bacerr.CodecError{Op: "DecodeWhoIs", Err: err}
	}
	if next2 != len(buf) {
		return WhoIs{}, &bacerr.CodecError{Op: "DecodeWhoIs", Err: fmt.Errorf("trailing bytes")}
	}
	return WhoIs{HasRange: true, LowLimit: uint32(lo.Unsigned), HighLimit: uint32(hi.Unsigned)}, nil
}

// IAm is the Unconfirmed-I-Am service parameter list, Clause 16.9. All
// four fields are application-tagged, not context-tagged.
type IAm struct {
	DeviceIdentifier      primitive.ObjectIdentifier
	MaxAPDULengthAccepted uint32
	SegmentationSupported uint32 // BACnetSegmentation enumeration
	VendorIdentifier      uint32
}

func (a IAm) Encode() ([]byte, error) {
	var out []byte
	for _, v := range []primitive.Value{
		primitive.ObjectID(a.DeviceIdentifier.Type, a.DeviceIdentifier.Instance),
		primitive.Unsigned(uint64(a.MaxAPDULengthAccepted)),
		primitive.Enumerated(uint64(a.SegmentationSupported)),
		primitive.Unsigned(uint64(a.VendorIdentifier)),
	} {
		b, err := primitive.Encode(v)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func DecodeIAm(buf []byte) (IAm, error) {
	var a IAm
	v, offset, err := primitive.Decode(buf, 0)
	if err != nil {
		return a, &bacerr.CodecError{Op: "DecodeIAm", Err: err}
	}
	a.DeviceIdentifier = v.ObjectID

	v, offset, err = primitive.Decode(buf, offset)
	if err != nil {
		return a, &bacerr.CodecError{Op: "DecodeIAm", Err: err}
	}
	a.MaxAPDULengthAccepted = uint32(v.Unsigned)

	v, offset, err = primitive.Decode(buf, offset)
	if err != nil {
		return a, &bacerr.CodecError{Op: "DecodeIAm", Err: err}
	}
	a.SegmentationSupported = uint32(v.Unsigned)

	v, offset, err = primitive.Decode(buf, offset)
	if err != nil {
		return a, &bacerr.CodecError{Op: "DecodeIAm", Err: err}
	}
	a.VendorIdentifier = uint32(v.Unsigned)

	if offset != len(buf) {
		return a, &bacerr.CodecError{Op: "DecodeIAm", Err: fmt.Errorf("trailing bytes")}
	}
	return a, nil
}

// ReadProperty is the ReadProperty-Request parameter list, Clause 15.5.
type ReadProperty struct {
	ObjectIdentifier primitive.ObjectIdentifier
	PropertyIdentifier objects.PropertyIdentifier
	ArrayIndex       *int
}

func (r ReadProperty) Encode() ([]byte, error) {
	var out []byte
	b, err := primitive.EncodeContext(0, primitive.ObjectID(r.ObjectIdentifier.Type, r.ObjectIdentifier.Instance))
	if err != nil {
		return nil, err
	}
	out = append(out, b...)
	b, err = primitive.EncodeContext(1, primitive.Enumerated(uint64(r.PropertyIdentifier)))
	if err != nil {
		return nil, err
	}
	out = append(out, b...)
	if r.ArrayIndex != nil {
		b, err = primitive.EncodeContext(2, primitive.Unsigned(uint64(*r.ArrayIndex)))
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func DecodeReadProperty(buf []byte) (ReadProperty, error) {
	var r ReadProperty
	objID, offset, err := primitive.DecodeContext(buf, 0, 0, primitive.KindObjectIdentifier)
	if err != nil {
		return r, &bacerr.CodecError{Op: "DecodeReadProperty", Err: err}
	}
	r.ObjectIdentifier = objID.ObjectID

	prop, offset2, err := primitive.DecodeContext(buf, offset, 1, primitive.KindEnumerated)
	if err != nil {
		return r, &bacerr.CodecError{Op: "DecodeReadProperty", Err: err}
	}
	r.PropertyIdentifier = objects.PropertyIdentifier(prop.Unsigned)
	offset = offset2

	if offset < len(buf) {
		if t, _, err := tag.DecodeTag(buf, offset); err == nil && t.Class == tag.ClassContext && t.Number == 2 {
			idx, offset3, err := primitive.DecodeContext(buf, offset, 2, primitive.KindUnsigned)
			if err != nil {
				return r, &bacerr.CodecError{Op: "DecodeReadProperty", Err: err}
			}
			i := int(idx.Unsigned)
			r.ArrayIndex = &i
			offset = offset3
		}
	}
	if offset != len(buf) {
		return r, &bacerr.CodecError{Op: "DecodeReadProperty", Err: fmt.Errorf("trailing bytes")}
	}
	return r, nil
}

// ReadPropertyACK is ReadProperty's ComplexACK parameter list.
type ReadPropertyACK struct {
	ObjectIdentifier   primitive.ObjectIdentifier
	PropertyIdentifier objects.PropertyIdentifier
	ArrayIndex         *int
	Value              primitive.Value
}

func (r ReadPropertyACK) Encode() ([]byte, error) {
	var out []byte
	b, err := primitive.EncodeContext(0, primitive.ObjectID(r.ObjectIdentifier.Type, r.ObjectIdentifier.Instance))
	if err != nil {
		return nil, err
	}
	out = append(out, b...)
	b, err = primitive.EncodeContext(1, primitive.Enumerated(uint64(r.PropertyIdentifier)))
	if err != nil {
		return nil, err
	}
	out = append(out, b...)
	if r.ArrayIndex != nil {
		b, err = primitive.EncodeContext(2, primitive.Unsigned(uint64(*r.ArrayIndex)))
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	open, err := tag.EncodeTag(3, tag.ClassContext, tag.MarkerOpening, 0)
	if err != nil {
		return nil, err
	}
	body, err := primitive.Encode(r.Value)
	if err != nil {
		return nil, err
	}
	close, err := tag.EncodeTag(3, tag.ClassContext, tag.MarkerClosing, 0)
	if err != nil {
		return nil, err
	}
	out = append(out, open...)
	out = append(out, body...)
	out = append(out, close...)
	return out, nil
}

func DecodeReadPropertyACK(buf []byte) (ReadPropertyACK, error) {
	var r ReadPropertyACK
	objID, offset, err := primitive.DecodeContext(buf, 0, 0, primitive.KindObjectIdentifier)
	if err != nil {
		return r, &bacerr.CodecError{Op: "DecodeReadPropertyACK", Err: err}
	}
	r.ObjectIdentifier = objID.ObjectID

	prop, offset2, err := primitive.DecodeContext(buf, offset, 1, primitive.KindEnumerated)
	if err != nil {
		return r, &bacerr.CodecError{Op: "DecodeReadPropertyACK", Err: err}
	}
	r.PropertyIdentifier = objects.PropertyIdentifier(prop.Unsigned)
	offset = offset2

	if t, _, err := tag.DecodeTag(buf, offset); err == nil && t.Class == tag.ClassContext && t.Number == 2 {
		idx, offset3, err := primitive.DecodeContext(buf, offset, 2, primitive.KindUnsigned)
		if err != nil {
			return r, &bacerr.CodecError{Op: "DecodeReadPropertyACK", Err: err}
		}
		i := int(idx.Unsigned)
		r.ArrayIndex = &i
		offset = offset3
	}

	valBody, offset4, err := tag.ExtractContextValue(buf, offset, 3)
	if err != nil {
		return r, &bacerr.CodecError{Op: "DecodeReadPropertyACK", Err: err}
	}
	v, _, err := primitive.Decode(valBody, 0)
	if err != nil {
		return r, &bacerr.CodecError{Op: "DecodeReadPropertyACK", Err: err}
	}
	r.Value = v
	offset = offset4

	if offset != len(buf) {
		return r, &bacerr.CodecError{Op: "DecodeReadPropertyACK", Err: fmt.Errorf("trailing bytes")}
	}
	return r, nil
}

// WriteProperty is the WriteProperty-Request parameter list, Clause 15.9.
type WriteProperty struct {
	ObjectIdentifier   primitive.ObjectIdentifier
	PropertyIdentifier objects.PropertyIdentifier
	ArrayIndex         *int
	Value              primitive.Value
	Priority           *uint8
}

func (w WriteProperty) Encode() ([]byte, error) {
	var out []byte
	b, err := primitive.EncodeContext(0, primitive.ObjectID(w.ObjectIdentifier.Type, w.ObjectIdentifier.Instance))
	if err != nil {
		return nil, err
	}
	out = append(out, b...)
	b, err = primitive.EncodeContext(1, primitive.Enumerated(uint64(w.PropertyIdentifier)))
	if err != nil {
		return nil, err
	}
	out = append(out, b...)
	if w.ArrayIndex != nil {
		b, err = primitive.EncodeContext(2, primitive.Unsigned(uint64(*w.ArrayIndex)))
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	open, err := tag.EncodeTag(3, tag.ClassContext, tag.MarkerOpening, 0)
	if err != nil {
		return nil, err
	}
	body, err := primitive.Encode(w.Value)
	if err != nil {
		return nil, err
	}
	close, err := tag.EncodeTag(3, tag.ClassContext, tag.MarkerClosing, 0)
	if err != nil {
		return nil, err
	}
	out = append(out, open...)
	out = append(out, body...)
	out = append(out, close...)
	if w.Priority != nil {
		b, err = primitive.EncodeContext(4, primitive.Unsigned(uint64(*w.Priority)))
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func DecodeWriteProperty(buf []byte) (WriteProperty, error) {
	var w WriteProperty
	objID, offset, err := primitive.DecodeContext(buf, 0, 0, primitive.KindObjectIdentifier)
	if err != nil {
		return w, &bacerr.CodecError{Op: "DecodeWriteProperty", Err: err}
	}
	w.ObjectIdentifier = objID.ObjectID

	prop, offset2, err := primitive.DecodeContext(buf, offset, 1, primitive.KindEnumerated)
	if err != nil {
		return w, &bacerr.CodecError{Op: "DecodeWriteProperty", Err: err}
	}
	w.PropertyIdentifier = objects.PropertyIdentifier(prop.Unsigned)
	offset = offset2

	if t, _, err := tag.DecodeTag(buf, offset); err == nil && t.Class == tag.ClassContext && t.Number == 2 {
		idx, offset3, err := primitive.DecodeContext(buf, offset, 2, primitive.KindUnsigned)
		if err != nil {
			return w, &bacerr.CodecError{Op: "DecodeWriteProperty", Err: err}
		}
		i := int(idx.Unsigned)
		w.ArrayIndex = &i
		offset = offset3
	}

	valBody, offset4, err := tag.ExtractContextValue(buf, offset, 3)
	if err != nil {
		return w, &bacerr.CodecError{Op: "DecodeWriteProperty", Err: err}
	}
	v, _, err := primitive.Decode(valBody, 0)
	if err != nil {
		return w, &bacerr.CodecError{Op: "DecodeWriteProperty", Err: err}
	}
	w.Value = v
	offset = offset4

	if offset < len(buf) {
		if t, _, err := tag.DecodeTag(buf, offset); err == nil && t.Class == tag.ClassContext && t.Number == 4 {
			pr, offset5, err := primitive.DecodeContext(buf, offset, 4, primitive.KindUnsigned)
			if err != nil {
				return w, &bacerr.CodecError{Op: "DecodeWriteProperty", Err: err}
			}
			p := uint8(pr.Unsigned)
			w.Priority = &p
			offset = offset5
		}
	}
	if offset != len(buf) {
		return w, &bacerr.CodecError{Op: "DecodeWriteProperty", Err: fmt.Errorf("trailing bytes")}
	}
	return w, nil
}

// SubscribeCOV is the SubscribeCOV-Request parameter list, Clause 13.14.
// Omitting IssueConfirmedNotifications and Lifetime cancels an existing
// subscription.
type SubscribeCOV struct {
	ProcessIdentifier           uint32
	MonitoredObjectIdentifier   primitive.ObjectIdentifier
	HasIssueConfirmedNotifications bool
	IssueConfirmedNotifications bool
	HasLifetime                 bool
	Lifetime                    uint32
}

func (s SubscribeCOV) Encode() ([]byte, error) {
	var out []byte
	b, err := primitive.EncodeContext(0, primitive.Unsigned(uint64(s.ProcessIdentifier)))
	if err != nil {
		return nil, err
	}
	out = append(out, b...)
	b, err = primitive.EncodeContext(1, primitive.ObjectID(s.MonitoredObjectIdentifier.Type, s.MonitoredObjectIdentifier.Instance))
	if err != nil {
		return nil, err
	}
	out = append(out, b...)
	if s.HasIssueConfirmedNotifications {
		b, err = primitive.EncodeContext(2, primitive.Bool(s.IssueConfirmedNotifications))
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	if s.HasLifetime {
		b, err = primitive.EncodeContext(3, primitive.Unsigned(uint64(s.Lifetime)))
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func DecodeSubscribeCOV(buf []byte) (SubscribeCOV, error) {
	var s SubscribeCOV
	pid, offset, err := primitive.DecodeContext(buf, 0, 0, primitive.KindUnsigned)
	if err != nil {
		return s, &bacerr.CodecError{Op: "DecodeSubscribeCOV", Err: err}
	}
	s.ProcessIdentifier = uint32(pid.Unsigned)

	objID, offset2, err := primitive.DecodeContext(buf, offset, 1, primitive.KindObjectIdentifier)
	if err != nil {
		return s, &bacerr.CodecError{Op: "DecodeSubscribeCOV", Err: err}
	}
	s.MonitoredObjectIdentifier = objID.ObjectID
	offset = offset2

	if offset < len(buf) {
		if t, _, err := tag.DecodeTag(buf, offset); err == nil && t.Class == tag.ClassContext && t.Number == 2 {
			confirmed, offset3, err := primitive.DecodeContext(buf, offset, 2, primitive.KindBoolean)
			if err != nil {
				return s, &bacerr.CodecError{Op: "DecodeSubscribeCOV", Err: err}
			}
			s.HasIssueConfirmedNotifications = true
			s.IssueConfirmedNotifications = confirmed.Bool
			offset = offset3
		}
	}
	if offset < len(buf) {
		if t, _, err := tag.DecodeTag(buf, offset); err == nil && t.Class == tag.ClassContext && t.Number == 3 {
			life, offset4, err := primitive.DecodeContext(buf, offset, 3, primitive.KindUnsigned)
			if err != nil {
				return s, &bacerr.CodecError{Op: "DecodeSubscribeCOV", Err: err}
			}
			s.HasLifetime = true
			s.Lifetime = uint32(life.Unsigned)
			offset = offset4
		}
	}
	if offset != len(buf) {
		return s, &bacerr.CodecError{Op: "DecodeSubscribeCOV", Err: fmt.Errorf("trailing bytes")}
	}
	return s, nil
}
