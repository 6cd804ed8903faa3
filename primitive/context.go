package primitive

import (
	"fmt"

	"bacstack/bacerr"
	"bacstack/tag"
)

// EncodeContext wraps v's raw content octets in a context tag carrying the
// given tag number. Unlike application primitives, context-tagged values
// never carry their own type information on the wire — the enclosing
// service parameter list defines what tagNum means — so the caller must
// already know v's Kind when decoding.
func EncodeContext(tagNum uint8, v Value) ([]byte, error) {
	content, err := contentOf(v)
	if err != nil {
		return nil, err
	}
	header, err := tag.EncodeTag(tagNum, tag.ClassContext, tag.MarkerLength, uint32(len(content)))
	if err != nil {
		return nil, err
	}
	return append(header, content...), nil
}

// contentOf returns v's bare content octets (no tag header), matching what
// an application-tagged encoding would carry after its own tag.
func contentOf(v Value) ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return nil, nil
	case KindBoolean:
		// Context-tagged booleans carry an explicit content byte, unlike
		// the application form which folds the value into the length
		// field (Clause 20.2.3): one octet, 0 or 1.
		if v.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case KindUnsigned, KindEnumerated:
		return tag.EncodeUnsigned(v.Unsigned), nil
	case KindSigned:
		return tag.EncodeSigned(v.Signed), nil
	case KindReal:
		return encodeFloat32(v.Real), nil
	case KindDouble:
		return encodeFloat64(v.Double), nil
	case KindOctetString:
		return v.Octets, nil
	case KindCharacterString:
		return encodeCharacterString(v)
	case KindBitString:
		return encodeBitString(v.Bits), nil
	case KindDate:
		return encodeDate(v.Date), nil
	case KindTime:
		return encodeTime(v.Time), nil
	case KindObjectIdentifier:
		packed := v.ObjectID.Pack()
		return []byte{byte(packed >> 24), byte(packed >> 16), byte(packed >> 8), byte(packed)}, nil
	default:
		return nil, fmt.Errorf("primitive: contentOf: unsupported kind %d", v.Kind)
	}
}

// DecodeContext decodes a context-tagged value at offset, interpreting its
// content according to kind (the caller must know this from the service's
// parameter grammar — context tags carry no self-describing type).
func DecodeContext(buf []byte, offset int, tagNum uint8, kind Kind) (Value, int, error) {
	t, next, err := tag.DecodeTag(buf, offset)
	if err != nil {
		return Value{}, offset, err
	}
	if t.Class != tag.ClassContext || t.Marker != tag.MarkerLength || t.Number != tagNum {
		return Value{}, offset, &bacerr.CodecError{Op: "DecodeContext", Err: fmt.Errorf("expected context tag %d, got class=%v number=%d", tagNum, t.Class, t.Number)}
	}
	end := next + int(t.Length)
	if end > len(buf) {
		return Value{}, offset, &bacerr.CodecError{Op: "DecodeContext", Err: fmt.Errorf("truncated content for context tag %d", tagNum)}
	}
	content := buf[next:end]

	v, err := valueFromContent(kind, content)
	if err != nil {
		return Value{}, offset, err
	}
	return v, end, nil
}

func valueFromContent(kind Kind, content []byte) (Value, error) {
	switch kind {
	case KindNull:
		return Null(), nil
	case KindBoolean:
		if len(content) != 1 {
			return Value{}, &bacerr.CodecError{Op: "valueFromContent", Err: fmt.Errorf("boolean must be 1 byte")}
		}
		return Bool(content[0] != 0), nil
	case KindUnsigned:
		u, err := tag.DecodeUnsigned(content)
		return Unsigned(u), err
	case KindEnumerated:
		u, err := tag.DecodeUnsigned(content)
		return Enumerated(u), err
	case KindSigned:
		s, err := tag.DecodeSigned(content)
		return Signed(s), err
	case KindReal:
		f, err := decodeFloat32(content)
		return Real(f), err
	case KindDouble:
		f, err := decodeFloat64(content)
		return Double(f), err
	case KindOctetString:
		return OctetString(content), nil
	case KindCharacterString:
		return decodeCharacterString(content)
	case KindBitString:
		bs, err := decodeBitString(content)
		return Value{Kind: KindBitString, Bits: bs}, err
	case KindDate:
		d, err := decodeDate(content)
		return Value{Kind: KindDate, Date: d}, err
	case KindTime:
		tv, err := decodeTime(content)
		return Value{Kind: KindTime, Time: tv}, err
	case KindObjectIdentifier:
		if len(content) != 4 {
			return Value{}, &bacerr.CodecError{Op: "valueFromContent", Err: fmt.Errorf("object-id must be 4 bytes")}
		}
		packed := uint32(content[0])<<24 | uint32(content[1])<<16 | uint32(content[2])<<8 | uint32(content[3])
		return Value{Kind: KindObjectIdentifier, ObjectID: UnpackObjectIdentifier(packed)}, nil
	default:
		return Value{}, fmt.Errorf("primitive: valueFromContent: unsupported kind %d", kind)
	}
}
