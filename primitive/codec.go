package primitive

import (
	"fmt"
	"math"
	"unicode/utf8"

	"bacstack/bacerr"
	"bacstack/tag"
)

// Encode returns the application-tagged wire encoding of v.
func Encode(v Value) ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return tag.EncodeTag(AppTagNull, tag.ClassApplication, tag.MarkerLength, 0)
	case KindBoolean:
		length := uint32(0)
		if v.Bool {
			length = 1
		}
		return tag.EncodeTag(AppTagBoolean, tag.ClassApplication, tag.MarkerLength, length)
	case KindUnsigned, KindEnumerated:
		content := tag.EncodeUnsigned(v.Unsigned)
		appTag := uint8(AppTagUnsigned)
		if v.Kind == KindEnumerated {
			appTag = AppTagEnumerated
		}
		return wrapApplication(appTag, content)
	case KindSigned:
		content := tag.EncodeSigned(v.Signed)
		return wrapApplication(AppTagSigned, content)
	case KindReal:
		content := encodeFloat32(v.Real)
		return wrapApplication(AppTagReal, content)
	case KindDouble:
		content := encodeFloat64(v.Double)
		return wrapApplication(AppTagDouble, content)
	case KindOctetString:
		return wrapApplication(AppTagOctetString, v.Octets)
	case KindCharacterString:
		content, err := encodeCharacterString(v)
		if err != nil {
			return nil, err
		}
		return wrapApplication(AppTagCharacterString, content)
	case KindBitString:
		return wrapApplication(AppTagBitString, encodeBitString(v.Bits))
	case KindDate:
		return wrapApplication(AppTagDate, encodeDate(v.Date))
	case KindTime:
		return wrapApplication(AppTagTime, encodeTime(v.Time))
	case KindObjectIdentifier:
		content := make([]byte, 4)
		packed := v.ObjectID.Pack()
		content[0] = byte(packed >> 24)
		content[1] = byte(packed >> 16)
		content[2] = byte(packed >> 8)
		content[3] = byte(packed)
		return wrapApplication(AppTagObjectIdentifier, content)
	case KindComposite:
		return append([]byte(nil), v.Composite...), nil
	default:
		return nil, fmt.Errorf("primitive: Encode: unsupported kind %d", v.Kind)
	}
}

func wrapApplication(appTag uint8, content []byte) ([]byte, error) {
	header, err := tag.EncodeTag(appTag, tag.ClassApplication, tag.MarkerLength, uint32(len(content)))
	if err != nil {
		return nil, err
	}
	return append(header, content...), nil
}

// Decode decodes one application-tagged primitive starting at offset,
// returning the value and the offset immediately following it.
func Decode(buf []byte, offset int) (Value, int, error) {
	t, next, err := tag.DecodeTag(buf, offset)
	if err != nil {
		return Value{}, offset, err
	}
	if t.Class != tag.ClassApplication {
		return Value{}, offset, &bacerr.CodecError{Op: "Decode", Err: fmt.Errorf("expected application tag, got context tag %d", t.Number)}
	}

	switch t.Number {
	case AppTagNull:
		return Null(), next, nil
	case AppTagBoolean:
		return Bool(t.Length != 0), next, nil
	}

	end := next + int(t.Length)
	if end > len(buf) {
		return Value{}, offset, &bacerr.CodecError{Op: "Decode", Err: fmt.Errorf("truncated content for tag %d", t.Number)}
	}
	content := buf[next:end]

	switch t.Number {
	case AppTagUnsigned:
		u, err := tag.DecodeUnsigned(content)
		if err != nil {
			return Value{}, offset, err
		}
		return Unsigned(u), end, nil
	case AppTagSigned:
		s, err := tag.DecodeSigned(content)
		if err != nil {
			return Value{}, offset, err
		}
		return Signed(s), end, nil
	case AppTagReal:
		v, err := decodeFloat32(content)
		if err != nil {
			return Value{}, offset, err
		}
		return Real(v), end, nil
	case AppTagDouble:
		v, err := decodeFloat64(content)
		if err != nil {
			return Value{}, offset, err
		}
		return Double(v), end, nil
	case AppTagOctetString:
		return OctetString(content), end, nil
	case AppTagCharacterString:
		v, err := decodeCharacterString(content)
		if err != nil {
			return Value{}, offset, err
		}
		return v, end, nil
	case AppTagBitString:
		bs, err := decodeBitString(content)
		if err != nil {
			return Value{}, offset, err
		}
		return Value{Kind: KindBitString, Bits: bs}, end, nil
	case AppTagEnumerated:
		u, err := tag.DecodeUnsigned(content)
		if err != nil {
			return Value{}, offset, err
		}
		return Enumerated(u), end, nil
	case AppTagDate:
		d, err := decodeDate(content)
		if err != nil {
			return Value{}, offset, err
		}
		return Value{Kind: KindDate, Date: d}, end, nil
	case AppTagTime:
		tv, err := decodeTime(content)
		if err != nil {
			return Value{}, offset, err
		}
		return Value{Kind: KindTime, Time: tv}, end, nil
	case AppTagObjectIdentifier:
		if len(content) != 4 {
			return Value{}, offset, &bacerr.CodecError{Op: "Decode", Err: fmt.Errorf("object-id must be 4 bytes, got %d", len(content))}
		}
		packed := uint32(content[0])<<24 | uint32(content[1])<<16 | uint32(content[2])<<8 | uint32(content[3])
		oid := UnpackObjectIdentifier(packed)
		return Value{Kind: KindObjectIdentifier, ObjectID: oid}, end, nil
	default:
		return Value{}, offset, &bacerr.CodecError{Op: "Decode", Err: fmt.Errorf("unsupported application tag %d", t.Number)}
	}
}

func encodeFloat32(f float32) []byte {
	bits := math.Float32bits(f)
	return []byte{byte(bits >> 24), byte(bits >> 16), byte(bits >> 8), byte(bits)}
}

func decodeFloat32(b []byte) (float32, error) {
	if len(b) != 4 {
		return 0, &bacerr.CodecError{Op: "decodeFloat32", Err: fmt.Errorf("real must be 4 bytes, got %d", len(b))}
	}
	bits := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return math.Float32frombits(bits), nil
}

func encodeFloat64(f float64) []byte {
	bits := math.Float64bits(f)
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(bits >> uint(56-8*i))
	}
	return out
}

func decodeFloat64(b []byte) (float64, error) {
	if len(b) != 8 {
		return 0, &bacerr.CodecError{Op: "decodeFloat64", Err: fmt.Errorf("double must be 8 bytes, got %d", len(b))}
	}
	var bits uint64
	for _, c := range b {
		bits = bits<<8 | uint64(c)
	}
	return math.Float64frombits(bits), nil
}

func encodeCharacterString(v Value) ([]byte, error) {
	switch v.Charset {
	case CharsetUTF8:
		if !utf8.ValidString(v.String) {
			return nil, fmt.Errorf("primitive: invalid UTF-8 string")
		}
		return append([]byte{CharsetUTF8}, []byte(v.String)...), nil
	case CharsetISO8859_1:
		out := make([]byte, 0, len(v.String)+1)
		out = append(out, CharsetISO8859_1)
		for _, r := range v.String {
			if r > 0xFF {
				return nil, fmt.Errorf("primitive: rune %U not representable in ISO-8859-1", r)
			}
			out = append(out, byte(r))
		}
		return out, nil
	default:
		return nil, &bacerr.CodecError{Op: "encodeCharacterString", Err: fmt.Errorf("unsupported charset %d", v.Charset)}
	}
}

func decodeCharacterString(content []byte) (Value, error) {
	if len(content) == 0 {
		return Value{}, &bacerr.CodecError{Op: "decodeCharacterString", Err: fmt.Errorf("missing charset byte")}
	}
	charset := content[0]
	body := content[1:]
	switch charset {
	case CharsetUTF8:
		if !utf8.Valid(body) {
			return Value{}, &bacerr.CodecError{Op: "decodeCharacterString", Err: fmt.Errorf("invalid UTF-8")}
		}
		return Value{Kind: KindCharacterString, Charset: charset, String: string(body)}, nil
	case CharsetISO8859_1:
		// ISO-8859-1 maps byte-for-byte onto the first 256 Unicode code
		// points, so a simple rune-per-byte expansion is exact.
		runes := make([]rune, len(body))
		for i, b := range body {
			runes[i] = rune(b)
		}
		return Value{Kind: KindCharacterString, Charset: charset, String: string(runes)}, nil
	default:
		return Value{}, &bacerr.CodecError{Op: "decodeCharacterString", Err: fmt.Errorf("unsupported charset byte %d", charset)}
	}
}

func encodeBitString(bs BitString) []byte {
	return append([]byte{bs.UnusedBit}, bs.Bytes...)
}

func decodeBitString(content []byte) (BitString, error) {
	if len(content) == 0 {
		return BitString{}, &bacerr.CodecError{Op: "decodeBitString", Err: fmt.Errorf("missing unused-bit octet")}
	}
	return BitString{UnusedBit: content[0], Bytes: append([]byte(nil), content[1:]...)}, nil
}

func encodeDate(d Date) []byte {
	return []byte{
		dateFieldToWire(d.Year - 1900),
		timeFieldToWire(d.Month),
		timeFieldToWire(d.Day),
		timeFieldToWire(d.DayOfWeek),
	}
}

func dateFieldToWire(v int) byte {
	if v < 0 {
		return 0xFF
	}
	return byte(v)
}

func decodeDate(content []byte) (Date, error) {
	if len(content) != 4 {
		return Date{}, &bacerr.CodecError{Op: "decodeDate", Err: fmt.Errorf("date must be 4 bytes, got %d", len(content))}
	}
	d := Date{
		Month:     timeFieldFromWire(content[1]),
		Day:       timeFieldFromWire(content[2]),
		DayOfWeek: timeFieldFromWire(content[3]),
	}
	if content[0] == 0xFF {
		d.Year = -1
	} else {
		d.Year = int(content[0]) + 1900
	}
	return d, nil
}

func encodeTime(t Time) []byte {
	return []byte{
		timeFieldToWire(t.Hour),
		timeFieldToWire(t.Minute),
		timeFieldToWire(t.Second),
		timeFieldToWire(t.Hundredth),
	}
}

func decodeTime(content []byte) (Time, error) {
	if len(content) != 4 {
		return Time{}, &bacerr.CodecError{Op: "decodeTime", Err: fmt.Errorf("time must be 4 bytes, got %d", len(content))}
	}
	return Time{
		Hour:      timeFieldFromWire(content[0]),
		Minute:    timeFieldFromWire(content[1]),
		Second:    timeFieldFromWire(content[2]),
		Hundredth: timeFieldFromWire(content[3]),
	}, nil
}
