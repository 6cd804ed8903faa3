// Package tag implements the BACnet tag/length-value-type encoding that
// underlies every application primitive and every APDU (ASHRAE 135 Clause
// 20.2). It mirrors the teacher's per.EncLengthDeterminant /
// EncConstrainedWholeNumber shape: a small-range fast path plus an
// explicit extended-encoding fallback, each guarded against out-of-range
// input with a typed error rather than a panic.
package tag

import (
	"encoding/binary"
	"fmt"

	"bacstack/bacerr"
)

// Class distinguishes application-tagged values (the datatype is implied
// by the tag number, per Clause 20.2.1) from context-tagged values (the
// tag number is assigned by the enclosing construct, Clause 20.2.1.1).
type Class int

const (
	ClassApplication Class = iota
	ClassContext
)

// Marker distinguishes a length-carrying tag from an opening/closing tag
// used to bracket a constructed (context-tagged) value.
type Marker int

const (
	MarkerLength Marker = iota
	MarkerOpening
	MarkerClosing
)

// MaxContentLength bounds the length field to guard against a DoS where a
// crafted tag claims gigabytes of content. ASHRAE 135 places no hard
// ceiling; 1 MiB is comfortably larger than any legitimate PDU (see
// spec.md §4.1).
const MaxContentLength = 1 << 20

// MaxNestingDepth bounds ExtractContextValue's opening/closing tracking to
// defend against stack exhaustion from adversarial input.
const MaxNestingDepth = 32

// Tag is a decoded tag header: which class/number it carries and either a
// content length or which bracket marker it is.
type Tag struct {
	Number uint8 // already widened if the 4-bit field held the extension sentinel (15)
	Class  Class
	Marker Marker
	Length uint32 // valid only when Marker == MarkerLength
}

// EncodeTag encodes a tag header. For Marker == MarkerLength, length is the
// content length and is itself length-extended above 4 as needed. Opening
// and closing markers are value-less (their "length" field is the 3-bit
// sentinel 0b110 / 0b111) and apply only to context tags.
func EncodeTag(number uint8, class Class, marker Marker, length uint32) ([]byte, error) {
	if marker != MarkerLength && class != ClassContext {
		return nil, fmt.Errorf("tag: opening/closing markers are context-only")
	}
	if marker == MarkerLength && length > MaxContentLength {
		return nil, fmt.Errorf("tag: length %d exceeds %d-byte limit", length, MaxContentLength)
	}

	var lvt byte
	switch marker {
	case MarkerOpening:
		lvt = 0b110
	case MarkerClosing:
		lvt = 0b111
	default:
		if length < 5 {
			lvt = byte(length)
		} else {
			lvt = 5
		}
	}

	first := lvt
	if class == ClassContext {
		first |= 0x08
	}

	var out []byte
	if number < 15 {
		first |= number << 4
		out = append(out, first)
	} else {
		first |= 0xF0
		out = append(out, first, number)
	}

	if marker == MarkerLength && length >= 5 {
		out = append(out, encodeExtendedLength(length)...)
	}
	return out, nil
}

func encodeExtendedLength(length uint32) []byte {
	switch {
	case length <= 253:
		return []byte{byte(length)}
	case length <= 65535:
		buf := make([]byte, 3)
		buf[0] = 254
		binary.BigEndian.PutUint16(buf[1:], uint16(length))
		return buf
	default:
		buf := make([]byte, 5)
		buf[0] = 255
		binary.BigEndian.PutUint32(buf[1:], length)
		return buf
	}
}

// DecodeTag decodes one tag header starting at offset and returns the
// offset immediately following it.
func DecodeTag(buf []byte, offset int) (Tag, int, error) {
	if offset >= len(buf) {
		return Tag{}, offset, &bacerr.CodecError{Op: "DecodeTag", Err: fmt.Errorf("truncated at offset %d", offset)}
	}
	first := buf[offset]
	offset++

	var t Tag
	t.Number = first >> 4
	if first&0x08 != 0 {
		t.Class = ClassContext
	} else {
		t.Class = ClassApplication
	}

	if t.Number == 15 {
		if offset >= len(buf) {
			return Tag{}, offset, &bacerr.CodecError{Op: "DecodeTag", Err: fmt.Errorf("truncated extended tag number")}
		}
		t.Number = buf[offset]
		offset++
	}

	lvt := first & 0x07
	switch {
	case lvt == 0b110 && t.Class == ClassContext:
		t.Marker = MarkerOpening
		return t, offset, nil
	case lvt == 0b111 && t.Class == ClassContext:
		t.Marker = MarkerClosing
		return t, offset, nil
	case lvt < 5:
		t.Marker = MarkerLength
		t.Length = uint32(lvt)
		return t, offset, nil
	}

	t.Marker = MarkerLength
	if offset >= len(buf) {
		return Tag{}, offset, &bacerr.CodecError{Op: "DecodeTag", Err: fmt.Errorf("truncated length octet")}
	}
	sentinel := buf[offset]
	offset++
	switch {
	case sentinel < 254:
		t.Length = uint32(sentinel)
	case sentinel == 254:
		if offset+2 > len(buf) {
			return Tag{}, offset, &bacerr.CodecError{Op: "DecodeTag", Err: fmt.Errorf("truncated 2-byte length")}
		}
		t.Length = uint32(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case sentinel == 255:
		if offset+4 > len(buf) {
			return Tag{}, offset, &bacerr.CodecError{Op: "DecodeTag", Err: fmt.Errorf("truncated 4-byte length")}
		}
		t.Length = binary.BigEndian.Uint32(buf[offset:])
		offset += 4
	}

	if t.Length > MaxContentLength {
		return Tag{}, offset, &bacerr.CodecError{Op: "DecodeTag", Err: fmt.Errorf("length %d exceeds %d-byte limit", t.Length, MaxContentLength)}
	}
	return t, offset, nil
}

// EncodeUnsigned returns the minimum-octet big-endian encoding of v,
// always at least one byte (an all-zero value still encodes as one
// zero octet, matching ASHRAE 135 12.2.2's "the value shall be encoded
// as a binary number" with no octet ever omitted for the value itself).
func EncodeUnsigned(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	return append([]byte(nil), buf[i:]...)
}

// DecodeUnsigned decodes a minimum-octet big-endian unsigned integer.
func DecodeUnsigned(b []byte) (uint64, error) {
	if len(b) == 0 || len(b) > 8 {
		return 0, &bacerr.CodecError{Op: "DecodeUnsigned", Err: fmt.Errorf("invalid length %d", len(b))}
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

// EncodeSigned returns the minimum-octet two's-complement encoding of v.
func EncodeSigned(v int64) []byte {
	if v >= 0 {
		u := EncodeUnsigned(uint64(v))
		if u[0]&0x80 != 0 {
			u = append([]byte{0}, u...)
		}
		return u
	}
	// Negative: find the minimum number of bytes whose two's-complement
	// representation, sign-extended, equals v.
	for n := 1; n <= 8; n++ {
		shift := uint(n*8 - 1)
		if v>>shift == -1 || (n == 8) {
			buf := make([]byte, n)
			uv := uint64(v)
			for i := n - 1; i >= 0; i-- {
				buf[i] = byte(uv)
				uv >>= 8
			}
			return buf
		}
	}
	return nil
}

// DecodeSigned decodes a minimum-octet two's-complement signed integer.
func DecodeSigned(b []byte) (int64, error) {
	if len(b) == 0 || len(b) > 8 {
		return 0, &bacerr.CodecError{Op: "DecodeSigned", Err: fmt.Errorf("invalid length %d", len(b))}
	}
	v := int64(int8(b[0]))
	for _, c := range b[1:] {
		v = v<<8 | int64(c)
	}
	return v, nil
}

// ExtractContextValue returns the bytes between a matching opening/closing
// tag pair starting at a decoded opening tag, tolerating nested
// opening/closing pairs, and the offset immediately following the closing
// tag. depth guards against adversarial nesting.
func ExtractContextValue(buf []byte, offset int, tagNum uint8) ([]byte, int, error) {
	open, next, err := DecodeTag(buf, offset)
	if err != nil {
		return nil, offset, err
	}
	if open.Class != ClassContext || open.Marker != MarkerOpening || open.Number != tagNum {
		return nil, offset, &bacerr.CodecError{Op: "ExtractContextValue", Err: fmt.Errorf("expected opening context tag %d", tagNum)}
	}

	start := next
	depth := 1
	pos := next
	for depth > 0 {
		if pos >= len(buf) {
			return nil, offset, &bacerr.CodecError{Op: "ExtractContextValue", Err: fmt.Errorf("truncated before closing tag")}
		}
		t, after, err := DecodeTag(buf, pos)
		if err != nil {
			return nil, offset, err
		}
		switch {
		case t.Class == ClassContext && t.Marker == MarkerOpening:
			depth++
			if depth > MaxNestingDepth {
				return nil, offset, &bacerr.CodecError{Op: "ExtractContextValue", Err: fmt.Errorf("nesting exceeds %d", MaxNestingDepth)}
			}
			pos = after
		case t.Class == ClassContext && t.Marker == MarkerClosing:
			depth--
			if depth == 0 {
				end := pos
				return buf[start:end], after, nil
			}
			pos = after
		case t.Marker == MarkerLength:
			pos = after + int(t.Length)
		default:
			pos = after
		}
	}
	return nil, offset, &bacerr.CodecError{Op: "ExtractContextValue", Err: fmt.Errorf("unreachable")}
}
