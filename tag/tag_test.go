package tag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeTagRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		number uint8
		class  Class
		length uint32
	}{
		{"small-app", 2, ClassApplication, 4},
		{"small-context", 5, ClassContext, 3},
		{"extended-number", 20, ClassContext, 3},
		{"extended-length-1byte", 3, ClassApplication, 200},
		{"extended-length-2byte", 20, ClassContext, 300},
		{"extended-length-4byte", 1, ClassApplication, 70000},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			enc, err := EncodeTag(c.number, c.class, MarkerLength, c.length)
			require.NoError(t, err)
			got, offset, err := DecodeTag(enc, 0)
			require.NoError(t, err)
			assert.Equal(t, c.number, got.Number)
			assert.Equal(t, c.class, got.Class)
			assert.Equal(t, c.length, got.Length)
			assert.Equal(t, len(enc), offset)
		})
	}
}

// S1 from spec.md §8: (tag_number=5, class=CONTEXT, length=3) round-trips
// with offset landing at 4; (tag_number=20, class=CONTEXT, length=300)
// encodes as the exact byte sequence given in the spec.
func TestS1TagScenario(t *testing.T) {
	enc, err := EncodeTag(5, ClassContext, MarkerLength, 3)
	require.NoError(t, err)
	content := []byte{0x01, 0x02, 0x03}
	buf := append(append([]byte{}, enc...), content...)

	got, offset, err := DecodeTag(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), got.Number)
	assert.Equal(t, ClassContext, got.Class)
	assert.Equal(t, uint32(3), got.Length)
	assert.Equal(t, 4, offset)

	enc2, err := EncodeTag(20, ClassContext, MarkerLength, 300)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFD, 20, 0xFE, 0x01, 0x2C}, enc2)
}

func TestOpeningClosingTag(t *testing.T) {
	open, err := EncodeTag(3, ClassContext, MarkerOpening, 0)
	require.NoError(t, err)
	close_, err := EncodeTag(3, ClassContext, MarkerClosing, 0)
	require.NoError(t, err)

	got, _, err := DecodeTag(open, 0)
	require.NoError(t, err)
	assert.Equal(t, MarkerOpening, got.Marker)

	got2, _, err := DecodeTag(close_, 0)
	require.NoError(t, err)
	assert.Equal(t, MarkerClosing, got2.Marker)

	_, err = EncodeTag(3, ClassApplication, MarkerOpening, 0)
	assert.Error(t, err)
}

func TestDecodeTagTruncated(t *testing.T) {
	_, _, err := DecodeTag(nil, 0)
	assert.Error(t, err)

	_, _, err = DecodeTag([]byte{0xF0}, 0) // extended number, but nothing follows
	assert.Error(t, err)
}

func TestDecodeTagLengthLimitExceeded(t *testing.T) {
	buf := []byte{0x05, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	_, _, err := DecodeTag(buf, 0)
	assert.Error(t, err)
}

// Invariant 2 from spec.md §8: extract_context_value returns exactly the
// bytes between the markers and leaves the offset right after closing.
func TestExtractContextValueSimple(t *testing.T) {
	open, _ := EncodeTag(2, ClassContext, MarkerOpening, 0)
	closeTag, _ := EncodeTag(2, ClassContext, MarkerClosing, 0)
	inner := []byte{0xAA, 0xBB, 0xCC}
	buf := append(append(append([]byte{}, open...), inner...), closeTag...)
	buf = append(buf, 0x99) // trailing byte after the region

	got, offset, err := ExtractContextValue(buf, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, inner, got)
	assert.Equal(t, len(buf)-1, offset)
}

func TestExtractContextValueNested(t *testing.T) {
	innerOpen, _ := EncodeTag(1, ClassContext, MarkerOpening, 0)
	innerClose, _ := EncodeTag(1, ClassContext, MarkerClosing, 0)
	outerOpen, _ := EncodeTag(2, ClassContext, MarkerOpening, 0)
	outerClose, _ := EncodeTag(2, ClassContext, MarkerClosing, 0)

	var buf []byte
	buf = append(buf, outerOpen...)
	buf = append(buf, innerOpen...)
	buf = append(buf, 0x01, 0x02)
	buf = append(buf, innerClose...)
	buf = append(buf, outerClose...)

	got, offset, err := ExtractContextValue(buf, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, len(buf), offset)
	assert.Equal(t, append(append(append([]byte{}, innerOpen...), 0x01, 0x02), innerClose...), got)
}

func TestExtractContextValueDepthGuard(t *testing.T) {
	var buf []byte
	open, _ := EncodeTag(2, ClassContext, MarkerOpening, 0)
	for i := 0; i < MaxNestingDepth+1; i++ {
		buf = append(buf, open...)
	}
	_, _, err := ExtractContextValue(buf, 0, 2)
	assert.Error(t, err)
}

func TestUnsignedSignedRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 255, 256, 65535, 65536, 1 << 40} {
		enc := EncodeUnsigned(v)
		got, err := DecodeUnsigned(enc)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	for _, v := range []int64{0, 1, -1, 127, -128, 128, -129, 1 << 30, -(1 << 30)} {
		enc := EncodeSigned(v)
		got, err := DecodeSigned(enc)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}
