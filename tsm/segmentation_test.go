package tsm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentServiceDataFitsInOneSegmentReturnsNil(t *testing.T) {
	assert.Nil(t, segmentServiceData([]byte{1, 2, 3}, 10))
}

func TestSegmentServiceDataSplitsAtBoundary(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 25)
	segments := segmentServiceData(data, 10)
	require.Len(t, segments, 3)
	assert.Len(t, segments[0], 10)
	assert.Len(t, segments[1], 10)
	assert.Len(t, segments[2], 5)
}

func TestReassemblerInOrderReconstructsOriginal(t *testing.T) {
	data := bytes.Repeat([]byte{0xCD}, 25)
	segments := segmentServiceData(data, 10)
	r := newReassembler(16)
	var got []byte
	for i, seg := range segments {
		_, negative, _, complete := r.Accept(uint8(i), i < len(segments)-1, seg)
		assert.False(t, negative)
		if complete {
			got = r.Bytes()
		}
	}
	assert.Equal(t, data, got)
}

func TestReassemblerGapTriggersNegativeACK(t *testing.T) {
	r := newReassembler(16)
	ackNow, negative, ackSeq, complete := r.Accept(2, true, []byte{0x01})
	assert.True(t, ackNow)
	assert.True(t, negative)
	assert.Equal(t, uint8(255), ackSeq) // expected - 1 wraps, since expected started at 0
	assert.False(t, complete)
}

func TestReassemblerDuplicateIsAckedPositivelyAndIgnored(t *testing.T) {
	r := newReassembler(16)
	r.Accept(0, true, []byte{0x01})
	ackNow, negative, _, complete := r.Accept(0, true, []byte{0x01})
	assert.True(t, ackNow)
	assert.False(t, negative)
	assert.False(t, complete)
	assert.Equal(t, []byte{0x01}, r.Bytes(), "duplicate segment must not be appended twice")
}

func TestReassemblerAcksAtWindowBoundary(t *testing.T) {
	r := newReassembler(2)
	ackNow, _, _, _ := r.Accept(0, true, []byte{0x01})
	assert.False(t, ackNow)
	ackNow, _, _, _ = r.Accept(1, true, []byte{0x02})
	assert.True(t, ackNow, "must ack every windowSize segments")
}

func TestReassemblerAssemblesFull256SegmentMessage(t *testing.T) {
	r := newReassembler(32)
	var want []byte
	for i := 0; i < 256; i++ {
		seg := []byte{byte(i)}
		want = append(want, seg...)
		_, _, _, complete := r.Accept(uint8(i), i < 255, seg)
		if i == 255 {
			assert.True(t, complete)
		}
	}
	assert.Equal(t, want, r.Bytes())
}
