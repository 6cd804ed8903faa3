package tsm

// segmentServiceData splits serviceData into chunks of at most
// segmentSize bytes. Returns nil if serviceData already fits in one
// segment, signaling the caller to send it unsegmented.
func segmentServiceData(serviceData []byte, segmentSize int) [][]byte {
	if len(serviceData) <= segmentSize {
		return nil
	}
	var segments [][]byte
	for off := 0; off < len(serviceData); off += segmentSize {
		end := off + segmentSize
		if end > len(serviceData) {
			end = len(serviceData)
		}
		segments = append(segments, serviceData[off:end])
	}
	return segments
}

// reassembler accumulates strictly in-order segments into one
// ServiceData buffer (spec.md §4.6, Invariant 4). Assumes no more than
// 256 segments, so sequence numbers never wrap before the final segment
// arrives.
type reassembler struct {
	expected         uint8
	buf              []byte
	windowSize       uint8
	receivedInWindow uint8
}

func newReassembler(windowSize uint8) *reassembler {
	if windowSize == 0 {
		windowSize = 1
	}
	return &reassembler{windowSize: windowSize}
}

// Accept processes one incoming segment.
//
//   - ackNow reports whether a SegmentACK should be sent immediately.
//   - negative reports a NAK: seq is ahead of what's expected, i.e. a gap.
//   - ackSequence is the sequence number to report in the SegmentACK.
//   - complete reports that this was the final segment (more_follows
//     false) and Bytes() now holds the full reassembled payload.
//
// A duplicate (seq < expected) is acked positively and otherwise
// ignored, matching spec.md §4.6's "receipt of seq < expected is
// duplicate (ignored/acked)".
func (r *reassembler) Accept(seq uint8, moreFollows bool, data []byte) (ackNow, negative bool, ackSequence uint8, complete bool) {
	if seq != r.expected {
		if seq < r.expected {
			return true, false, r.expected - 1, false
		}
		return true, true, r.expected - 1, false
	}
	r.buf = append(r.buf, data...)
	r.receivedInWindow++
	acked := seq
	r.expected++
	if !moreFollows {
		return true, false, acked, true
	}
	if r.receivedInWindow >= r.windowSize {
		r.receivedInWindow = 0
		return true, false, acked, false
	}
	return false, false, acked, false
}

// Bytes returns the bytes reassembled so far.
func (r *reassembler) Bytes() []byte { return r.buf }
