package bbmd

import (
	"fmt"
	"time"

	"bacstack/bacerr"
)

// FDTEntrySize is the wire size of one Foreign Device Table entry: a
// 6-octet B/IP address, 2-octet TTL, and 2-octet time-remaining.
const FDTEntrySize = 10

// FDTGracePeriod is added to the registered TTL before an entry is
// purged, Annex J.5.2.3.
const FDTGracePeriod = 30 * time.Second

// FDTEntry tracks one registered foreign device.
type FDTEntry struct {
	Address [6]byte
	TTL     uint16
	Expiry  time.Time // monotonic deadline
}

// Remaining is the number of seconds left before expiry, capped at
// 65535 per the 2-octet wire encoding (Annex J.5.2.1).
func (e FDTEntry) Remaining(now time.Time) uint16 {
	d := e.Expiry.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if secs > 65535 {
		return 65535
	}
	return uint16(secs)
}

func (e FDTEntry) Encode(now time.Time) []byte {
	out := make([]byte, 0, FDTEntrySize)
	out = append(out, e.Address[:]...)
	out = append(out, byte(e.TTL>>8), byte(e.TTL))
	r := e.Remaining(now)
	out = append(out, byte(r>>8), byte(r))
	return out
}

func decodeRegisterForeignDevice(payload []byte) (uint16, error) {
	if len(payload) < 2 {
		return 0, &bacerr.CodecError{Op: "bbmd.decodeRegisterForeignDevice", Err: fmt.Errorf("short payload: %d bytes", len(payload))}
	}
	return uint16(payload[0])<<8 | uint16(payload[1]), nil
}

func decodeDeleteFDTEntry(payload []byte) ([6]byte, error) {
	var addr [6]byte
	if len(payload) < 6 {
		return addr, &bacerr.CodecError{Op: "bbmd.decodeDeleteFDTEntry", Err: fmt.Errorf("short payload: %d bytes", len(payload))}
	}
	copy(addr[:], payload[0:6])
	return addr, nil
}
