// Package bbmd implements the BACnet/IP Broadcast Management Device
// overlay (ASHRAE 135 Annex J.4-J.5): BDT/FDT management and broadcast
// forwarding between BACnet/IP subnets. The entry shapes and forwarding
// rules are grounded directly on
// original_source/src/bac_py/transport/bbmd.py's BDTEntry/FDTEntry and
// BBMDManager.
package bbmd

import (
	"fmt"
	"net"

	"bacstack/bacerr"
)

// BDTEntrySize is the wire size of one Broadcast Distribution Table
// entry: a 6-octet B/IP address plus a 4-octet broadcast mask.
const BDTEntrySize = 10

// BDTEntry is one Broadcast Distribution Table entry, Annex J.4.
type BDTEntry struct {
	Address        [6]byte
	BroadcastMask  [4]byte
}

func (e BDTEntry) Encode() []byte {
	out := make([]byte, 0, BDTEntrySize)
	out = append(out, e.Address[:]...)
	out = append(out, e.BroadcastMask[:]...)
	return out
}

func DecodeBDTEntry(data []byte) (BDTEntry, error) {
	if len(data) != BDTEntrySize {
		return BDTEntry{}, &bacerr.CodecError{Op: "bbmd.DecodeBDTEntry", Err: fmt.Errorf("expected %d bytes, got %d", BDTEntrySize, len(data))}
	}
	var e BDTEntry
	copy(e.Address[:], data[0:6])
	copy(e.BroadcastMask[:], data[6:10])
	return e, nil
}

// ForwardAddress computes the destination for a BDT peer per Annex
// J.4.5: if the mask is all-ones the destination is the peer's own
// unicast address (two-hop forwarding), otherwise it is the peer
// subnet's directed-broadcast address (one-hop forwarding):
// dest_ip = entry_ip | ~mask.
func (e BDTEntry) ForwardAddress() [6]byte {
	var dest [6]byte
	for i := 0; i < 4; i++ {
		dest[i] = e.Address[i] | ^e.BroadcastMask[i]
	}
	dest[4] = e.Address[4]
	dest[5] = e.Address[5]
	return dest
}

func decodeBDT(data []byte) ([]BDTEntry, error) {
	if len(data)%BDTEntrySize != 0 {
		return nil, &bacerr.CodecError{Op: "bbmd.decodeBDT", Err: fmt.Errorf("BDT payload length %d not a multiple of %d", len(data), BDTEntrySize)}
	}
	var entries []BDTEntry
	for i := 0; i < len(data); i += BDTEntrySize {
		e, err := DecodeBDTEntry(data[i : i+BDTEntrySize])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// FormatMask renders a 4-octet mask as dotted-quad for diagnostics.
func FormatMask(mask [4]byte) string {
	return net.IPv4(mask[0], mask[1], mask[2], mask[3]).String()
}
