package bbmd

import (
	"fmt"
	"time"

	"bacstack/address"
	"bacstack/bacerr"
	"bacstack/bvll6"
)

// BDT6EntrySize is the wire size of one BACnet/IPv6 BDT entry: just the
// 18-octet B/IPv6 address. IPv6 BBMDs use multicast rather than directed
// broadcast, so no mask is carried (original_source's BDT6Entry).
const BDT6EntrySize = 18

// FDT6EntrySize is the wire size of one BACnet/IPv6 FDT entry: 18-octet
// address + 2-octet TTL + 2-octet remaining.
const FDT6EntrySize = 22

type BDT6Entry struct {
	Address [18]byte
}

func (e BDT6Entry) Encode() []byte { return append([]byte(nil), e.Address[:]...) }

func DecodeBDT6Entry(data []byte) (BDT6Entry, error) {
	if len(data) != BDT6EntrySize {
		return BDT6Entry{}, &bacerr.CodecError{Op: "bbmd.DecodeBDT6Entry", Err: fmt.Errorf("expected %d bytes, got %d", BDT6EntrySize, len(data))}
	}
	var e BDT6Entry
	copy(e.Address[:], data)
	return e, nil
}

func decodeBDT6(data []byte) ([]BDT6Entry, error) {
	if len(data)%BDT6EntrySize != 0 {
		return nil, &bacerr.CodecError{Op: "bbmd.decodeBDT6", Err: fmt.Errorf("BDT6 payload length %d not a multiple of %d", len(data), BDT6EntrySize)}
	}
	var out []BDT6Entry
	for i := 0; i < len(data); i += BDT6EntrySize {
		e, err := DecodeBDT6Entry(data[i : i+BDT6EntrySize])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

type FDT6Entry struct {
	Address [18]byte
	TTL     uint16
	Expiry  time.Time
}

func (e FDT6Entry) Remaining(now time.Time) uint16 {
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

func (e FDT6Entry) Encode(now time.Time) []byte {
	out := make([]byte, 0, FDT6EntrySize)
	out = append(out, e.Address[:]...)
	out = append(out, byte(e.TTL>>8), byte(e.TTL))
	r := e.Remaining(now)
	out = append(out, byte(r>>8), byte(r))
	return out
}

// SendFunc6 transmits a raw BVLL6 frame to dest. Implementations wrap a
// transport/ipv6.Transport's unicast/broadcast sends.
type SendFunc6 func(frame bvll6.Frame, dest address.Address) error

// Manager6 is a BACnet/IPv6 Broadcast Management Device, grounded on
// original_source/src/bac_py/transport/bbmd6.py's BBMD6Manager. Unlike
// its IPv4 counterpart it relays broadcasts only to registered foreign
// devices, by unicast: the BDT is stored (SetBDT/BDT) but no frame is
// forwarded to BDT peers, and nothing is re-sent on the local multicast
// group. Every frame carries a 3-byte source VMAC rather than relying on
// the UDP peer address alone.
type Manager6 struct {
	localVMAC bvll6.VMAC
	send      SendFunc6

	bdt []BDT6Entry
	fdt map[[18]byte]FDT6Entry
}

func NewManager6(localVMAC bvll6.VMAC, send SendFunc6) *Manager6 {
	return &Manager6{localVMAC: localVMAC, send: send, fdt: make(map[[18]byte]FDT6Entry)}
}

func (m *Manager6) BDT() []BDT6Entry { return append([]BDT6Entry(nil), m.bdt...) }

func (m *Manager6) SetBDT(entries []BDT6Entry) { m.bdt = append([]BDT6Entry(nil), entries...) }

func (m *Manager6) FDT() map[[18]byte]FDT6Entry {
	out := make(map[[18]byte]FDT6Entry, len(m.fdt))
	for k, v := range m.fdt {
		out[k] = v
	}
	return out
}

func addr18(a address.Address) [18]byte {
	var out [18]byte
	copy(out[:], a.MAC)
	return out
}

// HandleFrame mirrors bbmd.Manager.HandleFrame for the BVLL6 function
// set. source is the VMAC of the peer that sent the frame.
func (m *Manager6) HandleFrame(frame bvll6.Frame, source address.Address) ([]byte, bool) {
	switch frame.Function {
	case bvll6.FuncOriginalBroadcastNPDU:
		m.relayToFDs(frame.Payload, frame.SourceVMAC, [18]byte{})
		return nil, false

	case bvll6.FuncForwardedNPDU:
		orig, npduBytes, err := bvll6.DecodeForwardedNPDU(frame.Payload)
		if err != nil {
			return nil, true
		}
		m.relayToFDs(npduBytes, frame.SourceVMAC, orig)
		return nil, false

	case bvll6.FuncRegisterForeignDevice:
		m.handleRegisterForeignDevice6(frame.Payload, frame.SourceVMAC, source)
		return nil, true

	case bvll6.FuncDeleteForeignDeviceTableEntry:
		m.handleDeleteFDT6Entry(frame.Payload)
		return nil, true

	case bvll6.FuncDistributeBroadcastToNetwork:
		return m.handleDistributeBroadcast6(frame.Payload, source), true

	default:
		return nil, false
	}
}

// relayToFDs forwards npdu, wrapped as a Forwarded-NPDU carrying the
// 18-octet originating address, to every registered foreign device.
// An all-zero originating address means none was embedded; sourceVMAC is
// then placed in its last three octets.
func (m *Manager6) relayToFDs(npdu []byte, sourceVMAC bvll6.VMAC, originating [18]byte) {
	if originating == ([18]byte{}) {
		// Original-Broadcast-NPDU carries no embedded originating
		// address; the VMAC the datagram arrived with is all we have.
		copy(originating[15:], sourceVMAC[:])
	}
	payload := bvll6.EncodeForwardedNPDU(originating, npdu)
	for _, fd := range m.fdt {
		frame := bvll6.Frame{Function: bvll6.FuncForwardedNPDU, SourceVMAC: m.localVMAC, Payload: payload}
		_ = m.send(frame, address.Local(fd.Address[:]))
	}
}

func (m *Manager6) handleRegisterForeignDevice6(payload []byte, vmac bvll6.VMAC, source address.Address) {
	if len(payload) < 2 {
		return
	}
	ttl := uint16(payload[0])<<8 | uint16(payload[1])
	addr := addr18(source)
	m.fdt[addr] = FDT6Entry{Address: addr, TTL: ttl, Expiry: time.Now().Add(time.Duration(ttl)*time.Second + FDTGracePeriod)}
}

func (m *Manager6) handleDeleteFDT6Entry(payload []byte) {
	if len(payload) < 18 {
		return
	}
	var addr [18]byte
	copy(addr[:], payload[0:18])
	delete(m.fdt, addr)
}

func (m *Manager6) handleDistributeBroadcast6(npdu []byte, source address.Address) []byte {
	if _, ok := m.fdt[addr18(source)]; !ok {
		return nil
	}
	var orig [18]byte
	copy(orig[:], source.MAC)
	m.relayToFDs(npdu, m.localVMAC, orig)
	return npdu
}

// PurgeExpiredFDTEntries removes IPv6 foreign device entries past their
// TTL-plus-grace-period deadline.
func (m *Manager6) PurgeExpiredFDTEntries(now time.Time) {
	for k, fd := range m.fdt {
		if !now.Before(fd.Expiry) {
			delete(m.fdt, k)
		}
	}
}
