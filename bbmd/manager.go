package bbmd

import (
	"time"

	"bacstack/address"
	"bacstack/blog"
	"bacstack/bvll"
	"bacstack/metrics"
)

var log = blog.For("bbmd")

// SendFunc transmits a raw BVLL frame to dest. Implementations wrap a
// transport/ipv4.Transport.SendRawFrame.
type SendFunc func(function uint8, payload []byte, dest address.Address) error

// DefaultMaxFDTSize is the Foreign Device Table cap used when a
// Manager is constructed with maxFDTSize <= 0, mirroring
// cov.Manager's subscription-cap defaults.
const DefaultMaxFDTSize = 64

// Manager is a BACnet/IP Broadcast Management Device. It is not
// internally synchronized: the owning Application must ensure
// HandleFrame and PurgeExpiredFDTEntries are only ever called from its
// single reactor goroutine, per the no-locks-on-core-state design.
type Manager struct {
	local address.Address
	send  SendFunc

	bdt []BDTEntry
	fdt map[[6]byte]FDTEntry

	maxFDTSize int
}

// NewManager constructs a BBMD bound to localAddr (a 6-byte BACnet/IP
// address). send transmits raw BVLL frames. maxFDTSize <= 0 selects
// DefaultMaxFDTSize.
func NewManager(localAddr address.Address, send SendFunc, maxFDTSize int) *Manager {
	if maxFDTSize <= 0 {
		maxFDTSize = DefaultMaxFDTSize
	}
	return &Manager{
		local:      localAddr,
		send:       send,
		fdt:        make(map[[6]byte]FDTEntry),
		maxFDTSize: maxFDTSize,
	}
}

// BDT returns a copy of the current Broadcast Distribution Table.
func (m *Manager) BDT() []BDTEntry { return append([]BDTEntry(nil), m.bdt...) }

// SetBDT replaces the Broadcast Distribution Table, normally including
// this BBMD's own entry.
func (m *Manager) SetBDT(entries []BDTEntry) {
	m.bdt = append([]BDTEntry(nil), entries...)
	log.WithField("entries", len(m.bdt)).Info("BDT updated")
}

// FDT returns a snapshot of the current Foreign Device Table.
func (m *Manager) FDT() map[[6]byte]FDTEntry {
	out := make(map[[6]byte]FDTEntry, len(m.fdt))
	for k, v := range m.fdt {
		out[k] = v
	}
	return out
}

func addrMAC(a address.Address) [6]byte {
	var mac [6]byte
	copy(mac[:], a.MAC)
	return mac
}

// HandleFrame inspects a decoded BVLL frame arriving from source.
// It returns the NPDU to deliver to the local application layer (nil if
// none) and whether the BBMD fully owns this function — matching
// transport/ipv4.BBMDHook.
func (m *Manager) HandleFrame(frame bvll.Frame, source address.Address) ([]byte, bool) {
	switch frame.Function {
	case bvll.FuncOriginalBroadcastNPDU:
		m.forwardToPeersAndFDs(frame.Payload, source, nil)
		return nil, false

	case bvll.FuncForwardedNPDU:
		orig, npduBytes, err := bvll.DecodeForwardedNPDU(frame.Payload)
		if err != nil {
			log.WithError(err).Warn("dropping malformed Forwarded-NPDU")
			return nil, true
		}
		origAddr := address.Local(orig[:])
		m.handleForwardedNPDU(npduBytes, origAddr)
		return nil, false

	case bvll.FuncRegisterForeignDevice:
		m.handleRegisterForeignDevice(frame.Payload, source)
		return nil, true

	case bvll.FuncReadBDT:
		m.handleReadBDT(source)
		return nil, true

	case bvll.FuncWriteBDT:
		m.handleWriteBDT(frame.Payload, source)
		return nil, true

	case bvll.FuncReadFDT:
		m.handleReadFDT(source)
		return nil, true

	case bvll.FuncDeleteFDTEntry:
		m.handleDeleteFDTEntry(frame.Payload, source)
		return nil, true

	case bvll.FuncDistributeBroadcastToNetwork:
		return m.handleDistributeBroadcast(frame.Payload, source), true

	default:
		return nil, false
	}
}

// handleForwardedNPDU implements Annex J.4.5: relay to registered
// foreign devices, but never re-forward to other BDT peers — that is
// the loop-prevention rule (Invariant 7). Local delivery stays the
// transport's job, since it already knows how to recover the
// originating address from the Forwarded-NPDU payload.
func (m *Manager) handleForwardedNPDU(npduBytes []byte, originating address.Address) {
	for _, fd := range m.fdt {
		m.sendForwarded(npduBytes, originating, address.Local(fd.Address[:]))
	}
}

// handleDistributeBroadcast implements Annex J.4.5: treated like an
// Original-Broadcast-NPDU from the registered foreign device that sent
// it. Returns the NPDU to deliver locally (nil on NAK).
func (m *Manager) handleDistributeBroadcast(npdu []byte, source address.Address) []byte {
	if _, ok := m.fdt[addrMAC(source)]; !ok {
		m.sendResult(bvll.ResultDistributeBroadcastToNetworkNAK, source)
		return nil
	}
	m.forwardToPeersAndFDs(npdu, source, &source)
	return npdu
}

// forwardToPeersAndFDs wraps npdu in a Forwarded-NPDU and relays it to
// every BDT peer (except this BBMD) and every foreign device (except
// excludeFD, if set), per Annex J.4.5.
func (m *Manager) forwardToPeersAndFDs(npdu []byte, originating address.Address, excludeFD *address.Address) {
	var excludeMAC [6]byte
	hasExclude := excludeFD != nil
	if hasExclude {
		excludeMAC = addrMAC(*excludeFD)
	}

	selfMAC := addrMAC(m.local)
	for _, entry := range m.bdt {
		if entry.Address == selfMAC {
			continue
		}
		dest := address.Local(entry.ForwardAddress()[:])
		m.sendForwarded(npdu, originating, dest)
	}
	for mac, fd := range m.fdt {
		if hasExclude && mac == excludeMAC {
			continue
		}
		m.sendForwarded(npdu, originating, address.Local(fd.Address[:]))
	}
}

func (m *Manager) sendForwarded(npdu []byte, originating, dest address.Address) {
	var orig [6]byte
	copy(orig[:], originating.MAC)
	payload := bvll.EncodeForwardedNPDU(orig, npdu)
	if err := m.send(bvll.FuncForwardedNPDU, payload, dest); err != nil {
		log.WithError(err).WithField("dest", dest).Warn("failed to send Forwarded-NPDU")
	}
}

func (m *Manager) sendResult(code uint16, dest address.Address) {
	if err := m.send(bvll.FuncResult, bvll.EncodeResult(code), dest); err != nil {
		log.WithError(err).Warn("failed to send BVLC-Result")
	}
}

func (m *Manager) handleRegisterForeignDevice(payload []byte, source address.Address) {
	ttl, err := decodeRegisterForeignDevice(payload)
	if err != nil {
		m.sendResult(bvll.ResultRegisterForeignDeviceNAK, source)
		return
	}
	mac := addrMAC(source)
	if _, exists := m.fdt[mac]; !exists && len(m.fdt) >= m.maxFDTSize {
		log.WithField("peer", source).Warn("Foreign Device Table full, rejecting registration")
		m.sendResult(bvll.ResultRegisterForeignDeviceNAK, source)
		return
	}
	m.fdt[mac] = FDTEntry{
		Address: mac,
		TTL:     ttl,
		Expiry:  time.Now().Add(time.Duration(ttl)*time.Second + FDTGracePeriod),
	}
	log.WithField("peer", source).WithField("ttl", ttl).Info("registered foreign device")
	metrics.FDTSizeGauge.Set(float64(len(m.fdt)))
	m.sendResult(bvll.ResultSuccessfulCompletion, source)
}

func (m *Manager) handleReadBDT(source address.Address) {
	var payload []byte
	for _, e := range m.bdt {
		payload = append(payload, e.Encode()...)
	}
	if err := m.send(bvll.FuncReadBDTAck, payload, source); err != nil {
		log.WithError(err).Warn("failed to send Read-BDT-Ack")
	}
}

func (m *Manager) handleWriteBDT(payload []byte, source address.Address) {
	entries, err := decodeBDT(payload)
	if err != nil {
		m.sendResult(bvll.ResultWriteBDTNAK, source)
		return
	}
	m.bdt = entries
	log.WithField("peer", source).WithField("entries", len(entries)).Info("BDT written")
	m.sendResult(bvll.ResultSuccessfulCompletion, source)
}

func (m *Manager) handleReadFDT(source address.Address) {
	now := time.Now()
	var payload []byte
	for _, fd := range m.fdt {
		payload = append(payload, fd.Encode(now)...)
	}
	if err := m.send(bvll.FuncReadFDTAck, payload, source); err != nil {
		log.WithError(err).Warn("failed to send Read-FDT-Ack")
	}
}

func (m *Manager) handleDeleteFDTEntry(payload []byte, source address.Address) {
	addr, err := decodeDeleteFDTEntry(payload)
	if err != nil {
		m.sendResult(bvll.ResultDeleteFDTEntryNAK, source)
		return
	}
	if _, ok := m.fdt[addr]; !ok {
		m.sendResult(bvll.ResultDeleteFDTEntryNAK, source)
		return
	}
	delete(m.fdt, addr)
	log.WithField("entry", address.Local(addr[:])).Info("deleted FDT entry")
	metrics.FDTSizeGauge.Set(float64(len(m.fdt)))
	m.sendResult(bvll.ResultSuccessfulCompletion, source)
}

// PurgeExpiredFDTEntries removes entries whose TTL-plus-grace-period
// deadline has passed. Invoked from the Application's periodic reactor
// tick, never from its own goroutine (Invariant 6).
func (m *Manager) PurgeExpiredFDTEntries(now time.Time) {
	for mac, fd := range m.fdt {
		if !now.Before(fd.Expiry) {
			delete(m.fdt, mac)
			log.WithField("entry", address.Local(mac[:])).Info("purged expired FDT entry")
		}
	}
	metrics.FDTSizeGauge.Set(float64(len(m.fdt)))
}
