//go:build linux

// Package ethernet implements the raw-socket BACnet data link (ISO
// 8802-3): an AF_PACKET socket bound to one interface, sending and
// receiving 802.3/LLC frames directly with no IP stack underneath. The
// raw socket setup is grounded on m-lab-tcp-info's direct use of
// golang.org/x/sys/unix for socket-option manipulation
// (netlink/netlink_linux.go); interface introspection reuses the
// teacher's vishvananda/netlink dependency (see iface_linux.go).
package ethernet

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"bacstack/address"
	"bacstack/blog"
	"bacstack/transport"

	"golang.org/x/sys/unix"
)

var log = blog.For("transport.ethernet")

const etherTypeLength8022 = 0 // length field, not an EtherType, for 802.2 frames

// Transport implements transport.Transport over a raw AF_PACKET socket.
type Transport struct {
	fd    int
	info  ifaceInfo
	local address.Address

	onReceive transport.ReceiveFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens a raw AF_PACKET socket on ifaceName. If mac is non-nil it
// overrides the interface's own hardware address as this transport's
// source MAC (spec.md §4.3's ethernet_mac override).
func New(ifaceName string, mac []byte) (*Transport, error) {
	info, err := lookupInterface(ifaceName)
	if err != nil {
		return nil, err
	}
	if len(mac) == 6 {
		copy(info.mac[:], mac)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htons(unix.ETH_P_ALL))
	if err != nil {
		return nil, fmt.Errorf("ethernet: open AF_PACKET socket: %w", err)
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  info.index,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ethernet: bind to interface index %d: %w", info.index, err)
	}

	return &Transport{fd: fd, info: info, local: address.Local(append([]byte(nil), info.mac[:]...))}, nil
}

func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.LittleEndian.Uint16(b[:])
}

func (t *Transport) OnReceive(fn transport.ReceiveFunc) { t.onReceive = fn }
func (t *Transport) LocalAddress() address.Address       { return t.local }
func (t *Transport) MaxNPDULength() int                  { return 1476 }

func (t *Transport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	t.wg.Add(1)
	go t.readLoop(ctx)
	return nil
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()
	err := unix.Close(t.fd)
	t.wg.Wait()
	return err
}

func (t *Transport) readLoop(ctx context.Context) {
	defer t.wg.Done()
	buf := make([]byte, t.info.mtu+32)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, _, err := unix.Recvfrom(t.fd, buf, 0)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.WithError(err).Warn("raw socket read failed")
			continue
		}
		t.handleFrame(append([]byte(nil), buf[:n]...))
	}
}

func (t *Transport) handleFrame(raw []byte) {
	frame, err := Decode(raw)
	if err != nil {
		log.WithError(err).Debug("dropping non-BACnet frame")
		return
	}
	if frame.Source == t.info.mac {
		return
	}
	if t.onReceive == nil {
		return
	}
	source := address.Local(append([]byte(nil), frame.Source[:]...))
	transport.SafeDeliver(t.onReceive, frame.Payload, source, func(r any) {
		log.WithField("panic", r).Error("receive callback panicked, recovered")
	})
}

func (t *Transport) SendUnicast(npduBytes []byte, dest address.Address) error {
	if len(dest.MAC) != 6 {
		return fmt.Errorf("ethernet: destination MAC must be 6 bytes, got %d", len(dest.MAC))
	}
	var destMAC [6]byte
	copy(destMAC[:], dest.MAC)
	return t.send(destMAC, npduBytes)
}

func (t *Transport) SendBroadcast(npduBytes []byte) error {
	return t.send(BroadcastMAC, npduBytes)
}

func (t *Transport) send(dest [6]byte, npduBytes []byte) error {
	frame, err := Encode(Frame{Dest: dest, Source: t.info.mac, Payload: npduBytes})
	if err != nil {
		return err
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  t.info.index,
		Halen:    6,
	}
	copy(addr.Addr[:6], dest[:])
	return unix.Sendto(t.fd, frame, 0, addr)
}

var _ transport.Transport = (*Transport)(nil)
