// Package ipv4 implements the BACnet/IP (Annex J) data link: a UDP socket
// framing NPDUs in BVLL datagrams. The goroutine-plus-timeout-channel
// shape for send/receive is adapted from the teacher's
// cmd/gnbsim_sctp.go (newN2Conn/send/recv), swapping SCTP for UDP.
package ipv4

import (
	"context"
	"fmt"
	"net"
	"sync"

	"bacstack/address"
	"bacstack/blog"
	"bacstack/bvll"
	"bacstack/metrics"
	"bacstack/transport"

	"github.com/sirupsen/logrus"
)

var log = blog.For("transport.ipv4")

// BBMDHook lets a bbmd.Manager intercept management-function frames before
// any application delivery, per spec.md §4.3's "a transport may optionally
// wire in a BBMD overlay". It returns true if the BBMD fully handled the
// frame (no further local delivery of it as a raw BVLL frame), and
// separately yields an NPDU (possibly nil) that should still be delivered
// to the local application layer.
type BBMDHook interface {
	// HandleFrame processes a BVLL frame from source. It returns the NPDU
	// to deliver locally (nil if none) and whether the frame was a
	// BBMD-management function the hook fully owns.
	HandleFrame(frame bvll.Frame, source address.Address) (deliverNPDU []byte, handled bool)
}

// Transport implements transport.Transport over BACnet/IP.
type Transport struct {
	conn     *net.UDPConn
	local    address.Address
	iface    *net.Interface
	bcastMAC []byte // broadcast address for the local subnet, set by SetBroadcastAddress

	onReceive transport.ReceiveFunc
	bbmd      BBMDHook

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an IPv4 transport bound to bindAddr ("0.0.0.0:47808" or
// similar). The broadcast address is not derived from the interface:
// SendBroadcast returns an error until SetBroadcastAddress supplies one.
func New(bindAddr string) (*Transport, error) {
	addr, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("ipv4: resolve bind address %q: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("ipv4: listen %q: %w", bindAddr, err)
	}
	local, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return nil, err
	}
	mac, err := address.EncodeIPv4(local.IP, uint16(local.Port))
	if err != nil {
		// Bound to 0.0.0.0: local address is not yet meaningful as a
		// peer-facing identity until the application supplies the real
		// outbound interface address; fall back to an empty MAC.
		mac = nil
	}
	return &Transport{conn: conn, local: address.Local(mac)}, nil
}

// SetBBMD wires in a broadcast-management overlay. Must be called before
// Start.
func (t *Transport) SetBBMD(b BBMDHook) { t.bbmd = b }

func (t *Transport) OnReceive(fn transport.ReceiveFunc) { t.onReceive = fn }

func (t *Transport) LocalAddress() address.Address { return t.local }

func (t *Transport) MaxNPDULength() int { return 1497 }

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
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

func (t *Transport) readLoop(ctx context.Context) {
	defer t.wg.Done()
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, peer, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.WithError(err).Warn("udp read failed")
			continue
		}
		t.handleDatagram(append([]byte(nil), buf[:n]...), peer)
	}
}

func (t *Transport) handleDatagram(data []byte, peer *net.UDPAddr) {
	frame, err := bvll.Decode(data)
	if err != nil {
		log.WithError(err).WithField("peer", peer).Warn("dropping malformed BVLL frame")
		metrics.DecodeErrorsTotal.WithLabelValues("bvll").Inc()
		return
	}
	metrics.FramesTotal.WithLabelValues("ipv4", "rx", "ok").Inc()

	mac, err := address.EncodeIPv4(peer.IP, uint16(peer.Port))
	if err != nil {
		log.WithError(err).Warn("dropping frame from non-IPv4 peer")
		return
	}
	source := address.Local(mac)

	if t.bbmd != nil {
		npduBytes, handled := t.bbmd.HandleFrame(frame, source)
		if handled {
			if npduBytes != nil {
				t.deliver(npduBytes, source)
			}
			return
		}
	}

	switch frame.Function {
	case bvll.FuncOriginalUnicastNPDU, bvll.FuncOriginalBroadcastNPDU:
		t.deliver(frame.Payload, source)
	case bvll.FuncForwardedNPDU:
		orig, npduBytes, err := bvll.DecodeForwardedNPDU(frame.Payload)
		if err != nil {
			log.WithError(err).Warn("dropping malformed Forwarded-NPDU")
			return
		}
		s, err := address.FormatIPv4(orig[:])
		if err != nil {
			return
		}
		origAddr, err := address.Parse(s)
		if err != nil {
			return
		}
		t.deliver(npduBytes, origAddr)
	default:
		// Management functions with no BBMD configured: log and drop
		// rather than propagate, per spec.md §4.3.
		log.WithFields(logrus.Fields{"function": frame.Function, "peer": peer}).Debug("no BBMD configured, dropping management frame")
	}
}

func (t *Transport) deliver(npduBytes []byte, source address.Address) {
	if t.onReceive == nil {
		return
	}
	transport.SafeDeliver(t.onReceive, npduBytes, source, func(r any) {
		log.WithField("panic", r).Error("receive callback panicked, recovered")
	})
}

func (t *Transport) SendUnicast(npduBytes []byte, dest address.Address) error {
	frame, err := bvll.Encode(bvll.FuncOriginalUnicastNPDU, npduBytes)
	if err != nil {
		return err
	}
	udpAddr, err := udpAddrFromMAC(dest.MAC)
	if err != nil {
		return err
	}
	_, err = t.conn.WriteToUDP(frame, udpAddr)
	if err != nil {
		metrics.FramesTotal.WithLabelValues("ipv4", "tx", "error").Inc()
		return err
	}
	metrics.FramesTotal.WithLabelValues("ipv4", "tx", "ok").Inc()
	return nil
}

func (t *Transport) SendBroadcast(npduBytes []byte) error {
	frame, err := bvll.Encode(bvll.FuncOriginalBroadcastNPDU, npduBytes)
	if err != nil {
		return err
	}
	if t.bcastMAC == nil {
		return fmt.Errorf("ipv4: no broadcast address configured")
	}
	udpAddr, err := udpAddrFromMAC(t.bcastMAC)
	if err != nil {
		return err
	}
	if _, err := t.conn.WriteToUDP(frame, udpAddr); err != nil {
		metrics.FramesTotal.WithLabelValues("ipv4", "tx", "error").Inc()
		return err
	}
	metrics.FramesTotal.WithLabelValues("ipv4", "tx", "ok").Inc()
	return nil
}

// SendRawFrame lets higher layers (bbmd.Manager) emit BVLL management
// frames (Forwarded-NPDU, BVLC-Result, ...) that are not plain
// Original-Unicast/Broadcast.
func (t *Transport) SendRawFrame(function uint8, payload []byte, dest address.Address) error {
	frame, err := bvll.Encode(function, payload)
	if err != nil {
		return err
	}
	udpAddr, err := udpAddrFromMAC(dest.MAC)
	if err != nil {
		return err
	}
	if _, err := t.conn.WriteToUDP(frame, udpAddr); err != nil {
		metrics.FramesTotal.WithLabelValues("ipv4", "tx", "error").Inc()
		return err
	}
	metrics.FramesTotal.WithLabelValues("ipv4", "tx", "ok").Inc()
	return nil
}

// SetBroadcastAddress configures the local subnet's directed-broadcast MAC
// (e.g. 192.168.1.255:47808), used by SendBroadcast.
func (t *Transport) SetBroadcastAddress(mac []byte) { t.bcastMAC = mac }

func udpAddrFromMAC(mac []byte) (*net.UDPAddr, error) {
	if len(mac) != 6 {
		return nil, fmt.Errorf("ipv4: destination MAC must be 6 bytes, got %d", len(mac))
	}
	ip := net.IPv4(mac[0], mac[1], mac[2], mac[3])
	port := int(mac[4])<<8 | int(mac[5])
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

var _ transport.Transport = (*Transport)(nil)
