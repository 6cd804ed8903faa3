// Package ipv6 implements the BACnet/IPv6 (Annex U) data link: a UDP
// socket joined to the ff02::bac0 link-local multicast group, framing
// NPDUs in BVLL6 datagrams addressed by 3-byte VMAC. Multicast group
// membership is grounded on golang.org/x/net/ipv6, the module
// Splat-NDPeekr pulls in for its own low-level IPv6 introspection.
package ipv6

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"bacstack/address"
	"bacstack/blog"
	"bacstack/bvll6"
	"bacstack/metrics"
	"bacstack/transport"

	"golang.org/x/net/ipv6"
)

var log = blog.For("transport.ipv6")

// BBMDHook lets a bbmd.Manager6 intercept management-function frames
// before application delivery, mirroring transport/ipv4.BBMDHook.
type BBMDHook interface {
	HandleFrame(frame bvll6.Frame, source address.Address) (deliverNPDU []byte, handled bool)
}

// ResolverTimeout bounds how long SendUnicast waits for an
// Address-Resolution exchange to complete before failing.
const ResolverTimeout = 3 * time.Second

type resolverEntry struct {
	addr    *net.UDPAddr
	lastSeen time.Time
}

// resolver caches VMAC -> IPv6 address mappings learned via
// Address-Resolution, with TTL-based eviction (spec.md §4.3).
type resolver struct {
	mu      sync.Mutex
	entries map[bvll6.VMAC]resolverEntry
	ttl     time.Duration
	waiters map[bvll6.VMAC][]chan *net.UDPAddr
}

func newResolver(ttl time.Duration) *resolver {
	return &resolver{entries: make(map[bvll6.VMAC]resolverEntry), waiters: make(map[bvll6.VMAC][]chan *net.UDPAddr)}
}

func (r *resolver) lookup(vmac bvll6.VMAC) (*net.UDPAddr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[vmac]
	if !ok || time.Since(e.lastSeen) > r.ttl {
		return nil, false
	}
	return e.addr, true
}

func (r *resolver) learn(vmac bvll6.VMAC, addr *net.UDPAddr) {
	r.mu.Lock()
	r.entries[vmac] = resolverEntry{addr: addr, lastSeen: time.Now()}
	waiters := r.waiters[vmac]
	delete(r.waiters, vmac)
	r.mu.Unlock()
	for _, ch := range waiters {
		ch <- addr
	}
}

func (r *resolver) await(vmac bvll6.VMAC) <-chan *net.UDPAddr {
	ch := make(chan *net.UDPAddr, 1)
	r.mu.Lock()
	r.waiters[vmac] = append(r.waiters[vmac], ch)
	r.mu.Unlock()
	return ch
}

// Transport implements transport.Transport over BACnet/IPv6.
type Transport struct {
	conn      *net.UDPConn
	pc        *ipv6.PacketConn
	iface     *net.Interface
	group     *net.UDPAddr
	localVMAC bvll6.VMAC
	local     address.Address

	resolver  *resolver
	onReceive transport.ReceiveFunc
	bbmd      BBMDHook

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New binds a BACnet/IPv6 UDP socket on ifaceName and joins the default
// multicast group.
func New(ifaceName string, port int) (*Transport, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("ipv6: lookup interface %q: %w", ifaceName, err)
	}
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("ipv6: listen on %q: %w", ifaceName, err)
	}
	pc := ipv6.NewPacketConn(conn)
	groupIP := net.ParseIP(bvll6.DefaultMulticastGroup)
	group := &net.UDPAddr{IP: groupIP, Port: port}
	if err := pc.JoinGroup(iface, group); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ipv6: join multicast group: %w", err)
	}

	var vmac bvll6.VMAC
	if _, err := rand.Read(vmac[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ipv6: generate VMAC: %w", err)
	}

	t := &Transport{
		conn:      conn,
		pc:        pc,
		iface:     iface,
		group:     group,
		localVMAC: vmac,
		resolver:  newResolver(5 * time.Minute),
	}
	mac, err := address.EncodeIPv6(net.ParseIP("::"), uint16(port))
	if err == nil {
		t.local = address.Local(mac)
	}
	return t, nil
}

// LocalVMAC exposes the transport's self-assigned virtual MAC.
func (t *Transport) LocalVMAC() bvll6.VMAC { return t.localVMAC }

// SetBBMD wires in a broadcast-management overlay. Must be called
// before Start.
func (t *Transport) SetBBMD(b BBMDHook) { t.bbmd = b }

func (t *Transport) OnReceive(fn transport.ReceiveFunc) { t.onReceive = fn }
func (t *Transport) LocalAddress() address.Address       { return t.local }
func (t *Transport) MaxNPDULength() int                  { return 1497 }

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
			log.WithError(err).Warn("udp6 read failed")
			continue
		}
		t.handleDatagram(append([]byte(nil), buf[:n]...), peer)
	}
}

func (t *Transport) handleDatagram(data []byte, peer *net.UDPAddr) {
	frame, err := bvll6.Decode(data)
	if err != nil {
		log.WithError(err).Warn("dropping malformed BVLL6 frame")
		metrics.DecodeErrorsTotal.WithLabelValues("bvll6").Inc()
		return
	}
	metrics.FramesTotal.WithLabelValues("ipv6", "rx", "ok").Inc()
	t.resolver.learn(frame.SourceVMAC, peer)

	if t.bbmd != nil {
		npduBytes, handled := t.bbmd.HandleFrame(frame, vmacAddress(frame.SourceVMAC))
		if handled {
			if npduBytes != nil {
				t.deliver(npduBytes, vmacAddress(frame.SourceVMAC))
			}
			return
		}
	}

	switch frame.Function {
	case bvll6.FuncOriginalUnicastNPDU, bvll6.FuncOriginalBroadcastNPDU:
		t.deliver(frame.Payload, vmacAddress(frame.SourceVMAC))
	case bvll6.FuncForwardedNPDU:
		orig, npduBytes, err := bvll6.DecodeForwardedNPDU(frame.Payload)
		if err != nil {
			log.WithError(err).Warn("dropping malformed Forwarded-NPDU")
			return
		}
		if frame.SourceVMAC == t.localVMAC {
			// Self-originated Forwarded-NPDU, drop per spec.md §4.4.
			return
		}
		origAddr := address.Local(orig[:])
		t.deliver(npduBytes, origAddr)
	case bvll6.FuncAddressResolution:
		// Reply handled by the BBMD/application layer; this transport
		// only maintains the resolver cache passively via learn() above.
	default:
		log.WithField("function", frame.Function).Debug("dropping unhandled BVLL6 management frame")
	}
}

func vmacAddress(v bvll6.VMAC) address.Address {
	return address.Local(append([]byte(nil), v[:]...))
}

func (t *Transport) deliver(npduBytes []byte, source address.Address) {
	if t.onReceive == nil {
		return
	}
	transport.SafeDeliver(t.onReceive, npduBytes, source, func(r any) {
		log.WithField("panic", r).Error("receive callback panicked, recovered")
	})
}

func (t *Transport) SendBroadcast(npduBytes []byte) error {
	frame, err := bvll6.Encode(bvll6.Frame{
		Function:   bvll6.FuncOriginalBroadcastNPDU,
		SourceVMAC: t.localVMAC,
		Payload:    npduBytes,
	})
	if err != nil {
		return err
	}
	if _, err := t.conn.WriteToUDP(frame, t.group); err != nil {
		metrics.FramesTotal.WithLabelValues("ipv6", "tx", "error").Inc()
		return err
	}
	metrics.FramesTotal.WithLabelValues("ipv6", "tx", "ok").Inc()
	return nil
}

// SendUnicast resolves dest's VMAC to an IPv6 address if needed, queuing
// until resolution succeeds or ResolverTimeout elapses, per spec.md §4.3.
func (t *Transport) SendUnicast(npduBytes []byte, dest address.Address) error {
	if len(dest.MAC) != 3 {
		return fmt.Errorf("ipv6: destination MAC must be a 3-byte VMAC, got %d bytes", len(dest.MAC))
	}
	var vmac bvll6.VMAC
	copy(vmac[:], dest.MAC)

	udpAddr, ok := t.resolver.lookup(vmac)
	if !ok {
		if err := t.sendAddressResolution(vmac); err != nil {
			return err
		}
		select {
		case udpAddr = <-t.resolver.await(vmac):
		case <-time.After(ResolverTimeout):
			return fmt.Errorf("ipv6: address resolution for VMAC %x timed out", vmac)
		}
	}

	frame, err := bvll6.Encode(bvll6.Frame{
		Function:    bvll6.FuncOriginalUnicastNPDU,
		SourceVMAC:  t.localVMAC,
		HasDestVMAC: true,
		DestVMAC:    vmac,
		Payload:     npduBytes,
	})
	if err != nil {
		return err
	}
	if _, err := t.conn.WriteToUDP(frame, udpAddr); err != nil {
		metrics.FramesTotal.WithLabelValues("ipv6", "tx", "error").Inc()
		return err
	}
	metrics.FramesTotal.WithLabelValues("ipv6", "tx", "ok").Inc()
	return nil
}

func (t *Transport) sendAddressResolution(vmac bvll6.VMAC) error {
	frame, err := bvll6.Encode(bvll6.Frame{
		Function:   bvll6.FuncAddressResolution,
		SourceVMAC: t.localVMAC,
		Payload:    vmac[:],
	})
	if err != nil {
		return err
	}
	_, err = t.conn.WriteToUDP(frame, t.group)
	return err
}

var _ transport.Transport = (*Transport)(nil)
